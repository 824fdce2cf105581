// Copyright 2022 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package buildid

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func note(name string, typ uint32, desc []byte) []byte {
	pad := func(b []byte) []byte {
		for len(b)%4 != 0 {
			b = append(b, 0)
		}
		return b
	}
	nameBytes := append([]byte(name), 0)

	var b []byte
	b = binary.LittleEndian.AppendUint32(b, uint32(len(nameBytes)))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(desc)))
	b = binary.LittleEndian.AppendUint32(b, typ)
	b = append(b, pad(nameBytes)...)
	b = append(b, pad(append([]byte(nil), desc...))...)
	return b
}

func TestParseNote(t *testing.T) {
	t.Parallel()

	id := []byte{0xea, 0x8a, 0x38, 0x01, 0x83}
	tests := []struct {
		name    string
		data    []byte
		want    []byte
		wantErr bool
	}{
		{
			name: "single",
			data: note("GNU", noteTypeGNUBuildID, id),
			want: id,
		},
		{
			name: "other notes are skipped",
			data: append(note("GNU", 1, []byte{1, 2, 3, 4}), note("GNU", noteTypeGNUBuildID, id)...),
			want: id,
		},
		{
			name:    "wrong owner",
			data:    note("Go", noteTypeGNUBuildID, id),
			wantErr: true,
		},
		{
			name:    "duplicate",
			data:    append(note("GNU", noteTypeGNUBuildID, id), note("GNU", noteTypeGNUBuildID, id)...),
			wantErr: true,
		},
		{
			name:    "truncated",
			data:    note("GNU", noteTypeGNUBuildID, id)[:14],
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseNote(tt.data, binary.LittleEndian, "GNU", noteTypeGNUBuildID)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBuildIDOfTestBinary(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	first, err := BuildID(exe)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := BuildID(exe)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestBuildIDOfNonELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o600))

	_, err := BuildID(path)
	require.Error(t, err)
}
