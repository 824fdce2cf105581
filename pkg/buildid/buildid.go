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

// Package buildid identifies ELF files for CaptureStarted and module
// events.
package buildid

import (
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

const (
	noteTypeGNUBuildID = 3
	noteTypeGoBuildID  = 4
)

var errNoBuildID = errors.New("failed to find build id")

// BuildID returns the hex encoded build id of the ELF file at path. The GNU
// build id note is preferred, then the Go build id note. Files with neither
// are identified by the xxhash of their .text section.
func BuildID(path string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open elf: %w", err)
	}
	defer f.Close()

	return FromELF(f)
}

func FromELF(f *elf.File) (string, error) {
	for _, n := range []struct {
		section string
		name    string
		typ     uint32
	}{
		{section: ".note.gnu.build-id", name: "GNU", typ: noteTypeGNUBuildID},
		{section: ".note.go.buildid", name: "Go", typ: noteTypeGoBuildID},
	} {
		id, err := findNote(f, n.section, n.name, n.typ)
		if err == nil && len(id) > 0 {
			return hex.EncodeToString(id), nil
		}
	}

	return textHash(f)
}

func textHash(f *elf.File) (string, error) {
	// No build id note, so we hash the .text section. This section typically
	// contains the executable code.
	text := f.Section(".text")
	if text == nil {
		return "", errors.New("could not find .text section")
	}
	h := xxhash.New()
	if _, err := io.Copy(h, text.Open()); err != nil {
		return "", fmt.Errorf("hash elf .text section: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func findNote(f *elf.File, section, name string, typ uint32) ([]byte, error) {
	s := f.Section(section)
	if s == nil {
		return nil, fmt.Errorf("failed to find %s section", section)
	}
	data, err := s.Data()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", section, err)
	}
	id, err := parseNote(data, f.ByteOrder, name, typ)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", section, err)
	}
	return id, nil
}

// parseNote returns the descriptor of the single note called name with type
// typ in data.
func parseNote(data []byte, order binary.ByteOrder, name string, typ uint32) ([]byte, error) {
	var found []byte
	for len(data) >= 12 {
		namesz := order.Uint32(data[0:4])
		descsz := order.Uint32(data[4:8])
		ntype := order.Uint32(data[8:12])
		data = data[12:]

		nameEnd := align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if uint64(len(data)) < descEnd {
			return nil, errors.New("truncated note")
		}

		if string(trimNul(data[:namesz])) == name && ntype == typ {
			if found != nil {
				return nil, errors.New("multiple build ids found, don't know which to use")
			}
			found = data[nameEnd : nameEnd+uint64(descsz)]
		}
		data = data[descEnd:]
	}
	if found == nil {
		return nil, errNoBuildID
	}
	return found, nil
}

func align4(n uint32) uint64 {
	return (uint64(n) + 3) &^ 3
}

func trimNul(b []byte) []byte {
	for len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return b
}
