// Copyright 2024 The Parca Authors
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

package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/memory"
)

func TestProcfsTarget(t *testing.T) {
	if _, err := os.Stat("/proc/self/exe"); err != nil {
		t.Skip("procfs is not available")
	}

	r, err := memory.NewReader("/proc", t.TempDir())
	require.NoError(t, err)
	target, err := NewProcfsTarget(prometheus.NewRegistry(), "/proc", r)
	require.NoError(t, err)

	exe, err := os.Executable()
	require.NoError(t, err)
	exe, err = filepath.EvalSymlinks(exe)
	require.NoError(t, err)

	path, err := target.ExecutablePath(os.Getpid())
	require.NoError(t, err)
	require.Equal(t, exe, path)

	id, err := target.BuildID(path)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := target.BuildID(path)
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, 1, target.buildIDs.Len())

	_, err = target.BuildID(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	require.False(t, target.CgroupMemoryAvailable(os.Getpid()))
}

func TestProcfsTargetProcessState(t *testing.T) {
	root := t.TempDir()
	writeStat := func(pid, state string) {
		require.NoError(t, os.MkdirAll(filepath.Join(root, pid), 0o755))
		stat := pid + " (target) " + state + " 1 42 42 0 -1 4194560 0 0 0 0 0 0 0 0 20 0 1 0 1000 4096 16 18446744073709551615 1 1 0 0 0 0 0 4096 0 0 0 0 17 3 0 0 0 0 0 0 0 0 0 0 0 0\n"
		require.NoError(t, os.WriteFile(filepath.Join(root, pid, "stat"), []byte(stat), 0o644))
	}
	writeStat("42", "S")
	writeStat("43", "Z")

	r, err := memory.NewReader(root, t.TempDir())
	require.NoError(t, err)
	target, err := NewProcfsTarget(prometheus.NewRegistry(), root, r)
	require.NoError(t, err)

	for _, tc := range []struct {
		name string
		pid  int
		want capturepb.ProcessState
	}{
		{name: "sleeping", pid: 42, want: capturepb.ProcessStateRunning},
		{name: "zombie", pid: 43, want: capturepb.ProcessStateEnded},
		{name: "gone", pid: 44, want: capturepb.ProcessStateEnded},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := target.ProcessState(tc.pid)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
