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
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/orbit/pkg/buildid"
	"github.com/parca-dev/orbit/pkg/cache"
	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/memory"
)

const buildIDCacheSize = 256

// fileKey identifies a version of a file.
type fileKey struct {
	path    string
	size    int64
	modTime int64
}

// ProcfsTarget inspects target processes through procfs.
type ProcfsTarget struct {
	fs       procfs.FS
	memory   *memory.Reader
	buildIDs *cache.LRUCache[fileKey, string]
}

func NewProcfsTarget(reg prometheus.Registerer, procRoot string, r *memory.Reader) (*ProcfsTarget, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, err
	}
	buildIDs, err := cache.NewLRUCache[fileKey, string](reg, "build_id", buildIDCacheSize)
	if err != nil {
		return nil, err
	}
	return &ProcfsTarget{fs: fs, memory: r, buildIDs: buildIDs}, nil
}

func (t *ProcfsTarget) ExecutablePath(pid int) (string, error) {
	p, err := t.fs.Proc(pid)
	if err != nil {
		return "", fmt.Errorf("process %d: %w", pid, err)
	}
	return p.Executable()
}

// BuildID reads the build id of the executable at path, once per version
// of the file.
func (t *ProcfsTarget) BuildID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	key := fileKey{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if id, ok := t.buildIDs.Get(key); ok {
		return id, nil
	}

	id, err := buildid.BuildID(path)
	if err != nil {
		return "", err
	}
	t.buildIDs.Add(key, id)
	return id, nil
}

func (t *ProcfsTarget) CgroupMemoryAvailable(pid int) bool {
	return t.memory.CgroupMemoryAvailable(pid)
}

// ProcessState tells whether pid is still running. A zombie counts as ended.
func (t *ProcfsTarget) ProcessState(pid int) (capturepb.ProcessState, error) {
	p, err := t.fs.Proc(pid)
	if errors.Is(err, fs.ErrNotExist) {
		return capturepb.ProcessStateEnded, nil
	}
	if err != nil {
		return capturepb.ProcessStateUnknown, fmt.Errorf("process %d: %w", pid, err)
	}

	stat, err := p.Stat()
	if errors.Is(err, fs.ErrNotExist) {
		return capturepb.ProcessStateEnded, nil
	}
	if err != nil {
		return capturepb.ProcessStateUnknown, fmt.Errorf("read stat of process %d: %w", pid, err)
	}
	switch stat.State {
	case "Z", "X":
		return capturepb.ProcessStateEnded, nil
	default:
		return capturepb.ProcessStateRunning, nil
	}
}
