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

package tracing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/orbit/pkg/buildid"
	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/clock"
)

const DefaultPollInterval = 100 * time.Millisecond

// ProcfsTracer follows the threads and the executable mappings of the
// target process by polling procfs. It reports snapshots of both when it
// starts, then a ThreadName for every new thread and a ModuleUpdateEvent for
// every newly mapped file.
type ProcfsTracer struct {
	logger   log.Logger
	fs       procfs.FS
	procRoot string
	pid      int
	interval time.Duration
	now      clock.Func
	listener TracerListener

	seenThreads *roaring.Bitmap
	seenModules map[moduleKey]struct{}
}

type moduleKey struct {
	path  string
	start uint64
}

func NewProcfsTracer(logger log.Logger, procRoot string, pid int, interval time.Duration, now clock.Func, l TracerListener) (*ProcfsTracer, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, err
	}
	if _, err := fs.Proc(pid); err != nil {
		return nil, fmt.Errorf("target process %d: %w", pid, err)
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if now == nil {
		now = clock.MonotonicNs
	}
	return &ProcfsTracer{
		logger:      logger,
		fs:          fs,
		procRoot:    procRoot,
		pid:         pid,
		interval:    interval,
		now:         now,
		listener:    l,
		seenThreads: roaring.New(),
		seenModules: map[moduleKey]struct{}{},
	}, nil
}

// NewProcfsTracerFactory returns a factory creating a ProcfsTracer for the
// target of the capture, or a NoopTracer when no target is set.
func NewProcfsTracerFactory(logger log.Logger, procRoot string, interval time.Duration) TracerFactory {
	return func(opts *capturepb.CaptureOptions, l TracerListener) (Tracer, error) {
		if opts.TargetPid == 0 {
			return NoopTracer{}, nil
		}
		t, err := NewProcfsTracer(logger, procRoot, int(opts.TargetPid), interval, nil, l)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

func (t *ProcfsTracer) Run(ctx context.Context) error {
	threads, err := t.threads()
	if err != nil {
		return err
	}
	snapshot := &capturepb.ThreadNamesSnapshot{TimestampNs: t.now()}
	for _, tn := range threads {
		t.seenThreads.Add(tn.Tid)
		snapshot.ThreadNames = append(snapshot.ThreadNames, tn)
	}
	t.listener.OnThreadNamesSnapshot(snapshot)

	modules, err := t.newModules()
	if err != nil {
		return err
	}
	t.listener.OnModulesSnapshot(&capturepb.ModulesSnapshot{
		Pid:         uint32(t.pid),
		TimestampNs: t.now(),
		Modules:     modules,
	})

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := t.poll(); err != nil {
			if _, statErr := t.fs.Proc(t.pid); statErr != nil {
				t.listener.OnWarning(&capturepb.WarningEvent{
					TimestampNs: t.now(),
					Message:     fmt.Sprintf("target process %d exited", t.pid),
				})
				<-ctx.Done()
				return nil
			}
			level.Debug(t.logger).Log("msg", "failed to poll target process", "pid", t.pid, "err", err)
		}
	}
}

func (t *ProcfsTracer) poll() error {
	threads, err := t.threads()
	if err != nil {
		return err
	}
	for _, tn := range threads {
		if t.seenThreads.CheckedAdd(tn.Tid) {
			t.listener.OnThreadName(tn)
		}
	}

	modules, err := t.newModules()
	if err != nil {
		return err
	}
	for _, m := range modules {
		t.listener.OnModuleUpdate(&capturepb.ModuleUpdateEvent{
			Pid:         uint32(t.pid),
			TimestampNs: t.now(),
			Module:      m,
		})
	}
	return nil
}

func (t *ProcfsTracer) threads() ([]*capturepb.ThreadName, error) {
	procs, err := t.fs.AllThreads(t.pid)
	if err != nil {
		return nil, fmt.Errorf("list threads of %d: %w", t.pid, err)
	}

	ts := t.now()
	threads := make([]*capturepb.ThreadName, 0, len(procs))
	for _, p := range procs {
		comm, err := p.Comm()
		if err != nil {
			// The thread exited since it was listed.
			continue
		}
		threads = append(threads, &capturepb.ThreadName{
			Pid:         uint32(t.pid),
			Tid:         uint32(p.PID),
			Name:        comm,
			TimestampNs: ts,
		})
	}
	return threads, nil
}

// newModules returns the executable file mappings not reported before.
func (t *ProcfsTracer) newModules() ([]*capturepb.ModuleInfo, error) {
	p, err := t.fs.Proc(t.pid)
	if err != nil {
		return nil, err
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("read maps of %d: %w", t.pid, err)
	}

	var modules []*capturepb.ModuleInfo
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute || !strings.HasPrefix(m.Pathname, "/") {
			continue
		}
		key := moduleKey{path: m.Pathname, start: uint64(m.StartAddr)}
		if _, ok := t.seenModules[key]; ok {
			continue
		}
		t.seenModules[key] = struct{}{}
		modules = append(modules, t.moduleInfo(m))
	}
	return modules, nil
}

func (t *ProcfsTracer) moduleInfo(m *procfs.ProcMap) *capturepb.ModuleInfo {
	info := &capturepb.ModuleInfo{
		Name:                    filepath.Base(m.Pathname),
		FilePath:                m.Pathname,
		AddressStart:            uint64(m.StartAddr),
		AddressEnd:              uint64(m.EndAddr),
		ExecutableSegmentOffset: uint64(m.Offset),
		LoadBias:                uint64(m.StartAddr) - uint64(m.Offset),
	}

	// Read through the target's root so that files in other mount
	// namespaces resolve.
	path := filepath.Join(t.procRoot, strconv.Itoa(t.pid), "root", m.Pathname)
	if fi, err := os.Stat(path); err == nil {
		info.FileSize = uint64(fi.Size())
	} else {
		path = m.Pathname
		if fi, err := os.Stat(path); err == nil {
			info.FileSize = uint64(fi.Size())
		}
	}
	if id, err := buildid.BuildID(path); err == nil {
		info.BuildID = id
	} else {
		level.Debug(t.logger).Log("msg", "failed to read build id", "path", m.Pathname, "err", err)
	}
	return info
}
