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

// Package threadstate produces thread state slices of the capture target by
// polling procfs from outside of the service.
package threadstate

import (
	"context"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"

	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/clock"
)

// Reader returns the state of every thread of pid, keyed by tid, as the
// state letter of /proc/<pid>/task/<tid>/stat.
type Reader interface {
	ThreadStates(pid int) (map[uint32]byte, error)
}

type ProcfsReader struct {
	fs procfs.FS
}

func NewProcfsReader(procRoot string) (*ProcfsReader, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, err
	}
	return &ProcfsReader{fs: fs}, nil
}

func (r *ProcfsReader) ThreadStates(pid int) (map[uint32]byte, error) {
	p, err := r.fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	threads, err := r.fs.AllThreads(p.PID)
	if err != nil {
		return nil, err
	}

	states := make(map[uint32]byte, len(threads))
	for _, t := range threads {
		stat, err := t.Stat()
		if err != nil || stat.State == "" {
			// The thread exited since it was listed.
			continue
		}
		states[uint32(t.PID)] = stat.State[0]
	}
	return states, nil
}

func stateFromLetter(c byte) (capturepb.ThreadState, bool) {
	switch c {
	case 'R':
		return capturepb.ThreadStateRunnable, true
	case 'S':
		return capturepb.ThreadStateInterruptibleSleep, true
	case 'D':
		return capturepb.ThreadStateUninterruptibleSleep, true
	case 'T':
		return capturepb.ThreadStateStopped, true
	case 't':
		return capturepb.ThreadStateTraced, true
	case 'X', 'x':
		return capturepb.ThreadStateDead, true
	case 'Z':
		return capturepb.ThreadStateZombie, true
	case 'P':
		return capturepb.ThreadStateParked, true
	case 'I':
		return capturepb.ThreadStateIdle, true
	default:
		return 0, false
	}
}

type openSlice struct {
	state   capturepb.ThreadState
	beginNs uint64
}

// Sampler emits a thread state slice whenever a polled thread is seen in a
// new state or disappears. It runs only for captures that collect thread
// states.
type Sampler struct {
	logger   log.Logger
	reader   Reader
	interval time.Duration
	now      clock.Func
	emit     func(capturepb.ProducerCaptureEvent) bool

	mtx    sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	pid    uint32
	open   map[uint32]openSlice
}

func NewSampler(
	logger log.Logger,
	reader Reader,
	interval time.Duration,
	now clock.Func,
	emit func(capturepb.ProducerCaptureEvent) bool,
) *Sampler {
	if now == nil {
		now = clock.MonotonicNs
	}
	return &Sampler{
		logger:   logger,
		reader:   reader,
		interval: interval,
		now:      now,
		emit:     emit,
	}
}

func (s *Sampler) OnCaptureStart(opts *capturepb.CaptureOptions) {
	if opts == nil || !opts.CollectThreadStates || opts.TargetPid == 0 {
		return
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.cancel != nil {
		level.Warn(s.logger).Log("msg", "capture started while sampling thread states, ignoring")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.pid = opts.TargetPid
	s.open = map[uint32]openSlice{}

	level.Info(s.logger).Log("msg", "sampling thread states", "pid", s.pid, "interval", s.interval)
	go runtimepprof.Do(ctx, runtimepprof.Labels("component", "thread-state-sampler"), func(ctx context.Context) {
		defer close(s.done)
		s.run(ctx)
	})
}

// OnCaptureStop stops polling and closes every open slice before it returns.
func (s *Sampler) OnCaptureStop() {
	s.mtx.Lock()
	cancel, done := s.cancel, s.done
	s.mtx.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done

	s.mtx.Lock()
	defer s.mtx.Unlock()
	now := s.now()
	for tid, o := range s.open {
		s.emitSlice(tid, o, now)
	}
	s.open = nil
	s.cancel = nil
	s.done = nil
}

func (s *Sampler) OnCaptureFinished() {}

func (s *Sampler) run(ctx context.Context) {
	s.poll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Sampler) poll() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	states, err := s.reader.ThreadStates(int(s.pid))
	now := s.now()
	if err != nil {
		level.Debug(s.logger).Log("msg", "failed to read thread states", "pid", s.pid, "err", err)
		states = nil
	}

	for tid, o := range s.open {
		c, ok := states[tid]
		if state, known := stateFromLetter(c); ok && known && state == o.state {
			continue
		}
		s.emitSlice(tid, o, now)
		delete(s.open, tid)
	}
	for tid, c := range states {
		if _, ok := s.open[tid]; ok {
			continue
		}
		state, ok := stateFromLetter(c)
		if !ok {
			continue
		}
		s.open[tid] = openSlice{state: state, beginNs: now}
	}
}

// emitSlice must be called with mtx held.
func (s *Sampler) emitSlice(tid uint32, o openSlice, endNs uint64) {
	if endNs <= o.beginNs {
		return
	}
	if !s.emit(&capturepb.ThreadStateSlice{
		Pid:            s.pid,
		Tid:            tid,
		ThreadState:    o.state,
		DurationNs:     endNs - o.beginNs,
		EndTimestampNs: endNs,
	}) {
		level.Debug(s.logger).Log("msg", "thread state slice dropped", "tid", tid)
	}
}
