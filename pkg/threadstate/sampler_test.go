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

package threadstate

import (
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedReader returns one snapshot per call and repeats the last one.
type scriptedReader struct {
	mtx       sync.Mutex
	snapshots []map[uint32]byte
	calls     int
}

func (r *scriptedReader) ThreadStates(int) (map[uint32]byte, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	i := r.calls
	if i >= len(r.snapshots) {
		i = len(r.snapshots) - 1
	}
	r.calls++
	if r.snapshots[i] == nil {
		return nil, errors.New("no such process")
	}
	return r.snapshots[i], nil
}

type fakeClock struct {
	mtx sync.Mutex
	now uint64
}

func (c *fakeClock) tick() uint64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now += 100
	return c.now
}

type recorder struct {
	mtx    sync.Mutex
	slices []*capturepb.ThreadStateSlice
}

func (r *recorder) emit(e capturepb.ProducerCaptureEvent) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.slices = append(r.slices, e.(*capturepb.ThreadStateSlice))
	return true
}

func (r *recorder) sorted() []*capturepb.ThreadStateSlice {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := append([]*capturepb.ThreadStateSlice(nil), r.slices...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndTimestampNs != out[j].EndTimestampNs {
			return out[i].EndTimestampNs < out[j].EndTimestampNs
		}
		return out[i].Tid < out[j].Tid
	})
	return out
}

func newTestSampler(r Reader, rec *recorder) *Sampler {
	c := &fakeClock{}
	// The interval is long enough that only explicit polls run.
	return NewSampler(log.NewNopLogger(), r, time.Hour, c.tick, rec.emit)
}

func TestStateFromLetter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		letter byte
		want   capturepb.ThreadState
		ok     bool
	}{
		{'R', capturepb.ThreadStateRunnable, true},
		{'S', capturepb.ThreadStateInterruptibleSleep, true},
		{'D', capturepb.ThreadStateUninterruptibleSleep, true},
		{'T', capturepb.ThreadStateStopped, true},
		{'t', capturepb.ThreadStateTraced, true},
		{'X', capturepb.ThreadStateDead, true},
		{'Z', capturepb.ThreadStateZombie, true},
		{'P', capturepb.ThreadStateParked, true},
		{'I', capturepb.ThreadStateIdle, true},
		{'W', 0, false},
	}
	for _, tt := range tests {
		got, ok := stateFromLetter(tt.letter)
		require.Equal(t, tt.ok, ok, string(tt.letter))
		require.Equal(t, tt.want, got, string(tt.letter))
	}
}

func TestSamplerIgnoresCapturesWithoutThreadStates(t *testing.T) {
	t.Parallel()

	r := &scriptedReader{snapshots: []map[uint32]byte{{1: 'R'}}}
	rec := &recorder{}
	s := newTestSampler(r, rec)

	s.OnCaptureStart(&capturepb.CaptureOptions{TargetPid: 1})
	s.OnCaptureStop()
	s.OnCaptureFinished()

	require.Zero(t, r.calls)
	require.Empty(t, rec.sorted())
}

func TestSamplerEmitsStateChanges(t *testing.T) {
	t.Parallel()

	r := &scriptedReader{snapshots: []map[uint32]byte{
		{10: 'R', 11: 'S'},
		{10: 'R', 11: 'D'},
		{10: 'S'},
	}}
	rec := &recorder{}
	s := newTestSampler(r, rec)

	s.OnCaptureStart(&capturepb.CaptureOptions{TargetPid: 10, CollectThreadStates: true})
	require.Eventually(t, func() bool {
		r.mtx.Lock()
		defer r.mtx.Unlock()
		return r.calls == 1
	}, time.Second, time.Millisecond)
	// First poll at 100.
	s.poll() // 200: 11 S -> D
	s.poll() // 300: 10 R -> S, 11 gone
	s.OnCaptureStop()

	got := rec.sorted()
	want := []*capturepb.ThreadStateSlice{
		{Pid: 10, Tid: 11, ThreadState: capturepb.ThreadStateInterruptibleSleep, DurationNs: 100, EndTimestampNs: 200},
		{Pid: 10, Tid: 10, ThreadState: capturepb.ThreadStateRunnable, DurationNs: 200, EndTimestampNs: 300},
		{Pid: 10, Tid: 11, ThreadState: capturepb.ThreadStateUninterruptibleSleep, DurationNs: 100, EndTimestampNs: 300},
		{Pid: 10, Tid: 10, ThreadState: capturepb.ThreadStateInterruptibleSleep, DurationNs: 100, EndTimestampNs: 400},
	}
	require.Equal(t, want, got)
}

func TestSamplerProcessExited(t *testing.T) {
	t.Parallel()

	r := &scriptedReader{snapshots: []map[uint32]byte{
		{5: 'S'},
		nil,
	}}
	rec := &recorder{}
	s := newTestSampler(r, rec)

	s.OnCaptureStart(&capturepb.CaptureOptions{TargetPid: 5, CollectThreadStates: true})
	require.Eventually(t, func() bool {
		r.mtx.Lock()
		defer r.mtx.Unlock()
		return r.calls == 1
	}, time.Second, time.Millisecond)
	s.poll()
	s.OnCaptureStop()

	require.Equal(t, []*capturepb.ThreadStateSlice{
		{Pid: 5, Tid: 5, ThreadState: capturepb.ThreadStateInterruptibleSleep, DurationNs: 100, EndTimestampNs: 200},
	}, rec.sorted())
}

func TestSamplerCanRestart(t *testing.T) {
	t.Parallel()

	r := &scriptedReader{snapshots: []map[uint32]byte{{1: 'R'}}}
	rec := &recorder{}
	s := newTestSampler(r, rec)

	for i := 0; i < 2; i++ {
		i := i
		s.OnCaptureStart(&capturepb.CaptureOptions{TargetPid: 1, CollectThreadStates: true})
		require.Eventually(t, func() bool {
			r.mtx.Lock()
			defer r.mtx.Unlock()
			return r.calls == i+1
		}, time.Second, time.Millisecond)
		s.OnCaptureStop()
	}
	require.Len(t, rec.sorted(), 2)
}

func TestProcfsReaderSelf(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/proc/self/task"); err != nil {
		t.Skip("procfs is not available")
	}

	r, err := NewProcfsReader("/proc")
	require.NoError(t, err)

	pid := os.Getpid()
	states, err := r.ThreadStates(pid)
	require.NoError(t, err)
	require.Contains(t, states, uint32(pid))
	for tid, c := range states {
		_, ok := stateFromLetter(c)
		require.True(t, ok, "tid %d has unknown state %q", tid, c)
	}
}
