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
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type processed struct {
	producerID uint64
	event      capturepb.ProducerCaptureEvent
}

type recordingProcessor struct {
	mtx    sync.Mutex
	events []processed
}

func (p *recordingProcessor) ProcessEvent(producerID uint64, e capturepb.ProducerCaptureEvent) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.events = append(p.events, processed{producerID: producerID, event: e})
	return nil
}

func (p *recordingProcessor) all() []processed {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]processed(nil), p.events...)
}

// scriptedTracer reports its events and then blocks until cancelled or
// returns err.
type scriptedTracer struct {
	l       TracerListener
	events  []capturepb.ProducerCaptureEvent
	err     error
	stopped chan struct{}
}

func (t *scriptedTracer) Run(ctx context.Context) error {
	defer close(t.stopped)
	for _, e := range t.events {
		switch e := e.(type) {
		case *capturepb.FullCallstackSample:
			t.l.OnCallstackSample(e)
		case *capturepb.ThreadName:
			t.l.OnThreadName(e)
		case *capturepb.WarningEvent:
			t.l.OnWarning(e)
		case *capturepb.FullTracepointEvent:
			t.l.OnTracepointEvent(e)
		}
	}
	if t.err != nil {
		return t.err
	}
	<-ctx.Done()
	// Slow teardown so that Stop has to wait.
	time.Sleep(20 * time.Millisecond)
	return ctx.Err()
}

func scripted(tracer *scriptedTracer) TracerFactory {
	return func(_ *capturepb.CaptureOptions, l TracerListener) (Tracer, error) {
		tracer.l = l
		tracer.stopped = make(chan struct{})
		return tracer, nil
	}
}

func TestHandlerForwardsAsLinuxTracingProducer(t *testing.T) {
	events := []capturepb.ProducerCaptureEvent{
		&capturepb.ThreadName{Pid: 1, Tid: 2, Name: "main", TimestampNs: 10},
		&capturepb.FullCallstackSample{Pid: 1, Tid: 2, TimestampNs: 11, Callstack: &capturepb.Callstack{Pcs: []uint64{1, 2}}},
		&capturepb.WarningEvent{TimestampNs: 12, Message: "careful"},
	}
	tracer := &scriptedTracer{events: events}
	h := NewHandler(log.NewNopLogger(), scripted(tracer))
	p := &recordingProcessor{}

	require.NoError(t, h.Start(&capturepb.CaptureOptions{TargetPid: 1}, p, nil))
	require.Eventually(t, func() bool { return len(p.all()) == len(events) }, time.Second, 5*time.Millisecond)
	h.Stop()

	select {
	case <-tracer.stopped:
	default:
		t.Fatal("Stop returned before the tracer")
	}

	for i, got := range p.all() {
		require.Equal(t, capturepb.LinuxTracingProducerID, got.producerID)
		require.Same(t, events[i], got.event)
	}

	// Late events are dropped.
	h.OnWarning(&capturepb.WarningEvent{Message: "late"})
	require.Len(t, p.all(), len(events))
}

func TestHandlerReportsTracerFailure(t *testing.T) {
	tracerErr := errors.New("perf_event_open: permission denied")
	h := NewHandler(log.NewNopLogger(), scripted(&scriptedTracer{err: tracerErr}))

	fatal := make(chan error, 1)
	require.NoError(t, h.Start(&capturepb.CaptureOptions{}, &recordingProcessor{}, func(err error) { fatal <- err }))

	select {
	case err := <-fatal:
		require.ErrorIs(t, err, tracerErr)
	case <-time.After(time.Second):
		t.Fatal("fatal handler not called")
	}
	h.Stop()
}

func TestHandlerStartTwice(t *testing.T) {
	h := NewHandler(log.NewNopLogger(), func(*capturepb.CaptureOptions, TracerListener) (Tracer, error) {
		return NoopTracer{}, nil
	})
	require.NoError(t, h.Start(&capturepb.CaptureOptions{}, &recordingProcessor{}, nil))
	require.Error(t, h.Start(&capturepb.CaptureOptions{}, &recordingProcessor{}, nil))
	h.Stop()
	h.Stop()

	// A stopped handler can be started again.
	require.NoError(t, h.Start(&capturepb.CaptureOptions{}, &recordingProcessor{}, nil))
	h.Stop()
}

func TestHandlerFactoryError(t *testing.T) {
	h := NewHandler(log.NewNopLogger(), func(*capturepb.CaptureOptions, TracerListener) (Tracer, error) {
		return nil, errors.New("no such process")
	})
	require.Error(t, h.Start(&capturepb.CaptureOptions{}, &recordingProcessor{}, nil))
	h.Stop()
}

func TestProcfsTracerFactoryWithoutTarget(t *testing.T) {
	f := NewProcfsTracerFactory(log.NewNopLogger(), procfs.DefaultMountPoint, 0)
	tracer, err := f(&capturepb.CaptureOptions{}, nil)
	require.NoError(t, err)
	require.IsType(t, NoopTracer{}, tracer)
}

func TestProcfsTracerSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/task"); err != nil {
		t.Skip("procfs not available")
	}

	h := NewHandler(log.NewNopLogger(), NewProcfsTracerFactory(log.NewNopLogger(), procfs.DefaultMountPoint, 10*time.Millisecond))
	p := &recordingProcessor{}
	require.NoError(t, h.Start(&capturepb.CaptureOptions{TargetPid: uint32(os.Getpid())}, p, func(err error) {
		t.Errorf("unexpected fatal error: %v", err)
	}))
	require.Eventually(t, func() bool { return len(p.all()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	h.Stop()

	events := p.all()
	threads, ok := events[0].event.(*capturepb.ThreadNamesSnapshot)
	require.True(t, ok, "first event is %T", events[0].event)
	require.NotEmpty(t, threads.ThreadNames)
	for _, tn := range threads.ThreadNames {
		require.Equal(t, uint32(os.Getpid()), tn.Pid)
	}

	modules, ok := events[1].event.(*capturepb.ModulesSnapshot)
	require.True(t, ok, "second event is %T", events[1].event)
	require.NotEmpty(t, modules.Modules)

	exe, err := os.Executable()
	require.NoError(t, err)
	var found bool
	for _, m := range modules.Modules {
		require.GreaterOrEqual(t, m.AddressEnd, m.AddressStart)
		if m.FilePath == exe {
			found = true
			require.NotEmpty(t, m.BuildID)
		}
	}
	require.True(t, found, "test binary not among the modules")
}

func TestProcfsTracerMissingProcess(t *testing.T) {
	_, err := NewProcfsTracer(log.NewNopLogger(), procfs.DefaultMountPoint, 1<<30, 0, nil, nil)
	require.Error(t, err)
}
