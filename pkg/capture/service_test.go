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
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	runtimepprof "runtime/pprof"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/parca-dev/orbit/pkg/buildinfo"
	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/processor"
	"github.com/parca-dev/orbit/pkg/sender"
)

func TestMain(m *testing.M) {
	capturepb.RegisterCodec()
	goleak.VerifyTestMain(m)
}

// fakeTracing reports a fixed set of events when started.
type fakeTracing struct {
	events    []capturepb.ProducerCaptureEvent
	fatal     error
	startErr  error
	stopDelay time.Duration

	mtx     sync.Mutex
	started int
	stopped int
}

func (f *fakeTracing) Start(_ *capturepb.CaptureOptions, p processor.Processor, onFatal func(error)) error {
	f.mtx.Lock()
	f.started++
	f.mtx.Unlock()

	if f.startErr != nil {
		return f.startErr
	}
	for _, e := range f.events {
		_ = p.ProcessEvent(capturepb.LinuxTracingProducerID, e)
	}
	if f.fatal != nil {
		onFatal(f.fatal)
	}
	return nil
}

func (f *fakeTracing) Stop() {
	time.Sleep(f.stopDelay)
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.stopped++
}

func (f *fakeTracing) counts() (int, int) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.started, f.stopped
}

type fakeMemory struct {
	stopDelay time.Duration

	mtx     sync.Mutex
	options *capturepb.CaptureOptions
	stopped int
}

func (f *fakeMemory) Start(opts *capturepb.CaptureOptions, _ processor.Processor) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.options = opts.Clone()
}

func (f *fakeMemory) Stop() {
	time.Sleep(f.stopDelay)
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.stopped++
}

type fakeListener struct {
	stopDelay time.Duration
	started   chan *capturepb.CaptureOptions

	mtx     sync.Mutex
	stopped int
}

func newFakeListener() *fakeListener {
	return &fakeListener{started: make(chan *capturepb.CaptureOptions, 4)}
}

func (l *fakeListener) OnCaptureStartRequested(opts *capturepb.CaptureOptions, _ processor.Processor) {
	l.started <- opts
}

func (l *fakeListener) OnCaptureStopRequested() {
	time.Sleep(l.stopDelay)
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.stopped++
}

func (l *fakeListener) stopCount() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.stopped
}

type fakeTarget struct {
	path            string
	buildID         string
	cgroupAvailable bool
	state           capturepb.ProcessState
	stateErr        error
}

func (t fakeTarget) ExecutablePath(int) (string, error) {
	if t.path == "" {
		return "", errors.New("no such process")
	}
	return t.path, nil
}

func (t fakeTarget) BuildID(string) (string, error) { return t.buildID, nil }

func (t fakeTarget) CgroupMemoryAvailable(int) bool { return t.cgroupAvailable }

func (t fakeTarget) ProcessState(int) (capturepb.ProcessState, error) { return t.state, t.stateErr }

// fakeResidentMemory reports a fixed resident set size or error.
type fakeResidentMemory struct {
	physical uint64
	rss      uint64
	err      error

	mtx   sync.Mutex
	reads int
}

func (f *fakeResidentMemory) SelfResidentMemory() (uint64, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.reads++
	return f.rss, f.err
}

func (f *fakeResidentMemory) PhysicalMemory() (uint64, error) { return f.physical, nil }

func (f *fakeResidentMemory) readCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.reads
}

type testEnv struct {
	svc     *Service
	client  capturepb.CaptureServiceClient
	tracing *fakeTracing
	memory  *fakeMemory
}

func newTestEnv(t *testing.T, tracing *fakeTracing, memory *fakeMemory, target fakeTarget, config Config, opts ...Option) *testEnv {
	t.Helper()

	if tracing == nil {
		tracing = &fakeTracing{}
	}
	if memory == nil {
		memory = &fakeMemory{}
	}
	config.Version = buildinfo.Version{Major: 1, Minor: 86}

	var now uint64 = 1000
	var nowMtx sync.Mutex
	svc := New(log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()), config, tracing, memory, target, func() uint64 {
		nowMtx.Lock()
		defer nowMtx.Unlock()
		now++
		return now
	}, opts...)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	capturepb.RegisterCaptureServiceServer(srv, svc)
	go func() {
		_ = srv.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
	})
	return &testEnv{
		svc:     svc,
		client:  capturepb.NewCaptureServiceClient(conn),
		tracing: tracing,
		memory:  memory,
	}
}

// capture runs a capture with opts, calls during while it is running and
// then half-closes. It returns every event received and the final status.
func (e *testEnv) capture(t *testing.T, opts *capturepb.CaptureOptions, during func()) ([]capturepb.ClientCaptureEvent, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := e.client.Capture(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&capturepb.CaptureRequest{CaptureOptions: opts}))

	if during != nil {
		during()
	}
	require.NoError(t, stream.CloseSend())

	return receiveAll(stream)
}

func receiveAll(stream capturepb.CaptureService_CaptureClient) ([]capturepb.ClientCaptureEvent, error) {
	var events []capturepb.ClientCaptureEvent
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, resp.CaptureEvents...)
	}
}

func lastFinished(t *testing.T, events []capturepb.ClientCaptureEvent) *capturepb.CaptureFinished {
	t.Helper()
	require.NotEmpty(t, events)
	finished, ok := events[len(events)-1].(*capturepb.CaptureFinished)
	require.True(t, ok, "last event is %T", events[len(events)-1])
	return finished
}

func TestCapture(t *testing.T) {
	callstack := &capturepb.Callstack{Pcs: []uint64{0x10, 0x20}}
	tracing := &fakeTracing{events: []capturepb.ProducerCaptureEvent{
		&capturepb.FullCallstackSample{Pid: 42, Tid: 43, TimestampNs: 2000, Callstack: callstack},
		&capturepb.FullCallstackSample{Pid: 42, Tid: 43, TimestampNs: 2001, Callstack: callstack},
	}}
	env := newTestEnv(t, tracing, nil, fakeTarget{path: "/usr/bin/target", buildID: "abcd", cgroupAvailable: true, state: capturepb.ProcessStateRunning}, Config{})
	listener := newFakeListener()
	env.svc.AddStartStopListener(listener)

	opts := &capturepb.CaptureOptions{TargetPid: 42, SamplingRateHz: 1000}
	events, err := env.capture(t, opts, func() {
		select {
		case got := <-listener.started:
			require.Equal(t, uint32(42), got.TargetPid)
		case <-time.After(5 * time.Second):
			t.Fatal("listener not started")
		}
	})
	require.NoError(t, err)
	require.Len(t, events, 6)

	started, ok := events[0].(*capturepb.CaptureStarted)
	require.True(t, ok, "first event is %T", events[0])
	require.Equal(t, uint32(42), started.ProcessID)
	require.Equal(t, "/usr/bin/target", started.ExecutablePath)
	require.Equal(t, "abcd", started.ExecutableBuildID)
	require.Equal(t, uint32(1), started.VersionMajor)
	require.Equal(t, uint32(86), started.VersionMinor)
	require.NotZero(t, started.CaptureStartUnixTimeNs)
	require.Empty(t, cmp.Diff(opts, started.CaptureOptions))

	_, ok = events[1].(*capturepb.ClockResolutionEvent)
	require.True(t, ok, "second event is %T", events[1])

	require.Empty(t, cmp.Diff([]capturepb.ClientCaptureEvent{
		&capturepb.InternedCallstack{Key: 1, Intern: callstack},
		&capturepb.CallstackSample{Pid: 42, Tid: 43, TimestampNs: 2000, CallstackID: 1},
		&capturepb.CallstackSample{Pid: 42, Tid: 43, TimestampNs: 2001, CallstackID: 1},
	}, events[2:5]))

	finished := lastFinished(t, events)
	require.Equal(t, capturepb.CaptureFinishedSuccessful, finished.Status)
	require.Equal(t, capturepb.ProcessStateRunning, finished.TargetProcessState)
	require.Equal(t, capturepb.TerminationSignalUnspecified, finished.TargetProcessTerminationSignal)

	started2, stopped := env.tracing.counts()
	require.Equal(t, 1, started2)
	require.Equal(t, 1, stopped)
	require.Equal(t, 1, listener.stopCount())
	require.Equal(t, 1.0, testutil.ToFloat64(env.svc.metrics.captures.WithLabelValues("successful")))
}

func TestCaptureGoroutinesAreLabelled(t *testing.T) {
	env := newTestEnv(t, nil, nil, fakeTarget{}, Config{})
	listener := newFakeListener()
	env.svc.AddStartStopListener(listener)

	_, err := env.capture(t, &capturepb.CaptureOptions{}, func() {
		<-listener.started

		var buf bytes.Buffer
		require.NoError(t, runtimepprof.Lookup("goroutine").WriteTo(&buf, 1))
		require.Contains(t, buf.String(), `"component":"capture-svc"`)
	})
	require.NoError(t, err)
}

func TestCaptureAlreadyInProgress(t *testing.T) {
	env := newTestEnv(t, nil, nil, fakeTarget{}, Config{})
	listener := newFakeListener()
	env.svc.AddStartStopListener(listener)

	_, err := env.capture(t, &capturepb.CaptureOptions{}, func() {
		<-listener.started

		second, err := env.client.Capture(context.Background())
		require.NoError(t, err)
		_ = second.Send(&capturepb.CaptureRequest{CaptureOptions: &capturepb.CaptureOptions{}})
		_, err = receiveAll(second)
		require.Equal(t, codes.AlreadyExists, status.Code(err))
	})
	require.NoError(t, err)

	// The service accepts a new capture once the first one is done.
	_, err = env.capture(t, &capturepb.CaptureOptions{}, nil)
	require.NoError(t, err)
}

func TestCaptureFailsOnFatalError(t *testing.T) {
	tracing := &fakeTracing{fatal: errors.New("lost connection to the kernel")}
	env := newTestEnv(t, tracing, nil, fakeTarget{}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := env.client.Capture(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&capturepb.CaptureRequest{CaptureOptions: &capturepb.CaptureOptions{}}))

	// No half-close: the capture ends on its own.
	events, err := receiveAll(stream)
	require.Equal(t, codes.Internal, status.Code(err))

	finished := lastFinished(t, events)
	require.Equal(t, capturepb.CaptureFinishedFailed, finished.Status)
	require.Equal(t, "lost connection to the kernel", finished.ErrorMessage)

	_, stopped := env.tracing.counts()
	require.Equal(t, 1, stopped)
}

func TestCaptureFailsWhenTracingCannotStart(t *testing.T) {
	tracing := &fakeTracing{startErr: errors.New("target process 42: no such process")}
	env := newTestEnv(t, tracing, nil, fakeTarget{}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := env.client.Capture(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&capturepb.CaptureRequest{CaptureOptions: &capturepb.CaptureOptions{TargetPid: 42}}))

	events, err := receiveAll(stream)
	require.Equal(t, codes.Internal, status.Code(err))
	finished := lastFinished(t, events)
	require.Equal(t, capturepb.CaptureFinishedFailed, finished.Status)
	require.Contains(t, finished.ErrorMessage, "no such process")
}

func TestCaptureInterruptedByShutdown(t *testing.T) {
	env := newTestEnv(t, nil, nil, fakeTarget{}, Config{})
	listener := newFakeListener()
	env.svc.AddStartStopListener(listener)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := env.client.Capture(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&capturepb.CaptureRequest{CaptureOptions: &capturepb.CaptureOptions{}}))
	<-listener.started

	env.svc.Shutdown()
	events, err := receiveAll(stream)
	require.NoError(t, err)
	require.Equal(t, capturepb.CaptureFinishedInterruptedByService, lastFinished(t, events).Status)
	require.Equal(t, 1, listener.stopCount())

	// Later captures are refused.
	refused, err := env.client.Capture(ctx)
	require.NoError(t, err)
	_ = refused.Send(&capturepb.CaptureRequest{CaptureOptions: &capturepb.CaptureOptions{}})
	_, err = receiveAll(refused)
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestCaptureReportsTargetStateAfterCapture(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name       string
		pid        uint32
		target     fakeTarget
		wantState  capturepb.ProcessState
		wantSignal capturepb.TerminationSignal
	}{
		{
			name:      "ended",
			pid:       42,
			target:    fakeTarget{state: capturepb.ProcessStateEnded},
			wantState: capturepb.ProcessStateEnded,
		},
		{
			name:       "unreadable",
			pid:        42,
			target:     fakeTarget{stateErr: errors.New("permission denied")},
			wantState:  capturepb.ProcessStateUnknown,
			wantSignal: capturepb.TerminationSignalInternalError,
		},
		{
			name:      "no target",
			target:    fakeTarget{state: capturepb.ProcessStateRunning},
			wantState: capturepb.ProcessStateUnknown,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, nil, nil, tc.target, Config{})
			events, err := env.capture(t, &capturepb.CaptureOptions{TargetPid: tc.pid}, nil)
			require.NoError(t, err)

			finished := lastFinished(t, events)
			require.Equal(t, capturepb.CaptureFinishedSuccessful, finished.Status)
			require.Equal(t, tc.wantState, finished.TargetProcessState)
			require.Equal(t, tc.wantSignal, finished.TargetProcessTerminationSignal)
		})
	}
}

func TestCaptureStoppedByMemoryWatchdog(t *testing.T) {
	rss := &fakeResidentMemory{physical: 1000, rss: 501}
	env := newTestEnv(t, nil, nil, fakeTarget{}, Config{}, WithMemoryWatchdog(rss, time.Millisecond))
	listener := newFakeListener()
	env.svc.AddStartStopListener(listener)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := env.client.Capture(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&capturepb.CaptureRequest{CaptureOptions: &capturepb.CaptureOptions{}}))

	// No half-close: the watchdog ends the capture.
	events, err := receiveAll(stream)
	require.NoError(t, err)
	require.Equal(t, capturepb.CaptureFinishedInterruptedByService, lastFinished(t, events).Status)
	require.Equal(t, 1, listener.stopCount())
	require.Equal(t, 1.0, testutil.ToFloat64(env.svc.metrics.watchdog))
	require.Equal(t, 1.0, testutil.ToFloat64(env.svc.metrics.captures.WithLabelValues("interrupted_by_service")))
}

func TestMemoryWatchdogKeepsCaptureBelowThreshold(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		rss  *fakeResidentMemory
	}{
		{name: "at threshold", rss: &fakeResidentMemory{physical: 1000, rss: 500}},
		{name: "failed reads", rss: &fakeResidentMemory{physical: 1000, err: errors.New("no procfs")}},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, nil, nil, fakeTarget{}, Config{}, WithMemoryWatchdog(tc.rss, time.Millisecond))
			events, err := env.capture(t, &capturepb.CaptureOptions{}, func() {
				require.Eventually(t, func() bool { return tc.rss.readCount() >= 3 }, 5*time.Second, time.Millisecond)
			})
			require.NoError(t, err)
			require.Equal(t, capturepb.CaptureFinishedSuccessful, lastFinished(t, events).Status)
			require.Zero(t, testutil.ToFloat64(env.svc.metrics.watchdog))
		})
	}
}

func TestCaptureWarnsWhenCgroupMemoryIsUnavailable(t *testing.T) {
	env := newTestEnv(t, nil, nil, fakeTarget{path: "/bin/sleep", cgroupAvailable: false}, Config{})

	events, err := env.capture(t, &capturepb.CaptureOptions{
		TargetPid:          42,
		CollectMemoryInfo:  true,
		EnableCgroupMemory: true,
	}, nil)
	require.NoError(t, err)

	var warnings []*capturepb.WarningEvent
	for _, e := range events {
		if w, ok := e.(*capturepb.WarningEvent); ok {
			warnings = append(warnings, w)
		}
	}
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0].Message, "cgroup")

	started := events[0].(*capturepb.CaptureStarted)
	require.False(t, started.CaptureOptions.EnableCgroupMemory)

	env.memory.mtx.Lock()
	defer env.memory.mtx.Unlock()
	require.True(t, env.memory.options.CollectMemoryInfo)
	require.False(t, env.memory.options.EnableCgroupMemory)
}

func TestCaptureFillsMemorySamplingPeriod(t *testing.T) {
	env := newTestEnv(t, nil, nil, fakeTarget{path: "/bin/sleep", cgroupAvailable: true}, Config{})

	period := func(opts *capturepb.CaptureOptions) uint64 {
		t.Helper()
		_, err := env.capture(t, opts, nil)
		require.NoError(t, err)
		env.memory.mtx.Lock()
		defer env.memory.mtx.Unlock()
		return env.memory.options.MemorySamplingPeriodNs
	}

	require.Equal(t, uint64(10*time.Millisecond), period(&capturepb.CaptureOptions{TargetPid: 42, CollectMemoryInfo: true}))
	require.Equal(t, uint64(time.Millisecond), period(&capturepb.CaptureOptions{
		TargetPid:              42,
		CollectMemoryInfo:      true,
		MemorySamplingPeriodNs: uint64(time.Millisecond),
	}))

	env.svc.SetDefaults(Defaults{MemorySamplingPeriod: 50 * time.Millisecond})
	require.Equal(t, uint64(50*time.Millisecond), period(&capturepb.CaptureOptions{TargetPid: 42, CollectMemoryInfo: true}))
	require.Zero(t, period(&capturepb.CaptureOptions{TargetPid: 42}))
}

func TestCaptureStopsProducersInParallel(t *testing.T) {
	const delay = 200 * time.Millisecond
	env := newTestEnv(t, &fakeTracing{stopDelay: delay}, &fakeMemory{stopDelay: delay}, fakeTarget{}, Config{})
	listeners := []*fakeListener{newFakeListener(), newFakeListener()}
	for _, l := range listeners {
		l.stopDelay = delay
		env.svc.AddStartStopListener(l)
	}

	var stopRequested time.Time
	events, err := env.capture(t, &capturepb.CaptureOptions{}, func() {
		for _, l := range listeners {
			<-l.started
		}
		stopRequested = time.Now()
	})
	require.NoError(t, err)
	elapsed := time.Since(stopRequested)

	require.Equal(t, capturepb.CaptureFinishedSuccessful, lastFinished(t, events).Status)
	require.GreaterOrEqual(t, elapsed, delay)
	require.Less(t, elapsed, 3*delay)
	for _, l := range listeners {
		require.Equal(t, 1, l.stopCount())
	}
}

func TestStartStopListenerRegistration(t *testing.T) {
	env := newTestEnv(t, nil, nil, fakeTarget{}, Config{})
	l1, l2 := newFakeListener(), newFakeListener()

	env.svc.AddStartStopListener(l1)
	env.svc.AddStartStopListener(l1)
	env.svc.AddStartStopListener(l2)
	env.svc.RemoveStartStopListener(l2)

	_, err := env.capture(t, &capturepb.CaptureOptions{}, nil)
	require.NoError(t, err)

	require.Len(t, l1.started, 1)
	require.Equal(t, 1, l1.stopCount())
	require.Len(t, l2.started, 0)
	require.Equal(t, 0, l2.stopCount())
}

func TestCaptureMirror(t *testing.T) {
	dir := t.TempDir()
	tracing := &fakeTracing{events: []capturepb.ProducerCaptureEvent{
		&capturepb.ThreadName{Pid: 1, Tid: 1, Name: "main", TimestampNs: 5},
	}}
	env := newTestEnv(t, tracing, nil, fakeTarget{}, Config{
		MirrorDirectory:   dir,
		MirrorCompression: sender.CompressionZstd,
	})

	events, err := env.capture(t, &capturepb.CaptureOptions{}, nil)
	require.NoError(t, err)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	responses, err := sender.ReadFile(filepath.Join(dir, files[0].Name()))
	require.NoError(t, err)
	var mirrored []capturepb.ClientCaptureEvent
	for _, r := range responses {
		mirrored = append(mirrored, r.CaptureEvents...)
	}
	require.Empty(t, cmp.Diff(events, mirrored))
}
