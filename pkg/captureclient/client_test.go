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

package captureclient

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/parca-dev/orbit/pkg/capture"
	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/processor"
	"github.com/parca-dev/orbit/pkg/sender"
)

func TestMain(m *testing.M) {
	capturepb.RegisterCodec()
	goleak.VerifyTestMain(m)
}

type fakeTracing struct {
	events   []capturepb.ProducerCaptureEvent
	startErr error
}

func (f *fakeTracing) Start(_ *capturepb.CaptureOptions, p processor.Processor, _ func(error)) error {
	if f.startErr != nil {
		return f.startErr
	}
	for _, e := range f.events {
		_ = p.ProcessEvent(capturepb.LinuxTracingProducerID, e)
	}
	return nil
}

func (f *fakeTracing) Stop() {}

type fakeMemory struct{}

func (fakeMemory) Start(*capturepb.CaptureOptions, processor.Processor) {}
func (fakeMemory) Stop()                                                {}

type fakeTarget struct{}

func (fakeTarget) ExecutablePath(int) (string, error) { return "/usr/bin/target", nil }
func (fakeTarget) BuildID(string) (string, error)     { return "abcd", nil }
func (fakeTarget) CgroupMemoryAvailable(int) bool     { return false }

func (fakeTarget) ProcessState(int) (capturepb.ProcessState, error) {
	return capturepb.ProcessStateRunning, nil
}

func newTestConn(t *testing.T, tracing *fakeTracing) *grpc.ClientConn {
	t.Helper()

	svc := capture.New(
		log.NewNopLogger(),
		capture.NewMetrics(prometheus.NewRegistry()),
		capture.Config{FlushInterval: 5 * time.Millisecond},
		tracing,
		fakeMemory{},
		fakeTarget{},
		nil,
	)

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
	return conn
}

type recordingSender struct {
	events []capturepb.ClientCaptureEvent
}

func (s *recordingSender) SendEvents(events []capturepb.ClientCaptureEvent) error {
	s.events = append(s.events, events...)
	return nil
}

func TestConfigCaptureOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config Config
		check  func(t *testing.T, opts *capturepb.CaptureOptions)
	}{
		{
			name:   "dwarf without memory",
			config: Config{Pid: 42, SamplingRateHz: 1000, Scheduling: true},
			check: func(t *testing.T, opts *capturepb.CaptureOptions) {
				require.Equal(t, uint32(42), opts.TargetPid)
				require.Equal(t, 1000.0, opts.SamplingRateHz)
				require.Equal(t, capturepb.UnwindingMethodDwarf, opts.UnwindingMethod)
				require.Equal(t, uint32(65000), opts.StackDumpSize)
				require.True(t, opts.CollectSchedulingInfo)
				require.False(t, opts.CollectMemoryInfo)
				require.Zero(t, opts.MemorySamplingPeriodNs)
				require.Equal(t, uint64(math.MaxUint64), opts.MaxLocalMarkerDepthPerCommandBuffer)
			},
		},
		{
			name:   "frame pointers with memory",
			config: Config{Pid: 1, FramePointers: true, MemorySamplingRate: 100, CgroupMemory: true, ThreadStates: true},
			check: func(t *testing.T, opts *capturepb.CaptureOptions) {
				require.Equal(t, capturepb.UnwindingMethodFramePointers, opts.UnwindingMethod)
				require.True(t, opts.CollectMemoryInfo)
				require.Equal(t, uint64(10*time.Millisecond), opts.MemorySamplingPeriodNs)
				require.True(t, opts.EnableCgroupMemory)
				require.True(t, opts.CollectThreadStates)
			},
		},
		{
			name:   "cgroup memory needs memory sampling",
			config: Config{Pid: 1, CgroupMemory: true},
			check: func(t *testing.T, opts *capturepb.CaptureOptions) {
				require.False(t, opts.CollectMemoryInfo)
				require.False(t, opts.EnableCgroupMemory)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.check(t, tt.config.CaptureOptions())
		})
	}
}

func TestCapture(t *testing.T) {
	callstack := &capturepb.Callstack{Pcs: []uint64{0x10, 0x20}}
	conn := newTestConn(t, &fakeTracing{events: []capturepb.ProducerCaptureEvent{
		&capturepb.FullCallstackSample{Pid: 42, Tid: 43, TimestampNs: 2000, Callstack: callstack},
		&capturepb.FullCallstackSample{Pid: 42, Tid: 43, TimestampNs: 2001, Callstack: callstack},
	}})

	sink := &recordingSender{}
	c := New(log.NewNopLogger(), conn, sink)

	stop := make(chan struct{})
	close(stop)
	summary, err := c.Capture(context.Background(), Config{Pid: 42}.CaptureOptions(), stop)
	require.NoError(t, err)

	require.Equal(t, capturepb.CaptureFinishedSuccessful, summary.Finished.Status)
	require.Equal(t, uint64(6), summary.TotalEvents())
	require.Equal(t, uint64(2), summary.Events["CallstackSample"])
	require.Equal(t, uint64(1), summary.Events["InternedCallstack"])
	require.Equal(t, uint64(1), summary.Events["CaptureStarted"])
	require.NotZero(t, summary.Responses)
	require.NotZero(t, summary.Bytes)
	require.Len(t, sink.events, 6)

	var out bytes.Buffer
	require.NoError(t, summary.Print(&out))
	require.Contains(t, out.String(), "CallstackSample")
	require.Contains(t, out.String(), "6 events in")
}

func TestCaptureToFile(t *testing.T) {
	conn := newTestConn(t, &fakeTracing{events: []capturepb.ProducerCaptureEvent{
		&capturepb.ThreadName{Pid: 42, Tid: 43, Name: "main"},
	}})

	path := filepath.Join(t.TempDir(), "capture.orbit")
	fs, err := sender.NewFileSender(log.NewNopLogger(), path, sender.CompressionZstd)
	require.NoError(t, err)

	stop := make(chan struct{})
	close(stop)
	summary, err := New(log.NewNopLogger(), conn, fs).Capture(context.Background(), Config{Pid: 42}.CaptureOptions(), stop)
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	responses, err := sender.ReadFile(path)
	require.NoError(t, err)
	var n uint64
	for _, r := range responses {
		n += uint64(len(r.CaptureEvents))
	}
	require.Equal(t, summary.TotalEvents(), n)
}

func TestCaptureFailed(t *testing.T) {
	conn := newTestConn(t, &fakeTracing{startErr: errors.New("no such process")})

	summary, err := New(log.NewNopLogger(), conn, &recordingSender{}).Capture(context.Background(), Config{Pid: 42}.CaptureOptions(), make(chan struct{}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "no such process")
	require.Equal(t, capturepb.CaptureFinishedFailed, summary.Finished.Status)
}

func TestCaptureStopsOnContextCancel(t *testing.T) {
	conn := newTestConn(t, &fakeTracing{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(log.NewNopLogger(), conn, &recordingSender{}).Capture(ctx, Config{Pid: 42}.CaptureOptions(), make(chan struct{}))
	require.Error(t, err)
}
