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

package sender

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSender struct {
	mtx     sync.Mutex
	batches [][]capturepb.ClientCaptureEvent
	sent    chan int
	err     error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan int, 100)}
}

func (s *recordingSender) SendEvents(events []capturepb.ClientCaptureEvent) error {
	s.mtx.Lock()
	s.batches = append(s.batches, events)
	s.mtx.Unlock()
	select {
	case s.sent <- len(events):
	default:
	}
	return s.err
}

func (s *recordingSender) all() []capturepb.ClientCaptureEvent {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var out []capturepb.ClientCaptureEvent
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func sample(ts uint64) capturepb.ClientCaptureEvent {
	return &capturepb.CallstackSample{Pid: 1, Tid: 1, TimestampNs: ts, CallstackID: 1}
}

func TestBufferFlushesAtThreshold(t *testing.T) {
	s := newRecordingSender()
	b := NewBuffer(log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()), s,
		WithFlushThreshold(5),
		WithFlushInterval(time.Second),
	)
	defer b.StopAndWait()

	var fifth time.Time
	for i := 0; i < 7; i++ {
		b.AddEvent(sample(uint64(i)))
		if i == 4 {
			fifth = time.Now()
		}
	}

	select {
	case n := <-s.sent:
		require.GreaterOrEqual(t, n, 5)
		require.Less(t, time.Since(fifth), 500*time.Millisecond)
	case <-time.After(900 * time.Millisecond):
		t.Fatal("threshold did not trigger a flush before the interval")
	}
}

func TestBufferFlushesOnInterval(t *testing.T) {
	s := newRecordingSender()
	b := NewBuffer(log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()), s, WithFlushInterval(10*time.Millisecond))
	defer b.StopAndWait()

	b.AddEvent(sample(1))

	select {
	case n := <-s.sent:
		require.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("interval did not trigger a flush")
	}
}

func TestBufferStopDrainsInOrder(t *testing.T) {
	s := newRecordingSender()
	b := NewBuffer(log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()), s, WithFlushInterval(time.Hour))

	var want []capturepb.ClientCaptureEvent
	for i := 0; i < 100; i++ {
		e := sample(uint64(i))
		want = append(want, e)
		b.AddEvent(e)
	}
	b.StopAndWait()

	require.Equal(t, want, s.all())
}

func TestBufferStopAndWaitIsIdempotent(t *testing.T) {
	s := newRecordingSender()
	b := NewBuffer(log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()), s)

	b.AddEvent(sample(1))
	b.StopAndWait()

	done := make(chan struct{})
	go func() {
		b.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second StopAndWait blocked")
	}
	require.Len(t, s.all(), 1)
}

func TestBufferDiscardsAfterStop(t *testing.T) {
	s := newRecordingSender()
	b := NewBuffer(log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()), s)

	b.AddEvent(sample(1))
	b.StopAndWait()
	b.AddEvent(sample(2))
	b.AddEvent(sample(3))

	require.Equal(t, []capturepb.ClientCaptureEvent{sample(1)}, s.all())
	require.Equal(t, 2.0, testutil.ToFloat64(b.metrics.eventsDiscarded))
	require.Equal(t, 1.0, testutil.ToFloat64(b.metrics.eventsAdded))
}

func TestBufferKeepsDrainingAfterSendError(t *testing.T) {
	s := newRecordingSender()
	s.err = errors.New("stream broken")
	b := NewBuffer(log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()), s, WithFlushInterval(5*time.Millisecond))

	b.AddEvent(sample(1))
	<-s.sent
	b.AddEvent(sample(2))
	b.StopAndWait()

	require.Len(t, s.all(), 2)
	require.Equal(t, 2.0, testutil.ToFloat64(b.metrics.flushes.WithLabelValues("error")))
}

func TestBufferConcurrentProducers(t *testing.T) {
	s := newRecordingSender()
	b := NewBuffer(log.NewNopLogger(), NewMetrics(prometheus.NewRegistry()), s, WithFlushThreshold(64))

	const producers, perProducer = 8, 1000
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.AddEvent(&capturepb.CallstackSample{Pid: uint32(p), TimestampNs: uint64(i)})
			}
		}(p)
	}
	wg.Wait()
	b.StopAndWait()

	events := s.all()
	require.Len(t, events, producers*perProducer)

	last := map[uint32]uint64{}
	for _, e := range events {
		cs := e.(*capturepb.CallstackSample)
		if prev, ok := last[cs.Pid]; ok {
			require.Greater(t, cs.TimestampNs, prev)
		}
		last[cs.Pid] = cs.TimestampNs
	}
}

type fakeStream struct {
	responses []*capturepb.CaptureResponse
	failAfter int
}

func (s *fakeStream) Send(r *capturepb.CaptureResponse) error {
	if s.failAfter >= 0 && len(s.responses) == s.failAfter {
		return errors.New("write failed")
	}
	s.responses = append(s.responses, r)
	return nil
}

func TestGRPCSenderChunks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		events    int
		failAfter int
		wantSizes []int
		wantErr   bool
	}{
		{name: "empty", events: 0, failAfter: -1},
		{name: "single", events: 3, failAfter: -1, wantSizes: []int{3}},
		{name: "exact", events: MaxEventsPerResponse, failAfter: -1, wantSizes: []int{MaxEventsPerResponse}},
		{name: "split", events: 2*MaxEventsPerResponse + 1, failAfter: -1, wantSizes: []int{MaxEventsPerResponse, MaxEventsPerResponse, 1}},
		{name: "abandon rest", events: 3 * MaxEventsPerResponse, failAfter: 1, wantSizes: []int{MaxEventsPerResponse}, wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			events := make([]capturepb.ClientCaptureEvent, tc.events)
			for i := range events {
				events[i] = sample(uint64(i))
			}

			stream := &fakeStream{failAfter: tc.failAfter}
			s := NewGRPCSender(log.NewNopLogger(), stream)
			err := s.SendEvents(events)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			var sizes []int
			for _, r := range stream.responses {
				sizes = append(sizes, len(r.CaptureEvents))
			}
			require.Equal(t, tc.wantSizes, sizes)
			require.NoError(t, s.Close())
		})
	}
}

func TestFileSenderRoundTrip(t *testing.T) {
	t.Parallel()

	for _, c := range []Compression{CompressionSnappy, CompressionZstd} {
		c := c
		t.Run(string(c), func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "capture.orbit")
			fs, err := NewFileSender(log.NewNopLogger(), path, c)
			require.NoError(t, err)

			first := []capturepb.ClientCaptureEvent{
				&capturepb.InternedString{Key: 1, Intern: "timeline"},
				sample(10),
			}
			second := []capturepb.ClientCaptureEvent{
				&capturepb.CaptureFinished{Status: capturepb.CaptureFinishedSuccessful},
			}
			require.NoError(t, fs.SendEvents(first))
			require.NoError(t, fs.SendEvents(second))
			require.NoError(t, fs.Close())

			responses, err := ReadFile(path)
			require.NoError(t, err)
			require.Len(t, responses, 2)
			require.Equal(t, first, responses[0].CaptureEvents)
			require.Equal(t, second, responses[1].CaptureEvents)
		})
	}
}

func TestFileSenderRejectsUnknownCompression(t *testing.T) {
	_, err := NewFileSender(log.NewNopLogger(), filepath.Join(t.TempDir(), "x"), "lz4")
	require.Error(t, err)
}

func TestMultiSenderJoinsErrors(t *testing.T) {
	ok := newRecordingSender()
	broken := newRecordingSender()
	broken.err = errors.New("disk full")

	err := MultiSender{broken, ok}.SendEvents([]capturepb.ClientCaptureEvent{sample(1)})
	require.ErrorIs(t, err, broken.err)
	require.Len(t, ok.all(), 1)
}
