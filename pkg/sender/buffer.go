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
	"context"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

const (
	// DefaultFlushInterval bounds how long an event waits in the buffer.
	DefaultFlushInterval = 20 * time.Millisecond
	// DefaultFlushThreshold must stay below MaxEventsPerResponse so that the
	// few events arriving while a batch is being swapped do not force a split.
	DefaultFlushThreshold = 5000
)

// Sender delivers a batch of client events. It is only ever called from the
// sender goroutine of a Buffer.
type Sender interface {
	SendEvents(events []capturepb.ClientCaptureEvent) error
}

// Metrics outlive a single Buffer; create them once per registry and share
// them between captures.
type Metrics struct {
	eventsAdded     prometheus.Counter
	eventsDiscarded prometheus.Counter
	flushes         *prometheus.CounterVec
	batchSize       prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	var m Metrics

	m.eventsAdded = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_capture_buffer_events_added_total",
			Help: "Total number of client events added to the capture event buffer.",
		})
	m.eventsDiscarded = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_capture_buffer_events_discarded_total",
			Help: "Total number of client events discarded because the buffer was stopping.",
		})
	m.flushes = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_capture_buffer_flushes_total",
			Help: "Total number of batches handed to the sender.",
		}, []string{"result"})
	m.batchSize = promauto.With(reg).NewHistogram(
		prometheus.HistogramOpts{
			Name:                        "orbit_capture_buffer_batch_size",
			Help:                        "Number of events per batch handed to the sender.",
			NativeHistogramBucketFactor: 1.1,
		})

	return &m
}

// Option configures a Buffer.
type Option func(*Buffer)

func WithFlushInterval(d time.Duration) Option {
	return func(b *Buffer) {
		b.flushInterval = d
	}
}

func WithFlushThreshold(n int) Option {
	return func(b *Buffer) {
		b.flushThreshold = n
	}
}

// Buffer decouples the producers of client events from the sender. Events
// are handed to the sender by a dedicated goroutine, either once
// flushThreshold events have accumulated or every flushInterval.
type Buffer struct {
	logger  log.Logger
	metrics *Metrics
	sender  Sender

	flushInterval  time.Duration
	flushThreshold int

	mtx           sync.Mutex
	events        []capturepb.ClientCaptureEvent
	stopRequested bool

	// wake is signalled when the threshold is reached or stop is requested.
	wake     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewBuffer creates a Buffer and starts its sender goroutine. StopAndWait
// must be called to release it.
func NewBuffer(logger log.Logger, metrics *Metrics, s Sender, opts ...Option) *Buffer {
	b := &Buffer{
		logger:         logger,
		metrics:        metrics,
		sender:         s,
		flushInterval:  DefaultFlushInterval,
		flushThreshold: DefaultFlushThreshold,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	go func() {
		defer close(b.done)
		runtimepprof.Do(context.Background(), runtimepprof.Labels("component", "sender-thread"), func(_ context.Context) {
			b.run()
		})
	}()

	return b
}

// AddEvent queues event for sending. It never blocks on I/O. Events added
// after StopAndWait has been called are discarded.
func (b *Buffer) AddEvent(event capturepb.ClientCaptureEvent) {
	b.mtx.Lock()
	if b.stopRequested {
		b.mtx.Unlock()
		b.metrics.eventsDiscarded.Inc()
		return
	}
	b.events = append(b.events, event)
	full := len(b.events) >= b.flushThreshold
	b.mtx.Unlock()

	b.metrics.eventsAdded.Inc()
	if full {
		b.signal()
	}
}

func (b *Buffer) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// StopAndWait makes the sender goroutine send what is left and exit, and
// waits for it. Calling it more than once is a no-op.
func (b *Buffer) StopAndWait() {
	b.stopOnce.Do(func() {
		b.mtx.Lock()
		b.stopRequested = true
		b.mtx.Unlock()
		b.signal()
	})
	<-b.done
}

func (b *Buffer) run() {
	timer := time.NewTimer(b.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-b.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		b.mtx.Lock()
		batch := b.events
		b.events = make([]capturepb.ClientCaptureEvent, 0, len(batch))
		stopped := b.stopRequested
		b.mtx.Unlock()

		b.send(batch)

		if stopped {
			return
		}
		timer.Reset(b.flushInterval)
	}
}

func (b *Buffer) send(batch []capturepb.ClientCaptureEvent) {
	if len(batch) == 0 {
		return
	}

	b.metrics.batchSize.Observe(float64(len(batch)))
	if err := b.sender.SendEvents(batch); err != nil {
		b.metrics.flushes.WithLabelValues("error").Inc()
		level.Warn(b.logger).Log("msg", "failed to send capture events, dropping batch", "count", len(batch), "err", err)
		return
	}
	b.metrics.flushes.WithLabelValues("success").Inc()
}
