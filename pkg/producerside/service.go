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

// Package producerside implements the endpoint that producers running
// outside of the service connect to in order to take part in captures.
package producerside

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/processor"
)

const (
	DefaultMaxWaitForAllEventsSent = 10 * time.Second

	// commandRecheckInterval bounds how long a connection waits for a status
	// change before looking at the shared state again.
	commandRecheckInterval = time.Second
)

type Status int

const (
	StatusFinished Status = iota
	StatusStarted
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusFinished:
		return "finished"
	case StatusStarted:
		return "started"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

type Metrics struct {
	connected      prometheus.Gauge
	eventsReceived prometheus.Counter
	eventsDropped  prometheus.Counter
	stopTimeouts   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	var m Metrics

	m.connected = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "orbit_producer_side_connected_producers",
			Help: "Number of producers currently connected.",
		})
	m.eventsReceived = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_producer_side_events_received_total",
			Help: "Total number of events received from external producers.",
		})
	m.eventsDropped = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_producer_side_events_dropped_total",
			Help: "Total number of events received while no capture was running.",
		})
	m.stopTimeouts = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_producer_side_stop_timeouts_total",
			Help: "Total number of captures stopped before every producer sent all its events.",
		})

	return &m
}

type Option func(*Service)

// WithMaxWaitForAllEventsSent bounds how long OnCaptureStopRequested waits
// for the producers to send all their events.
func WithMaxWaitForAllEventsSent(d time.Duration) Option {
	return func(s *Service) {
		s.maxWaitForAllEventsSent = d
	}
}

// Service relays capture start and stop to every connected producer and
// hands the events they send to the processor of the running capture.
type Service struct {
	capturepb.UnimplementedProducerSideServiceServer

	logger  log.Logger
	metrics *Metrics

	nextProducerID *atomic.Uint64

	mtx                     sync.Mutex
	maxWaitForAllEventsSent time.Duration
	status                  Status
	options                 *capturepb.CaptureOptions
	producersRemaining      int
	exitRequested           bool
	// changed is closed and replaced whenever the state above changes.
	changed chan struct{}

	processorMtx sync.RWMutex
	processor    processor.Processor

	streams *xsync.MapOf[uint64, context.CancelFunc]
}

func New(logger log.Logger, metrics *Metrics, opts ...Option) *Service {
	s := &Service{
		logger:                  logger,
		metrics:                 metrics,
		maxWaitForAllEventsSent: DefaultMaxWaitForAllEventsSent,
		nextProducerID:          atomic.NewUint64(capturepb.FirstExternalProducerID),
		status:                  StatusFinished,
		changed:                 make(chan struct{}),
		streams:                 xsync.NewMapOf[uint64, context.CancelFunc](),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetMaxWaitForAllEventsSent applies to the next stop request.
func (s *Service) SetMaxWaitForAllEventsSent(d time.Duration) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.maxWaitForAllEventsSent = d
}

// broadcast must be called with mtx held.
func (s *Service) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// OnCaptureStartRequested installs p and asks every producer to start
// capturing with opts.
func (s *Service) OnCaptureStartRequested(opts *capturepb.CaptureOptions, p processor.Processor) {
	level.Info(s.logger).Log("msg", "about to send start capture command to producers")

	s.processorMtx.Lock()
	s.processor = p
	s.processorMtx.Unlock()

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.status = StatusStarted
	s.options = opts.Clone()
	s.broadcast()
}

// OnCaptureStopRequested asks every producer to stop and blocks until all
// of them have sent all their events or disconnected, at most for the
// configured maximum wait. The producers are then told that the capture has
// finished.
func (s *Service) OnCaptureStopRequested() {
	level.Info(s.logger).Log("msg", "about to send stop capture command to producers")

	s.mtx.Lock()
	s.status = StatusStopping
	s.broadcast()

	deadline := time.NewTimer(s.maxWaitForAllEventsSent)
	defer deadline.Stop()
wait:
	for s.producersRemaining > 0 && !s.exitRequested {
		changed := s.changed
		s.mtx.Unlock()
		select {
		case <-changed:
			s.mtx.Lock()
		case <-deadline.C:
			s.mtx.Lock()
			break wait
		}
	}

	if s.producersRemaining == 0 {
		level.Info(s.logger).Log("msg", "all producers have finished sending their events")
	} else {
		s.metrics.stopTimeouts.Inc()
		level.Error(s.logger).Log(
			"msg", "stopped receiving events from producers even if not all have sent all their events",
			"remaining", s.producersRemaining,
		)
	}

	s.status = StatusFinished
	s.options = nil
	s.producersRemaining = 0
	s.broadcast()
	s.mtx.Unlock()

	s.processorMtx.Lock()
	s.processor = nil
	s.processorMtx.Unlock()
}

// OnExitRequest disconnects every producer. Connections made afterwards are
// refused.
func (s *Service) OnExitRequest() {
	s.mtx.Lock()
	s.exitRequested = true
	s.options = nil
	s.broadcast()
	s.mtx.Unlock()

	level.Info(s.logger).Log("msg", "disconnecting from producers as exit was requested")
	s.streams.Range(func(_ uint64, cancel context.CancelFunc) bool {
		cancel()
		return true
	})

	s.processorMtx.Lock()
	s.processor = nil
	s.processorMtx.Unlock()
}

// ProducersRemaining returns the number of producers that observed the
// running capture and have not yet sent all their events.
func (s *Service) ProducersRemaining() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.producersRemaining
}
