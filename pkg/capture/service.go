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

// Package capture implements the endpoint clients open to run a capture.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/parca-dev/orbit/pkg/buildinfo"
	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/clock"
	"github.com/parca-dev/orbit/pkg/memory"
	"github.com/parca-dev/orbit/pkg/processor"
	"github.com/parca-dev/orbit/pkg/sender"
)

var (
	ErrAlreadyCapturing = errors.New("cannot start capture because another capture is already in progress")
	errShuttingDown     = errors.New("service is shutting down")
)

// StartStopListener takes part in every capture. OnCaptureStopRequested
// blocks until the listener will not hand any more events to the processor.
type StartStopListener interface {
	OnCaptureStartRequested(opts *capturepb.CaptureOptions, p processor.Processor)
	OnCaptureStopRequested()
}

// TracingHandler runs the tracer of a capture.
type TracingHandler interface {
	Start(opts *capturepb.CaptureOptions, p processor.Processor, onFatal func(error)) error
	Stop()
}

// MemoryHandler samples memory usage during a capture.
type MemoryHandler interface {
	Start(opts *capturepb.CaptureOptions, p processor.Processor)
	Stop()
}

// TargetInspector looks up the process being captured.
type TargetInspector interface {
	ExecutablePath(pid int) (string, error)
	BuildID(path string) (string, error)
	CgroupMemoryAvailable(pid int) bool
	ProcessState(pid int) (capturepb.ProcessState, error)
}

type Metrics struct {
	captures  *prometheus.CounterVec
	active    prometheus.Gauge
	rejected  prometheus.Counter
	durations prometheus.Histogram
	watchdog  prometheus.Counter

	sender    *sender.Metrics
	processor *processor.Metrics
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	var m Metrics

	m.captures = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_captures_total",
			Help: "Total number of captures by final status.",
		}, []string{"status"})
	m.active = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "orbit_capture_in_progress",
			Help: "Whether a capture is in progress.",
		})
	m.rejected = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_captures_rejected_total",
			Help: "Total number of captures rejected because another one was in progress.",
		})
	m.durations = promauto.With(reg).NewHistogram(
		prometheus.HistogramOpts{
			Name:                        "orbit_capture_duration_seconds",
			Help:                        "Wall-clock duration of captures.",
			NativeHistogramBucketFactor: 1.1,
		})
	m.watchdog = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_captures_memory_watchdog_stops_total",
			Help: "Total number of captures stopped because the service used too much memory.",
		})
	m.sender = sender.NewMetrics(reg)
	m.processor = processor.NewMetrics(reg)

	return &m
}

type Config struct {
	Version buildinfo.Version

	FlushInterval  time.Duration
	FlushThreshold int

	// MirrorDirectory, when set, receives a copy of every capture.
	MirrorDirectory   string
	MirrorCompression sender.Compression
}

// Defaults fill in what a capture request leaves unset.
type Defaults struct {
	MemorySamplingPeriod time.Duration
}

// Service accepts one capture at a time.
type Service struct {
	capturepb.UnimplementedCaptureServiceServer

	logger  log.Logger
	metrics *Metrics
	config  Config

	tracing TracingHandler
	memory  MemoryHandler
	target  TargetInspector
	now     clock.Func

	watchdogMemory   ResidentMemory
	watchdogInterval time.Duration

	capturing *atomic.Bool
	defaults  *atomic.Pointer[Defaults]

	listenersMtx sync.Mutex
	listeners    []StartStopListener

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

func New(
	logger log.Logger,
	metrics *Metrics,
	config Config,
	tracing TracingHandler,
	memoryHandler MemoryHandler,
	target TargetInspector,
	now clock.Func,
	opts ...Option,
) *Service {
	if now == nil {
		now = clock.MonotonicNs
	}
	s := &Service{
		logger:    logger,
		metrics:   metrics,
		config:    config,
		tracing:   tracing,
		memory:    memoryHandler,
		target:    target,
		now:       now,
		capturing: atomic.NewBool(false),
		defaults:  atomic.NewPointer(&Defaults{MemorySamplingPeriod: memory.DefaultSamplingPeriod}),
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDefaults applies to captures started afterwards.
func (s *Service) SetDefaults(d Defaults) {
	if d.MemorySamplingPeriod <= 0 {
		d.MemorySamplingPeriod = memory.DefaultSamplingPeriod
	}
	s.defaults.Store(&d)
}

func (s *Service) AddStartStopListener(l StartStopListener) {
	s.listenersMtx.Lock()
	defer s.listenersMtx.Unlock()

	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

func (s *Service) RemoveStartStopListener(l StartStopListener) {
	s.listenersMtx.Lock()
	defer s.listenersMtx.Unlock()

	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Service) startStopListeners() []StartStopListener {
	s.listenersMtx.Lock()
	defer s.listenersMtx.Unlock()
	return append([]StartStopListener(nil), s.listeners...)
}

// Shutdown interrupts the running capture, if any. Captures requested
// afterwards are refused.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
}

func (s *Service) Capture(stream capturepb.CaptureService_CaptureServer) error {
	if !s.capturing.CompareAndSwap(false, true) {
		s.metrics.rejected.Inc()
		level.Error(s.logger).Log("msg", "refusing capture", "err", ErrAlreadyCapturing)
		return status.Error(codes.AlreadyExists, ErrAlreadyCapturing.Error())
	}
	defer s.capturing.Store(false)

	select {
	case <-s.shutdown:
		return status.Error(codes.Unavailable, errShuttingDown.Error())
	default:
	}

	req, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("receive capture request: %w", err)
	}
	opts := req.CaptureOptions
	if opts == nil {
		opts = &capturepb.CaptureOptions{}
	}
	if opts.CollectMemoryInfo && opts.MemorySamplingPeriodNs == 0 {
		opts.MemorySamplingPeriodNs = uint64(s.defaults.Load().MemorySamplingPeriod)
	}

	s.metrics.active.Set(1)
	defer s.metrics.active.Set(0)
	began := time.Now()
	defer func() {
		s.metrics.durations.Observe(time.Since(began).Seconds())
	}()

	c, err := s.newCapture(stream, opts)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	var finished *capturepb.CaptureFinished
	var fatal error
	runtimepprof.Do(stream.Context(), runtimepprof.Labels("component", "capture-svc"), func(ctx context.Context) {
		finished, fatal = s.run(ctx, stream, c, opts)
	})

	s.metrics.captures.WithLabelValues(finished.Status.String()).Inc()
	if fatal != nil {
		return status.Error(codes.Internal, fatal.Error())
	}
	return nil
}

// capture holds what lives exactly as long as one capture.
type capture struct {
	buffer    *sender.Buffer
	grpc      *sender.GRPCSender
	mirror    *sender.FileSender
	processor *processor.ProducerEventProcessor
	fatal     chan error
}

func (s *Service) newCapture(stream capturepb.CaptureService_CaptureServer, opts *capturepb.CaptureOptions) (*capture, error) {
	c := &capture{
		grpc:  sender.NewGRPCSender(s.logger, stream),
		fatal: make(chan error, 1),
	}

	var out sender.Sender = c.grpc
	if s.config.MirrorDirectory != "" {
		path := filepath.Join(s.config.MirrorDirectory, fmt.Sprintf("capture-%d-%d.orbit", opts.TargetPid, time.Now().Unix()))
		mirror, err := sender.NewFileSender(s.logger, path, s.config.MirrorCompression)
		if err != nil {
			return nil, fmt.Errorf("create capture mirror: %w", err)
		}
		c.mirror = mirror
		out = sender.MultiSender{c.grpc, mirror}
	}

	var bufferOpts []sender.Option
	if s.config.FlushInterval > 0 {
		bufferOpts = append(bufferOpts, sender.WithFlushInterval(s.config.FlushInterval))
	}
	if s.config.FlushThreshold > 0 {
		bufferOpts = append(bufferOpts, sender.WithFlushThreshold(s.config.FlushThreshold))
	}
	c.buffer = sender.NewBuffer(s.logger, s.metrics.sender, out, bufferOpts...)

	c.processor = processor.New(s.logger, s.metrics.processor, c.buffer, processor.WithFatalHandler(c.abort))
	return c, nil
}

// abort records the first fatal error of the capture.
func (c *capture) abort(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

func (s *Service) run(ctx context.Context, stream capturepb.CaptureService_CaptureServer, c *capture, opts *capturepb.CaptureOptions) (*capturepb.CaptureFinished, error) {
	logger := log.With(s.logger, "pid", opts.TargetPid)
	level.Info(logger).Log("msg", "starting capture")

	for _, e := range s.startEvents(logger, opts) {
		if err := c.processor.ProcessEvent(capturepb.RootProducerID, e); err != nil {
			level.Warn(logger).Log("msg", "failed to process capture start event", "err", err)
		}
	}

	if err := s.tracing.Start(opts, c.processor, c.abort); err != nil {
		c.abort(fmt.Errorf("start tracing: %w", err))
	}
	s.memory.Start(opts, c.processor)
	listeners := s.startStopListeners()
	for _, l := range listeners {
		l.OnCaptureStartRequested(opts.Clone(), c.processor)
	}

	// Further requests carry nothing; the stream only tells when to stop.
	halfClosed := make(chan error, 1)
	go runtimepprof.Do(ctx, runtimepprof.Labels("component", "capture-svc"), func(context.Context) {
		for {
			if _, err := stream.Recv(); err != nil {
				halfClosed <- err
				return
			}
		}
	})

	w := s.startWatchdog(logger)

	finished := &capturepb.CaptureFinished{Status: capturepb.CaptureFinishedSuccessful}
	var fatal error
wait:
	for {
		select {
		case err := <-halfClosed:
			if !isHalfClose(err) {
				level.Warn(logger).Log("msg", "capture stream failed", "err", err)
			}
			break wait
		case fatal = <-c.fatal:
			level.Error(logger).Log("msg", "aborting capture", "err", fatal)
			finished.Status = capturepb.CaptureFinishedFailed
			finished.ErrorMessage = fatal.Error()
			break wait
		case <-s.shutdown:
			level.Warn(logger).Log("msg", "interrupting capture", "err", errShuttingDown)
			finished.Status = capturepb.CaptureFinishedInterruptedByService
			break wait
		case <-w.C():
			if w.exceeded() {
				s.metrics.watchdog.Inc()
				finished.Status = capturepb.CaptureFinishedInterruptedByService
				break wait
			}
		}
	}
	w.stop()

	level.Info(logger).Log("msg", "stopping capture")
	s.stopProducers(logger, listeners)

	if opts.TargetPid != 0 {
		state, err := s.target.ProcessState(int(opts.TargetPid))
		if err != nil {
			level.Warn(logger).Log("msg", "failed to read state of target after capture", "err", err)
			finished.TargetProcessTerminationSignal = capturepb.TerminationSignalInternalError
		}
		finished.TargetProcessState = state
	}

	c.buffer.AddEvent(finished)
	c.buffer.StopAndWait()

	if err := c.grpc.Close(); err != nil {
		level.Warn(logger).Log("msg", "failed to close capture stream sender", "err", err)
	}
	if c.mirror != nil {
		if err := c.mirror.Close(); err != nil {
			level.Warn(logger).Log("msg", "failed to close capture mirror", "err", err)
		}
	}

	stats := c.processor.Stats()
	level.Info(logger).Log(
		"msg", "capture finished",
		"status", finished.Status,
		"strings", stats.Strings,
		"callstacks", stats.Callstacks,
		"tracepoints", stats.Tracepoints,
		"target_state", finished.TargetProcessState,
	)
	if stats.PendingSliceCallstacks > 0 {
		level.Error(logger).Log("msg", "thread state slice callstacks were never merged", "count", stats.PendingSliceCallstacks)
	}
	return finished, fatal
}

func isHalfClose(err error) bool {
	return errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled || errors.Is(err, io.EOF)
}

// stopProducers stops the tracer, the memory sampler and every listener in
// parallel, since each of them may block for a while.
func (s *Service) stopProducers(logger log.Logger, listeners []StartStopListener) {
	var g errgroup.Group
	g.Go(func() error {
		s.tracing.Stop()
		level.Debug(logger).Log("msg", "tracing stopped")
		return nil
	})
	g.Go(func() error {
		s.memory.Stop()
		level.Debug(logger).Log("msg", "memory sampling stopped")
		return nil
	})
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			l.OnCaptureStopRequested()
			level.Debug(logger).Log("msg", "start stop listener stopped")
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) startEvents(logger log.Logger, opts *capturepb.CaptureOptions) []capturepb.ProducerCaptureEvent {
	startNs := s.now()
	started := &capturepb.CaptureStarted{
		ProcessID:               opts.TargetPid,
		CaptureStartUnixTimeNs:  uint64(time.Now().UnixNano()),
		CaptureStartTimestampNs: startNs,
		VersionMajor:            s.config.Version.Major,
		VersionMinor:            s.config.Version.Minor,
		CaptureOptions:          opts.Clone(),
	}

	var warnings []capturepb.ProducerCaptureEvent
	if opts.TargetPid != 0 {
		path, err := s.target.ExecutablePath(int(opts.TargetPid))
		if err != nil {
			level.Warn(logger).Log("msg", "failed to find executable of target", "err", err)
		} else {
			started.ExecutablePath = path
			if id, err := s.target.BuildID(path); err != nil {
				level.Warn(logger).Log("msg", "failed to read build id of target", "path", path, "err", err)
			} else {
				started.ExecutableBuildID = id
			}
		}

		if opts.CollectMemoryInfo && opts.EnableCgroupMemory && !s.target.CgroupMemoryAvailable(int(opts.TargetPid)) {
			opts.EnableCgroupMemory = false
			started.CaptureOptions.EnableCgroupMemory = false
			warnings = append(warnings, &capturepb.WarningEvent{
				TimestampNs: startNs,
				Message:     fmt.Sprintf("memory cgroup of process %d is not available, cgroup memory usage will not be collected", opts.TargetPid),
			})
		}
	}

	events := []capturepb.ProducerCaptureEvent{started}
	if res, err := clock.ResolutionNs(); err != nil {
		level.Warn(logger).Log("msg", "failed to get clock resolution", "err", err)
	} else {
		events = append(events, &capturepb.ClockResolutionEvent{TimestampNs: startNs, ClockResolutionNs: res})
	}
	return append(events, warnings...)
}
