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

// Package processor turns producer events into client events. Strings,
// callstacks and tracepoints are interned into global tables shared by all
// producers of a capture, and the keys producers use in their own key spaces
// are translated to global ids.
package processor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

// ErrProducerProtocolViolation is returned when a producer redeclares one of
// its keys or uses a key it never declared. It is fatal to the capture.
var ErrProducerProtocolViolation = errors.New("producer protocol violation")

// EventSink receives the client events. AddEvent must not block on I/O.
type EventSink interface {
	AddEvent(event capturepb.ClientCaptureEvent)
}

// Processor is the single entry point for producer events during a
// capture. ProcessEvent is safe for concurrent use.
type Processor interface {
	ProcessEvent(producerID uint64, event capturepb.ProducerCaptureEvent) error
}

type Metrics struct {
	eventsProcessed prometheus.Counter
	eventsEmitted   prometheus.Counter
	announced       *prometheus.CounterVec
	violations      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	var m Metrics

	m.eventsProcessed = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_processor_producer_events_total",
			Help: "Total number of producer events processed.",
		})
	m.eventsEmitted = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_processor_client_events_total",
			Help: "Total number of client events emitted.",
		})
	m.announced = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_processor_interned_values_total",
			Help: "Total number of distinct values interned, by table.",
		}, []string{"table"})
	m.violations = promauto.With(reg).NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_processor_protocol_violations_total",
			Help: "Total number of producer protocol violations.",
		})

	return &m
}

type producerKey struct {
	producerID uint64
	key        uint64
}

// sliceBegin identifies a thread state slice by its thread and begin
// timestamp.
type sliceBegin struct {
	tid         uint32
	timestampNs uint64
}

type Option func(*ProducerEventProcessor)

// WithFatalHandler installs f to be called, once, with the first protocol
// violation seen by the processor.
func WithFatalHandler(f func(error)) Option {
	return func(p *ProducerEventProcessor) {
		p.onFatal = f
	}
}

// ProducerEventProcessor lives for the duration of one capture.
type ProducerEventProcessor struct {
	logger  log.Logger
	metrics *Metrics
	sink    EventSink

	strings     *internPool[string]
	callstacks  *callstackPool
	tracepoints *internPool[tracepointKey]

	// Producer key to global id, one map per table.
	stringKeys     *xsync.MapOf[producerKey, uint64]
	callstackKeys  *xsync.MapOf[producerKey, uint64]
	tracepointKeys *xsync.MapOf[producerKey, uint64]

	// Global callstack ids of ThreadStateSliceCallstacks waiting for their
	// ThreadStateSlice.
	sliceCallstacksMtx sync.Mutex
	sliceCallstacks    map[sliceBegin]uint64

	onFatal   func(error)
	fatalOnce sync.Once
}

var _ Processor = (*ProducerEventProcessor)(nil)

func New(logger log.Logger, metrics *Metrics, sink EventSink, opts ...Option) *ProducerEventProcessor {
	p := &ProducerEventProcessor{
		logger:         logger,
		metrics:        metrics,
		sink:           sink,
		strings:        newInternPool[string](),
		callstacks:     newCallstackPool(),
		tracepoints:    newInternPool[tracepointKey](),
		stringKeys:     xsync.NewMapOf[producerKey, uint64](),
		callstackKeys:  xsync.NewMapOf[producerKey, uint64](),
		tracepointKeys: xsync.NewMapOf[producerKey, uint64](),

		sliceCallstacks: map[sliceBegin]uint64{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *ProducerEventProcessor) emit(e capturepb.ClientCaptureEvent) {
	p.metrics.eventsEmitted.Inc()
	p.sink.AddEvent(e)
}

// ProcessEvent emits zero, one or two client events for event. When two are
// emitted the first announces an interned value the second refers to.
func (p *ProducerEventProcessor) ProcessEvent(producerID uint64, event capturepb.ProducerCaptureEvent) error {
	p.metrics.eventsProcessed.Inc()

	var err error
	switch e := event.(type) {
	case *capturepb.SchedulingSlice:
		p.emit(e)
	case *capturepb.FunctionCall:
		p.emit(e)
	case *capturepb.ThreadName:
		p.emit(e)
	case *capturepb.ThreadNamesSnapshot:
		p.emit(e)
	case *capturepb.ThreadStateSlice:
		err = p.processThreadStateSlice(producerID, e)
	case *capturepb.ThreadStateSliceCallstack:
		p.processThreadStateSliceCallstack(e)
	case *capturepb.ModuleUpdateEvent:
		p.emit(e)
	case *capturepb.ModulesSnapshot:
		p.emit(e)
	case *capturepb.IntrospectionScope:
		p.emit(e)
	case *capturepb.MemoryUsageEvent:
		p.emit(e)
	case *capturepb.CaptureStarted:
		p.emit(e)
	case *capturepb.ClockResolutionEvent:
		p.emit(e)
	case *capturepb.WarningEvent:
		p.emit(e)
	case *capturepb.LostPerfRecordsEvent:
		p.emit(e)

	case *capturepb.FullCallstackSample:
		p.processFullCallstackSample(e)
	case *capturepb.InternedCallstack:
		err = p.processInternedCallstack(producerID, e)
	case *capturepb.CallstackSample:
		err = p.processCallstackSample(producerID, e)
	case *capturepb.InternedString:
		err = p.processInternedString(producerID, e)
	case *capturepb.InternedTracepointInfo:
		err = p.processInternedTracepointInfo(producerID, e)
	case *capturepb.FullTracepointEvent:
		p.processFullTracepointEvent(e)
	case *capturepb.TracepointEvent:
		err = p.processTracepointEvent(producerID, e)
	case *capturepb.FullGpuJob:
		p.processFullGpuJob(e)
	case *capturepb.GpuQueueSubmission:
		err = p.processGpuQueueSubmission(producerID, e)
	case *capturepb.FullAddressInfo:
		p.processFullAddressInfo(e)

	case nil:
		level.Debug(p.logger).Log("msg", "ignoring empty producer event", "producer_id", producerID)
	default:
		level.Warn(p.logger).Log("msg", "ignoring unsupported producer event", "producer_id", producerID, "type", fmt.Sprintf("%T", e))
	}

	if err != nil {
		p.fatal(err)
	}
	return err
}

func (p *ProducerEventProcessor) fatal(err error) {
	p.metrics.violations.Inc()
	level.Error(p.logger).Log("msg", "aborting capture", "err", err)
	p.fatalOnce.Do(func() {
		if p.onFatal != nil {
			p.onFatal(err)
		}
	})
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProducerProtocolViolation, fmt.Sprintf(format, args...))
}

func (p *ProducerEventProcessor) internString(s string) uint64 {
	id, _ := p.strings.getOrAssign(s, func(id uint64) {
		p.metrics.announced.WithLabelValues("strings").Inc()
		p.emit(&capturepb.InternedString{Key: id, Intern: s})
	})
	return id
}

func (p *ProducerEventProcessor) internCallstack(cs *capturepb.Callstack) uint64 {
	if cs == nil {
		cs = &capturepb.Callstack{}
	}
	id, _ := p.callstacks.getOrAssign(cs, func(id uint64) {
		p.metrics.announced.WithLabelValues("callstacks").Inc()
		p.emit(&capturepb.InternedCallstack{Key: id, Intern: cs})
	})
	return id
}

func (p *ProducerEventProcessor) internTracepoint(info *capturepb.TracepointInfo) uint64 {
	if info == nil {
		info = &capturepb.TracepointInfo{}
	}
	id, _ := p.tracepoints.getOrAssign(tracepointKey{category: info.Category, name: info.Name}, func(id uint64) {
		p.metrics.announced.WithLabelValues("tracepoints").Inc()
		p.emit(&capturepb.InternedTracepointInfo{
			Key:    id,
			Intern: &capturepb.TracepointInfo{Category: info.Category, Name: info.Name},
		})
	})
	return id
}

// declare records that producerKey of producerID refers to globalID. A key
// is declared at most once.
func declare(keys *xsync.MapOf[producerKey, uint64], table string, producerID, key, globalID uint64) error {
	if _, loaded := keys.LoadOrStore(producerKey{producerID: producerID, key: key}, globalID); loaded {
		return violation("producer %d redeclared %s key %d", producerID, table, key)
	}
	return nil
}

func translate(keys *xsync.MapOf[producerKey, uint64], table string, producerID, key uint64) (uint64, error) {
	id, ok := keys.Load(producerKey{producerID: producerID, key: key})
	if !ok {
		return 0, violation("producer %d used undeclared %s key %d", producerID, table, key)
	}
	return id, nil
}

func (p *ProducerEventProcessor) processFullCallstackSample(e *capturepb.FullCallstackSample) {
	id := p.internCallstack(e.Callstack)
	p.emit(&capturepb.CallstackSample{
		Pid:         e.Pid,
		Tid:         e.Tid,
		TimestampNs: e.TimestampNs,
		CallstackID: id,
	})
}

func (p *ProducerEventProcessor) processInternedCallstack(producerID uint64, e *capturepb.InternedCallstack) error {
	return declare(p.callstackKeys, "callstack", producerID, e.Key, p.internCallstack(e.Intern))
}

func (p *ProducerEventProcessor) processCallstackSample(producerID uint64, e *capturepb.CallstackSample) error {
	id, err := translate(p.callstackKeys, "callstack", producerID, e.CallstackID)
	if err != nil {
		return err
	}
	out := *e
	out.CallstackID = id
	p.emit(&out)
	return nil
}

func (p *ProducerEventProcessor) processInternedString(producerID uint64, e *capturepb.InternedString) error {
	return declare(p.stringKeys, "string", producerID, e.Key, p.internString(e.Intern))
}

func (p *ProducerEventProcessor) processInternedTracepointInfo(producerID uint64, e *capturepb.InternedTracepointInfo) error {
	return declare(p.tracepointKeys, "tracepoint", producerID, e.Key, p.internTracepoint(e.Intern))
}

func (p *ProducerEventProcessor) processFullTracepointEvent(e *capturepb.FullTracepointEvent) {
	id := p.internTracepoint(e.TracepointInfo)
	p.emit(&capturepb.TracepointEvent{
		Pid:               e.Pid,
		Tid:               e.Tid,
		TimestampNs:       e.TimestampNs,
		Cpu:               e.Cpu,
		TracepointInfoKey: id,
	})
}

func (p *ProducerEventProcessor) processTracepointEvent(producerID uint64, e *capturepb.TracepointEvent) error {
	id, err := translate(p.tracepointKeys, "tracepoint", producerID, e.TracepointInfoKey)
	if err != nil {
		return err
	}
	out := *e
	out.TracepointInfoKey = id
	p.emit(&out)
	return nil
}

func (p *ProducerEventProcessor) processFullGpuJob(e *capturepb.FullGpuJob) {
	p.emit(capturepb.NewGpuJob(e, p.internString(e.Timeline)))
}

func (p *ProducerEventProcessor) processGpuQueueSubmission(producerID uint64, e *capturepb.GpuQueueSubmission) error {
	out := *e
	if len(e.CompletedMarkers) > 0 {
		out.CompletedMarkers = make([]*capturepb.GpuDebugMarker, len(e.CompletedMarkers))
	}
	for i, m := range e.CompletedMarkers {
		if m == nil {
			continue
		}
		id, err := translate(p.stringKeys, "string", producerID, m.TextKey)
		if err != nil {
			return err
		}
		marker := *m
		marker.TextKey = id
		out.CompletedMarkers[i] = &marker
	}
	p.emit(&out)
	return nil
}

func (p *ProducerEventProcessor) processThreadStateSliceCallstack(e *capturepb.ThreadStateSliceCallstack) {
	id := p.internCallstack(e.Callstack)

	p.sliceCallstacksMtx.Lock()
	defer p.sliceCallstacksMtx.Unlock()
	p.sliceCallstacks[sliceBegin{tid: e.ThreadStateSliceTid, timestampNs: e.TimestampNs}] = id
}

// processThreadStateSlice attaches the callstack announced by an earlier
// ThreadStateSliceCallstack to a slice waiting for it.
func (p *ProducerEventProcessor) processThreadStateSlice(producerID uint64, e *capturepb.ThreadStateSlice) error {
	switch e.SwitchOutOrWakeupCallstackStatus {
	case capturepb.NoCallstack:
		p.emit(e)
		return nil
	case capturepb.WaitingForCallstack:
	default:
		return violation("producer %d sent thread state slice with callstack status %s", producerID, e.SwitchOutOrWakeupCallstackStatus)
	}

	key := sliceBegin{tid: e.Tid, timestampNs: e.BeginTimestampNs()}
	p.sliceCallstacksMtx.Lock()
	id, ok := p.sliceCallstacks[key]
	delete(p.sliceCallstacks, key)
	p.sliceCallstacksMtx.Unlock()

	out := *e
	if ok {
		out.SwitchOutOrWakeupCallstackStatus = capturepb.CallstackSet
		out.SwitchOutOrWakeupCallstackID = id
	} else {
		// Unwinding can fail completely, in which case no callstack is sent.
		level.Warn(p.logger).Log("msg", "missing callstack for thread state slice waiting for it", "tid", e.Tid, "begin_ns", key.timestampNs)
		out.SwitchOutOrWakeupCallstackStatus = capturepb.NoCallstack
		out.SwitchOutOrWakeupCallstackID = 0
	}
	p.emit(&out)
	return nil
}

func (p *ProducerEventProcessor) processFullAddressInfo(e *capturepb.FullAddressInfo) {
	functionNameKey := p.internString(e.FunctionName)
	moduleNameKey := p.internString(e.ModuleName)
	p.emit(&capturepb.AddressInfo{
		AbsoluteAddress:  e.AbsoluteAddress,
		FunctionNameKey:  functionNameKey,
		OffsetInFunction: e.OffsetInFunction,
		ModuleNameKey:    moduleNameKey,
	})
}

// Stats reports the number of distinct values in each table and the
// thread state slice callstacks no slice has claimed yet.
type Stats struct {
	Strings     int
	Callstacks  int
	Tracepoints int

	PendingSliceCallstacks int
}

func (p *ProducerEventProcessor) Stats() Stats {
	p.sliceCallstacksMtx.Lock()
	pending := len(p.sliceCallstacks)
	p.sliceCallstacksMtx.Unlock()

	return Stats{
		Strings:     p.strings.len(),
		Callstacks:  p.callstacks.len(),
		Tracepoints: p.tracepoints.len(),

		PendingSliceCallstacks: pending,
	}
}
