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

package capturepb

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the event cases. The same payload type uses the same number
// in both the producer and the client event envelope.
const (
	fieldInternedCallstack      protowire.Number = 1
	fieldSchedulingSlice        protowire.Number = 2
	fieldCallstackSample        protowire.Number = 3
	fieldFullCallstackSample    protowire.Number = 4
	fieldFunctionCall           protowire.Number = 5
	fieldInternedString         protowire.Number = 6
	fieldGpuJob                 protowire.Number = 7
	fieldFullGpuJob             protowire.Number = 8
	fieldGpuQueueSubmission     protowire.Number = 9
	fieldThreadName             protowire.Number = 10
	fieldThreadNamesSnapshot    protowire.Number = 11
	fieldThreadStateSlice       protowire.Number = 12
	fieldAddressInfo            protowire.Number = 13
	fieldFullAddressInfo        protowire.Number = 14
	fieldInternedTracepointInfo protowire.Number = 15
	fieldTracepointEvent        protowire.Number = 16
	fieldFullTracepointEvent    protowire.Number = 17
	fieldModuleUpdateEvent      protowire.Number = 18
	fieldModulesSnapshot        protowire.Number = 19
	fieldIntrospectionScope     protowire.Number = 20
	fieldMemoryUsageEvent       protowire.Number = 21
	fieldCaptureStarted         protowire.Number = 22
	fieldCaptureFinished        protowire.Number = 23
	fieldClockResolutionEvent   protowire.Number = 24
	fieldWarningEvent           protowire.Number = 25
	fieldLostPerfRecordsEvent   protowire.Number = 26

	fieldThreadStateSliceCallstack protowire.Number = 27
)

type captureEvent interface {
	message
	eventField() protowire.Number
}

// ProducerCaptureEvent is an event as emitted by a producer. Strings,
// callstacks and tracepoints are either inline or refer to keys the producer
// declared earlier in its own key space.
type ProducerCaptureEvent interface {
	captureEvent
	isProducerCaptureEvent()
}

// ClientCaptureEvent is an event as delivered to the client. Every interned
// reference points into the global tables announced earlier in the stream.
type ClientCaptureEvent interface {
	captureEvent
	isClientCaptureEvent()
}

var producerEventTypes = map[protowire.Number]func() ProducerCaptureEvent{
	fieldInternedCallstack:      func() ProducerCaptureEvent { return &InternedCallstack{} },
	fieldSchedulingSlice:        func() ProducerCaptureEvent { return &SchedulingSlice{} },
	fieldCallstackSample:        func() ProducerCaptureEvent { return &CallstackSample{} },
	fieldFullCallstackSample:    func() ProducerCaptureEvent { return &FullCallstackSample{} },
	fieldFunctionCall:           func() ProducerCaptureEvent { return &FunctionCall{} },
	fieldInternedString:         func() ProducerCaptureEvent { return &InternedString{} },
	fieldFullGpuJob:             func() ProducerCaptureEvent { return &FullGpuJob{} },
	fieldGpuQueueSubmission:     func() ProducerCaptureEvent { return &GpuQueueSubmission{} },
	fieldThreadName:             func() ProducerCaptureEvent { return &ThreadName{} },
	fieldThreadNamesSnapshot:    func() ProducerCaptureEvent { return &ThreadNamesSnapshot{} },
	fieldThreadStateSlice:       func() ProducerCaptureEvent { return &ThreadStateSlice{} },
	fieldFullAddressInfo:        func() ProducerCaptureEvent { return &FullAddressInfo{} },
	fieldInternedTracepointInfo: func() ProducerCaptureEvent { return &InternedTracepointInfo{} },
	fieldTracepointEvent:        func() ProducerCaptureEvent { return &TracepointEvent{} },
	fieldFullTracepointEvent:    func() ProducerCaptureEvent { return &FullTracepointEvent{} },
	fieldModuleUpdateEvent:      func() ProducerCaptureEvent { return &ModuleUpdateEvent{} },
	fieldModulesSnapshot:        func() ProducerCaptureEvent { return &ModulesSnapshot{} },
	fieldIntrospectionScope:     func() ProducerCaptureEvent { return &IntrospectionScope{} },
	fieldMemoryUsageEvent:       func() ProducerCaptureEvent { return &MemoryUsageEvent{} },
	fieldCaptureStarted:         func() ProducerCaptureEvent { return &CaptureStarted{} },
	fieldClockResolutionEvent:   func() ProducerCaptureEvent { return &ClockResolutionEvent{} },
	fieldWarningEvent:           func() ProducerCaptureEvent { return &WarningEvent{} },
	fieldLostPerfRecordsEvent:   func() ProducerCaptureEvent { return &LostPerfRecordsEvent{} },

	fieldThreadStateSliceCallstack: func() ProducerCaptureEvent { return &ThreadStateSliceCallstack{} },
}

var clientEventTypes = map[protowire.Number]func() ClientCaptureEvent{
	fieldInternedCallstack:      func() ClientCaptureEvent { return &InternedCallstack{} },
	fieldSchedulingSlice:        func() ClientCaptureEvent { return &SchedulingSlice{} },
	fieldCallstackSample:        func() ClientCaptureEvent { return &CallstackSample{} },
	fieldFunctionCall:           func() ClientCaptureEvent { return &FunctionCall{} },
	fieldInternedString:         func() ClientCaptureEvent { return &InternedString{} },
	fieldGpuJob:                 func() ClientCaptureEvent { return &GpuJob{} },
	fieldGpuQueueSubmission:     func() ClientCaptureEvent { return &GpuQueueSubmission{} },
	fieldThreadName:             func() ClientCaptureEvent { return &ThreadName{} },
	fieldThreadNamesSnapshot:    func() ClientCaptureEvent { return &ThreadNamesSnapshot{} },
	fieldThreadStateSlice:       func() ClientCaptureEvent { return &ThreadStateSlice{} },
	fieldAddressInfo:            func() ClientCaptureEvent { return &AddressInfo{} },
	fieldInternedTracepointInfo: func() ClientCaptureEvent { return &InternedTracepointInfo{} },
	fieldTracepointEvent:        func() ClientCaptureEvent { return &TracepointEvent{} },
	fieldModuleUpdateEvent:      func() ClientCaptureEvent { return &ModuleUpdateEvent{} },
	fieldModulesSnapshot:        func() ClientCaptureEvent { return &ModulesSnapshot{} },
	fieldIntrospectionScope:     func() ClientCaptureEvent { return &IntrospectionScope{} },
	fieldMemoryUsageEvent:       func() ClientCaptureEvent { return &MemoryUsageEvent{} },
	fieldCaptureStarted:         func() ClientCaptureEvent { return &CaptureStarted{} },
	fieldCaptureFinished:        func() ClientCaptureEvent { return &CaptureFinished{} },
	fieldClockResolutionEvent:   func() ClientCaptureEvent { return &ClockResolutionEvent{} },
	fieldWarningEvent:           func() ClientCaptureEvent { return &WarningEvent{} },
	fieldLostPerfRecordsEvent:   func() ClientCaptureEvent { return &LostPerfRecordsEvent{} },
}

// eventEnvelope is the oneof wrapper every event travels in.
type eventEnvelope[E captureEvent] struct {
	event E
	types map[protowire.Number]func() E
}

func (e *eventEnvelope[E]) appendFields(b []byte) []byte {
	return appendNested(b, e.event.eventField(), e.event)
}

func (e *eventEnvelope[E]) unmarshalField(num protowire.Number, f field) error {
	newEvent, ok := e.types[num]
	if !ok {
		return nil
	}
	ev := newEvent()
	if err := unmarshalMessage(f.bytes, ev); err != nil {
		return err
	}
	e.event = ev
	return nil
}

func appendEvent[E captureEvent](b []byte, num protowire.Number, event E) []byte {
	return appendNested(b, num, &eventEnvelope[E]{event: event})
}

// decodeEvent returns ok=false for envelopes that carry no case known to this
// version of the protocol.
func decodeEvent[E captureEvent](f field, types map[protowire.Number]func() E) (E, bool, error) {
	env := &eventEnvelope[E]{types: types}
	if err := unmarshalMessage(f.bytes, env); err != nil {
		return env.event, false, err
	}
	return env.event, any(env.event) != nil, nil
}
