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

// CallstackType tells whether a callstack was unwound completely, and if not,
// why.
type CallstackType int32

const (
	CallstackTypeComplete                          CallstackType = 0
	CallstackTypeDwarfUnwindingError               CallstackType = 1
	CallstackTypeFramePointerUnwindingError        CallstackType = 2
	CallstackTypeInUprobes                         CallstackType = 3
	CallstackTypeInUserSpaceInstrumentation        CallstackType = 4
	CallstackTypeCallstackPatchingFailed           CallstackType = 5
	CallstackTypeStackTopForDwarfUnwindingTooSmall CallstackType = 6
	CallstackTypeStackTopDwarfUnwindingError       CallstackType = 7
)

type Callstack struct {
	Pcs  []uint64
	Type CallstackType
}

func (c *Callstack) appendFields(b []byte) []byte {
	b = appendPackedUint64s(b, 1, c.Pcs)
	return appendInt32(b, 2, int32(c.Type))
}

func (c *Callstack) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		c.Pcs, err = f.appendUint64s(c.Pcs)
	case 2:
		c.Type = CallstackType(f.int32())
	}
	return err
}

type SchedulingSlice struct {
	Pid            uint32
	Tid            uint32
	Core           int32
	DurationNs     uint64
	OutTimestampNs uint64
}

func (*SchedulingSlice) eventField() protowire.Number { return fieldSchedulingSlice }
func (*SchedulingSlice) isProducerCaptureEvent()      {}
func (*SchedulingSlice) isClientCaptureEvent()        {}

func (s *SchedulingSlice) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, s.Pid)
	b = appendUint32(b, 2, s.Tid)
	b = appendInt32(b, 3, s.Core)
	b = appendUint64(b, 4, s.DurationNs)
	return appendUint64(b, 5, s.OutTimestampNs)
}

func (s *SchedulingSlice) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		s.Pid = f.uint32()
	case 2:
		s.Tid = f.uint32()
	case 3:
		s.Core = f.int32()
	case 4:
		s.DurationNs = f.uint64()
	case 5:
		s.OutTimestampNs = f.uint64()
	}
	return nil
}

// FullCallstackSample carries its program counters inline.
type FullCallstackSample struct {
	Pid         uint32
	Tid         uint32
	TimestampNs uint64
	Callstack   *Callstack
}

func (*FullCallstackSample) eventField() protowire.Number { return fieldFullCallstackSample }
func (*FullCallstackSample) isProducerCaptureEvent()      {}

func (s *FullCallstackSample) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, s.Pid)
	b = appendUint32(b, 2, s.Tid)
	b = appendUint64(b, 3, s.TimestampNs)
	return appendMessage(b, 4, s.Callstack)
}

func (s *FullCallstackSample) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		s.Pid = f.uint32()
	case 2:
		s.Tid = f.uint32()
	case 3:
		s.TimestampNs = f.uint64()
	case 4:
		s.Callstack, err = decodeMessage[Callstack](f)
	}
	return err
}

// InternedCallstack declares Key as the id of Intern. Coming from a producer
// the key lives in the producer's key space, going to the client it is global.
type InternedCallstack struct {
	Key    uint64
	Intern *Callstack
}

func (*InternedCallstack) eventField() protowire.Number { return fieldInternedCallstack }
func (*InternedCallstack) isProducerCaptureEvent()      {}
func (*InternedCallstack) isClientCaptureEvent()        {}

func (c *InternedCallstack) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, c.Key)
	return appendMessage(b, 2, c.Intern)
}

func (c *InternedCallstack) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		c.Key = f.uint64()
	case 2:
		c.Intern, err = decodeMessage[Callstack](f)
	}
	return err
}

// CallstackSample refers to a previously interned callstack.
type CallstackSample struct {
	Pid         uint32
	Tid         uint32
	TimestampNs uint64
	CallstackID uint64
}

func (*CallstackSample) eventField() protowire.Number { return fieldCallstackSample }
func (*CallstackSample) isProducerCaptureEvent()      {}
func (*CallstackSample) isClientCaptureEvent()        {}

func (s *CallstackSample) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, s.Pid)
	b = appendUint32(b, 2, s.Tid)
	b = appendUint64(b, 3, s.TimestampNs)
	return appendUint64(b, 4, s.CallstackID)
}

func (s *CallstackSample) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		s.Pid = f.uint32()
	case 2:
		s.Tid = f.uint32()
	case 3:
		s.TimestampNs = f.uint64()
	case 4:
		s.CallstackID = f.uint64()
	}
	return nil
}

type FunctionCall struct {
	Pid            uint32
	Tid            uint32
	FunctionID     uint64
	DurationNs     uint64
	EndTimestampNs uint64
	Depth          int32
	ReturnValue    uint64
	Registers      []uint64
}

func (*FunctionCall) eventField() protowire.Number { return fieldFunctionCall }
func (*FunctionCall) isProducerCaptureEvent()      {}
func (*FunctionCall) isClientCaptureEvent()        {}

func (c *FunctionCall) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, c.Pid)
	b = appendUint32(b, 2, c.Tid)
	b = appendUint64(b, 3, c.FunctionID)
	b = appendUint64(b, 4, c.DurationNs)
	b = appendUint64(b, 5, c.EndTimestampNs)
	b = appendInt32(b, 6, c.Depth)
	b = appendUint64(b, 7, c.ReturnValue)
	return appendPackedUint64s(b, 8, c.Registers)
}

func (c *FunctionCall) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		c.Pid = f.uint32()
	case 2:
		c.Tid = f.uint32()
	case 3:
		c.FunctionID = f.uint64()
	case 4:
		c.DurationNs = f.uint64()
	case 5:
		c.EndTimestampNs = f.uint64()
	case 6:
		c.Depth = f.int32()
	case 7:
		c.ReturnValue = f.uint64()
	case 8:
		c.Registers, err = f.appendUint64s(c.Registers)
	}
	return err
}

// IntrospectionScope is a scope of the service instrumenting itself.
type IntrospectionScope struct {
	Pid            uint32
	Tid            uint32
	DurationNs     uint64
	EndTimestampNs uint64
	Depth          int32
	Registers      []uint64
}

func (*IntrospectionScope) eventField() protowire.Number { return fieldIntrospectionScope }
func (*IntrospectionScope) isProducerCaptureEvent()      {}
func (*IntrospectionScope) isClientCaptureEvent()        {}

func (s *IntrospectionScope) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, s.Pid)
	b = appendUint32(b, 2, s.Tid)
	b = appendUint64(b, 3, s.DurationNs)
	b = appendUint64(b, 4, s.EndTimestampNs)
	b = appendInt32(b, 5, s.Depth)
	return appendPackedUint64s(b, 6, s.Registers)
}

func (s *IntrospectionScope) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		s.Pid = f.uint32()
	case 2:
		s.Tid = f.uint32()
	case 3:
		s.DurationNs = f.uint64()
	case 4:
		s.EndTimestampNs = f.uint64()
	case 5:
		s.Depth = f.int32()
	case 6:
		s.Registers, err = f.appendUint64s(s.Registers)
	}
	return err
}

type ThreadName struct {
	Pid         uint32
	Tid         uint32
	Name        string
	TimestampNs uint64
}

func (*ThreadName) eventField() protowire.Number { return fieldThreadName }
func (*ThreadName) isProducerCaptureEvent()      {}
func (*ThreadName) isClientCaptureEvent()        {}

func (n *ThreadName) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, n.Pid)
	b = appendUint32(b, 2, n.Tid)
	b = appendString(b, 3, n.Name)
	return appendUint64(b, 4, n.TimestampNs)
}

func (n *ThreadName) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		n.Pid = f.uint32()
	case 2:
		n.Tid = f.uint32()
	case 3:
		n.Name = f.string()
	case 4:
		n.TimestampNs = f.uint64()
	}
	return nil
}

// ThreadNamesSnapshot lists the names of all threads of the target at the
// start of a capture.
type ThreadNamesSnapshot struct {
	TimestampNs uint64
	ThreadNames []*ThreadName
}

func (*ThreadNamesSnapshot) eventField() protowire.Number { return fieldThreadNamesSnapshot }
func (*ThreadNamesSnapshot) isProducerCaptureEvent()      {}
func (*ThreadNamesSnapshot) isClientCaptureEvent()        {}

func (s *ThreadNamesSnapshot) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, s.TimestampNs)
	for _, n := range s.ThreadNames {
		b = appendNested(b, 2, n)
	}
	return b
}

func (s *ThreadNamesSnapshot) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		s.TimestampNs = f.uint64()
	case 2:
		n, err := decodeMessage[ThreadName](f)
		if err != nil {
			return err
		}
		s.ThreadNames = append(s.ThreadNames, n)
	}
	return nil
}

type ThreadState int32

const (
	ThreadStateRunning ThreadState = iota
	ThreadStateRunnable
	ThreadStateInterruptibleSleep
	ThreadStateUninterruptibleSleep
	ThreadStateStopped
	ThreadStateTraced
	ThreadStateDead
	ThreadStateZombie
	ThreadStateParked
	ThreadStateIdle
)

// CallstackStatus tells whether a ThreadStateSlice carries the callstack
// taken when its thread was switched out or woken up.
type CallstackStatus int32

const (
	NoCallstack CallstackStatus = iota
	// WaitingForCallstack is only sent by producers: the callstack arrives
	// separately as a ThreadStateSliceCallstack.
	WaitingForCallstack
	CallstackSet
)

func (s CallstackStatus) String() string {
	switch s {
	case NoCallstack:
		return "no_callstack"
	case WaitingForCallstack:
		return "waiting_for_callstack"
	case CallstackSet:
		return "callstack_set"
	default:
		return "unknown"
	}
}

type ThreadStateSlice struct {
	Pid            uint32
	Tid            uint32
	ThreadState    ThreadState
	DurationNs     uint64
	EndTimestampNs uint64
	WakeupTid      uint32
	WakeupPid      uint32

	SwitchOutOrWakeupCallstackStatus CallstackStatus
	// SwitchOutOrWakeupCallstackID is a global callstack id, set when the
	// status is CallstackSet.
	SwitchOutOrWakeupCallstackID uint64
}

// BeginTimestampNs is the timestamp a ThreadStateSliceCallstack for this
// slice carries.
func (s *ThreadStateSlice) BeginTimestampNs() uint64 {
	return s.EndTimestampNs - s.DurationNs
}

func (*ThreadStateSlice) eventField() protowire.Number { return fieldThreadStateSlice }
func (*ThreadStateSlice) isProducerCaptureEvent()      {}
func (*ThreadStateSlice) isClientCaptureEvent()        {}

func (s *ThreadStateSlice) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, s.Pid)
	b = appendUint32(b, 2, s.Tid)
	b = appendInt32(b, 3, int32(s.ThreadState))
	b = appendUint64(b, 4, s.DurationNs)
	b = appendUint64(b, 5, s.EndTimestampNs)
	b = appendUint32(b, 6, s.WakeupTid)
	b = appendUint32(b, 7, s.WakeupPid)
	b = appendInt32(b, 8, int32(s.SwitchOutOrWakeupCallstackStatus))
	return appendUint64(b, 9, s.SwitchOutOrWakeupCallstackID)
}

func (s *ThreadStateSlice) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		s.Pid = f.uint32()
	case 2:
		s.Tid = f.uint32()
	case 3:
		s.ThreadState = ThreadState(f.int32())
	case 4:
		s.DurationNs = f.uint64()
	case 5:
		s.EndTimestampNs = f.uint64()
	case 6:
		s.WakeupTid = f.uint32()
	case 7:
		s.WakeupPid = f.uint32()
	case 8:
		s.SwitchOutOrWakeupCallstackStatus = CallstackStatus(f.int32())
	case 9:
		s.SwitchOutOrWakeupCallstackID = f.uint64()
	}
	return nil
}

// ThreadStateSliceCallstack is the callstack of the thread state slice of
// ThreadStateSliceTid beginning at TimestampNs. It is always sent before
// that slice. Producer only.
type ThreadStateSliceCallstack struct {
	ThreadStateSliceTid uint32
	TimestampNs         uint64
	Callstack           *Callstack
}

func (*ThreadStateSliceCallstack) eventField() protowire.Number {
	return fieldThreadStateSliceCallstack
}
func (*ThreadStateSliceCallstack) isProducerCaptureEvent() {}

func (c *ThreadStateSliceCallstack) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, c.ThreadStateSliceTid)
	b = appendUint64(b, 2, c.TimestampNs)
	return appendMessage(b, 3, c.Callstack)
}

func (c *ThreadStateSliceCallstack) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		c.ThreadStateSliceTid = f.uint32()
	case 2:
		c.TimestampNs = f.uint64()
	case 3:
		c.Callstack, err = decodeMessage[Callstack](f)
	}
	return err
}
