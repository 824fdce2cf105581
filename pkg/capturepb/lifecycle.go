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

// Producer ids of the producers living inside the service. External producers
// are numbered from FirstExternalProducerID upward.
const (
	RootProducerID          uint64 = 1
	LinuxTracingProducerID  uint64 = 2
	IntrospectionProducerID uint64 = 3
	MemoryInfoProducerID    uint64 = 4

	FirstExternalProducerID uint64 = 100
)

// CaptureStarted is the first event of every capture.
type CaptureStarted struct {
	ProcessID               uint32
	ExecutablePath          string
	ExecutableBuildID       string
	CaptureStartUnixTimeNs  uint64
	CaptureStartTimestampNs uint64
	VersionMajor            uint32
	VersionMinor            uint32
	CaptureOptions          *CaptureOptions
}

func (*CaptureStarted) eventField() protowire.Number { return fieldCaptureStarted }
func (*CaptureStarted) isProducerCaptureEvent()      {}
func (*CaptureStarted) isClientCaptureEvent()        {}

func (e *CaptureStarted) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, e.ProcessID)
	b = appendString(b, 2, e.ExecutablePath)
	b = appendString(b, 3, e.ExecutableBuildID)
	b = appendUint64(b, 4, e.CaptureStartUnixTimeNs)
	b = appendUint64(b, 5, e.CaptureStartTimestampNs)
	b = appendUint32(b, 6, e.VersionMajor)
	b = appendUint32(b, 7, e.VersionMinor)
	return appendMessage(b, 8, e.CaptureOptions)
}

func (e *CaptureStarted) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		e.ProcessID = f.uint32()
	case 2:
		e.ExecutablePath = f.string()
	case 3:
		e.ExecutableBuildID = f.string()
	case 4:
		e.CaptureStartUnixTimeNs = f.uint64()
	case 5:
		e.CaptureStartTimestampNs = f.uint64()
	case 6:
		e.VersionMajor = f.uint32()
	case 7:
		e.VersionMinor = f.uint32()
	case 8:
		e.CaptureOptions, err = decodeMessage[CaptureOptions](f)
	}
	return err
}

type CaptureFinishedStatus int32

const (
	CaptureFinishedSuccessful           CaptureFinishedStatus = 0
	CaptureFinishedInterruptedByService CaptureFinishedStatus = 1
	CaptureFinishedFailed               CaptureFinishedStatus = 2
)

func (s CaptureFinishedStatus) String() string {
	switch s {
	case CaptureFinishedSuccessful:
		return "successful"
	case CaptureFinishedInterruptedByService:
		return "interrupted_by_service"
	case CaptureFinishedFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProcessState is what became of the target by the end of a capture.
type ProcessState int32

const (
	// ProcessStateUnknown is reported when there is no target or its state
	// could not be read.
	ProcessStateUnknown ProcessState = 0
	ProcessStateRunning ProcessState = 1
	ProcessStateEnded   ProcessState = 2
)

func (s ProcessState) String() string {
	switch s {
	case ProcessStateRunning:
		return "running"
	case ProcessStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// TerminationSignal is the signal that ended the target, when known.
type TerminationSignal int32

const (
	TerminationSignalUnspecified   TerminationSignal = 0
	TerminationSignalInternalError TerminationSignal = -1
)

// CaptureFinished is the last event of every capture. It is added by the
// service itself and never comes from a producer.
type CaptureFinished struct {
	Status       CaptureFinishedStatus
	ErrorMessage string

	TargetProcessState             ProcessState
	TargetProcessTerminationSignal TerminationSignal
}

func (*CaptureFinished) eventField() protowire.Number { return fieldCaptureFinished }
func (*CaptureFinished) isClientCaptureEvent()        {}

func (e *CaptureFinished) appendFields(b []byte) []byte {
	b = appendInt32(b, 1, int32(e.Status))
	b = appendString(b, 2, e.ErrorMessage)
	b = appendInt32(b, 3, int32(e.TargetProcessState))
	return appendInt32(b, 4, int32(e.TargetProcessTerminationSignal))
}

func (e *CaptureFinished) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		e.Status = CaptureFinishedStatus(f.int32())
	case 2:
		e.ErrorMessage = f.string()
	case 3:
		e.TargetProcessState = ProcessState(f.int32())
	case 4:
		e.TargetProcessTerminationSignal = TerminationSignal(f.int32())
	}
	return nil
}

type ClockResolutionEvent struct {
	TimestampNs       uint64
	ClockResolutionNs uint64
}

func (*ClockResolutionEvent) eventField() protowire.Number { return fieldClockResolutionEvent }
func (*ClockResolutionEvent) isProducerCaptureEvent()      {}
func (*ClockResolutionEvent) isClientCaptureEvent()        {}

func (e *ClockResolutionEvent) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, e.TimestampNs)
	return appendUint64(b, 2, e.ClockResolutionNs)
}

func (e *ClockResolutionEvent) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		e.TimestampNs = f.uint64()
	case 2:
		e.ClockResolutionNs = f.uint64()
	}
	return nil
}

type WarningEvent struct {
	TimestampNs uint64
	Message     string
}

func (*WarningEvent) eventField() protowire.Number { return fieldWarningEvent }
func (*WarningEvent) isProducerCaptureEvent()      {}
func (*WarningEvent) isClientCaptureEvent()        {}

func (e *WarningEvent) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, e.TimestampNs)
	return appendString(b, 2, e.Message)
}

func (e *WarningEvent) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		e.TimestampNs = f.uint64()
	case 2:
		e.Message = f.string()
	}
	return nil
}

// LostPerfRecordsEvent reports a span of time in which the tracer lost data.
type LostPerfRecordsEvent struct {
	DurationNs     uint64
	EndTimestampNs uint64
}

func (*LostPerfRecordsEvent) eventField() protowire.Number { return fieldLostPerfRecordsEvent }
func (*LostPerfRecordsEvent) isProducerCaptureEvent()      {}
func (*LostPerfRecordsEvent) isClientCaptureEvent()        {}

func (e *LostPerfRecordsEvent) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, e.DurationNs)
	return appendUint64(b, 2, e.EndTimestampNs)
}

func (e *LostPerfRecordsEvent) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		e.DurationNs = f.uint64()
	case 2:
		e.EndTimestampNs = f.uint64()
	}
	return nil
}
