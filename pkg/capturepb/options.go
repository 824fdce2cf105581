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
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/encoding/protowire"
)

type UnwindingMethod int32

const (
	UnwindingMethodUndefined     UnwindingMethod = 0
	UnwindingMethodFramePointers UnwindingMethod = 1
	UnwindingMethodDwarf         UnwindingMethod = 2
)

func (m UnwindingMethod) String() string {
	switch m {
	case UnwindingMethodFramePointers:
		return "frame_pointers"
	case UnwindingMethodDwarf:
		return "dwarf"
	default:
		return "undefined"
	}
}

type DynamicInstrumentationMethod int32

const (
	DynamicInstrumentationMethodUndefined DynamicInstrumentationMethod = 0
	DynamicInstrumentationMethodUprobes   DynamicInstrumentationMethod = 1
	DynamicInstrumentationMethodOrbit     DynamicInstrumentationMethod = 2
)

func (m DynamicInstrumentationMethod) String() string {
	switch m {
	case DynamicInstrumentationMethodUprobes:
		return "uprobes"
	case DynamicInstrumentationMethodOrbit:
		return "orbit"
	default:
		return "undefined"
	}
}

// CaptureOptions is sent by the client in the first CaptureRequest and
// forwarded to every producer taking part in the capture.
type CaptureOptions struct {
	TargetPid                           uint32
	SamplingRateHz                      float64
	UnwindingMethod                     UnwindingMethod
	StackDumpSize                       uint32
	CollectSchedulingInfo               bool
	CollectThreadStates                 bool
	CollectGpuSubmissions               bool
	EnableIntrospection                 bool
	DynamicInstrumentationMethod        DynamicInstrumentationMethod
	CollectMemoryInfo                   bool
	MemorySamplingPeriodNs              uint64
	EnableCgroupMemory                  bool
	SelectedFunctions                   map[uint64]*FunctionInfo
	InstrumentedTracepoints             []*TracepointInfo
	MaxLocalMarkerDepthPerCommandBuffer uint64
}

// Clone returns a deep copy of o.
func (o *CaptureOptions) Clone() *CaptureOptions {
	if o == nil {
		return nil
	}
	c := *o
	if o.SelectedFunctions != nil {
		c.SelectedFunctions = make(map[uint64]*FunctionInfo, len(o.SelectedFunctions))
		for id, fn := range o.SelectedFunctions {
			f := *fn
			c.SelectedFunctions[id] = &f
		}
	}
	if o.InstrumentedTracepoints != nil {
		c.InstrumentedTracepoints = make([]*TracepointInfo, 0, len(o.InstrumentedTracepoints))
		for _, tp := range o.InstrumentedTracepoints {
			t := *tp
			c.InstrumentedTracepoints = append(c.InstrumentedTracepoints, &t)
		}
	}
	return &c
}

func (o *CaptureOptions) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, o.TargetPid)
	b = appendDouble(b, 2, o.SamplingRateHz)
	b = appendInt32(b, 3, int32(o.UnwindingMethod))
	b = appendUint32(b, 4, o.StackDumpSize)
	b = appendBool(b, 5, o.CollectSchedulingInfo)
	b = appendBool(b, 6, o.CollectThreadStates)
	b = appendBool(b, 7, o.CollectGpuSubmissions)
	b = appendBool(b, 8, o.EnableIntrospection)
	b = appendInt32(b, 9, int32(o.DynamicInstrumentationMethod))
	b = appendBool(b, 10, o.CollectMemoryInfo)
	b = appendUint64(b, 11, o.MemorySamplingPeriodNs)
	b = appendBool(b, 12, o.EnableCgroupMemory)

	// Map entries are written in key order so that encoding is deterministic.
	ids := maps.Keys(o.SelectedFunctions)
	slices.Sort(ids)
	for _, id := range ids {
		b = appendNested(b, 13, &selectedFunctionEntry{key: id, value: o.SelectedFunctions[id]})
	}
	for _, tp := range o.InstrumentedTracepoints {
		b = appendNested(b, 14, tp)
	}
	b = appendUint64(b, 15, o.MaxLocalMarkerDepthPerCommandBuffer)
	return b
}

func (o *CaptureOptions) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		o.TargetPid = f.uint32()
	case 2:
		o.SamplingRateHz = f.double()
	case 3:
		o.UnwindingMethod = UnwindingMethod(f.int32())
	case 4:
		o.StackDumpSize = f.uint32()
	case 5:
		o.CollectSchedulingInfo = f.bool()
	case 6:
		o.CollectThreadStates = f.bool()
	case 7:
		o.CollectGpuSubmissions = f.bool()
	case 8:
		o.EnableIntrospection = f.bool()
	case 9:
		o.DynamicInstrumentationMethod = DynamicInstrumentationMethod(f.int32())
	case 10:
		o.CollectMemoryInfo = f.bool()
	case 11:
		o.MemorySamplingPeriodNs = f.uint64()
	case 12:
		o.EnableCgroupMemory = f.bool()
	case 13:
		e, err := decodeMessage[selectedFunctionEntry](f)
		if err != nil {
			return err
		}
		if o.SelectedFunctions == nil {
			o.SelectedFunctions = map[uint64]*FunctionInfo{}
		}
		if e.value == nil {
			e.value = &FunctionInfo{}
		}
		o.SelectedFunctions[e.key] = e.value
	case 14:
		tp, err := decodeMessage[TracepointInfo](f)
		if err != nil {
			return err
		}
		o.InstrumentedTracepoints = append(o.InstrumentedTracepoints, tp)
	case 15:
		o.MaxLocalMarkerDepthPerCommandBuffer = f.uint64()
	}
	return nil
}

type selectedFunctionEntry struct {
	key   uint64
	value *FunctionInfo
}

func (e *selectedFunctionEntry) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, e.key)
	return appendMessage(b, 2, e.value)
}

func (e *selectedFunctionEntry) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		e.key = f.uint64()
	case 2:
		v, err := decodeMessage[FunctionInfo](f)
		if err != nil {
			return err
		}
		e.value = v
	}
	return nil
}

// FunctionInfo describes a function selected for dynamic instrumentation.
type FunctionInfo struct {
	FilePath          string
	FileOffset        uint64
	FunctionSize      uint64
	FunctionName      string
	RecordArguments   bool
	RecordReturnValue bool
}

func (fi *FunctionInfo) appendFields(b []byte) []byte {
	b = appendString(b, 1, fi.FilePath)
	b = appendUint64(b, 2, fi.FileOffset)
	b = appendUint64(b, 3, fi.FunctionSize)
	b = appendString(b, 4, fi.FunctionName)
	b = appendBool(b, 5, fi.RecordArguments)
	return appendBool(b, 6, fi.RecordReturnValue)
}

func (fi *FunctionInfo) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		fi.FilePath = f.string()
	case 2:
		fi.FileOffset = f.uint64()
	case 3:
		fi.FunctionSize = f.uint64()
	case 4:
		fi.FunctionName = f.string()
	case 5:
		fi.RecordArguments = f.bool()
	case 6:
		fi.RecordReturnValue = f.bool()
	}
	return nil
}

type TracepointInfo struct {
	Category string
	Name     string
}

func (t *TracepointInfo) appendFields(b []byte) []byte {
	b = appendString(b, 1, t.Category)
	return appendString(b, 2, t.Name)
}

func (t *TracepointInfo) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		t.Category = f.string()
	case 2:
		t.Name = f.string()
	}
	return nil
}
