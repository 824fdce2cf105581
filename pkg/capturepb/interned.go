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

type InternedString struct {
	Key    uint64
	Intern string
}

func (*InternedString) eventField() protowire.Number { return fieldInternedString }
func (*InternedString) isProducerCaptureEvent()      {}
func (*InternedString) isClientCaptureEvent()        {}

func (s *InternedString) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, s.Key)
	return appendString(b, 2, s.Intern)
}

func (s *InternedString) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		s.Key = f.uint64()
	case 2:
		s.Intern = f.string()
	}
	return nil
}

type InternedTracepointInfo struct {
	Key    uint64
	Intern *TracepointInfo
}

func (*InternedTracepointInfo) eventField() protowire.Number { return fieldInternedTracepointInfo }
func (*InternedTracepointInfo) isProducerCaptureEvent()      {}
func (*InternedTracepointInfo) isClientCaptureEvent()        {}

func (t *InternedTracepointInfo) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, t.Key)
	return appendMessage(b, 2, t.Intern)
}

func (t *InternedTracepointInfo) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		t.Key = f.uint64()
	case 2:
		t.Intern, err = decodeMessage[TracepointInfo](f)
	}
	return err
}

// FullTracepointEvent names its tracepoint inline.
type FullTracepointEvent struct {
	Pid            uint32
	Tid            uint32
	TimestampNs    uint64
	Cpu            int32
	TracepointInfo *TracepointInfo
}

func (*FullTracepointEvent) eventField() protowire.Number { return fieldFullTracepointEvent }
func (*FullTracepointEvent) isProducerCaptureEvent()      {}

func (e *FullTracepointEvent) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, e.Pid)
	b = appendUint32(b, 2, e.Tid)
	b = appendUint64(b, 3, e.TimestampNs)
	b = appendInt32(b, 4, e.Cpu)
	return appendMessage(b, 5, e.TracepointInfo)
}

func (e *FullTracepointEvent) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		e.Pid = f.uint32()
	case 2:
		e.Tid = f.uint32()
	case 3:
		e.TimestampNs = f.uint64()
	case 4:
		e.Cpu = f.int32()
	case 5:
		e.TracepointInfo, err = decodeMessage[TracepointInfo](f)
	}
	return err
}

// TracepointEvent refers to an interned tracepoint.
type TracepointEvent struct {
	Pid               uint32
	Tid               uint32
	TimestampNs       uint64
	Cpu               int32
	TracepointInfoKey uint64
}

func (*TracepointEvent) eventField() protowire.Number { return fieldTracepointEvent }
func (*TracepointEvent) isProducerCaptureEvent()      {}
func (*TracepointEvent) isClientCaptureEvent()        {}

func (e *TracepointEvent) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, e.Pid)
	b = appendUint32(b, 2, e.Tid)
	b = appendUint64(b, 3, e.TimestampNs)
	b = appendInt32(b, 4, e.Cpu)
	return appendUint64(b, 5, e.TracepointInfoKey)
}

func (e *TracepointEvent) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		e.Pid = f.uint32()
	case 2:
		e.Tid = f.uint32()
	case 3:
		e.TimestampNs = f.uint64()
	case 4:
		e.Cpu = f.int32()
	case 5:
		e.TracepointInfoKey = f.uint64()
	}
	return nil
}

// FullAddressInfo carries the symbol of an address inline.
type FullAddressInfo struct {
	AbsoluteAddress  uint64
	FunctionName     string
	OffsetInFunction uint64
	ModuleName       string
}

func (*FullAddressInfo) eventField() protowire.Number { return fieldFullAddressInfo }
func (*FullAddressInfo) isProducerCaptureEvent()      {}

func (a *FullAddressInfo) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, a.AbsoluteAddress)
	b = appendString(b, 2, a.FunctionName)
	b = appendUint64(b, 3, a.OffsetInFunction)
	return appendString(b, 4, a.ModuleName)
}

func (a *FullAddressInfo) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		a.AbsoluteAddress = f.uint64()
	case 2:
		a.FunctionName = f.string()
	case 3:
		a.OffsetInFunction = f.uint64()
	case 4:
		a.ModuleName = f.string()
	}
	return nil
}

// AddressInfo refers to function and module names through interned strings.
type AddressInfo struct {
	AbsoluteAddress  uint64
	FunctionNameKey  uint64
	OffsetInFunction uint64
	ModuleNameKey    uint64
}

func (*AddressInfo) eventField() protowire.Number { return fieldAddressInfo }
func (*AddressInfo) isClientCaptureEvent()        {}

func (a *AddressInfo) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, a.AbsoluteAddress)
	b = appendUint64(b, 2, a.FunctionNameKey)
	b = appendUint64(b, 3, a.OffsetInFunction)
	return appendUint64(b, 4, a.ModuleNameKey)
}

func (a *AddressInfo) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		a.AbsoluteAddress = f.uint64()
	case 2:
		a.FunctionNameKey = f.uint64()
	case 3:
		a.OffsetInFunction = f.uint64()
	case 4:
		a.ModuleNameKey = f.uint64()
	}
	return nil
}

type ModuleInfo struct {
	Name                    string
	FilePath                string
	FileSize                uint64
	AddressStart            uint64
	AddressEnd              uint64
	BuildID                 string
	LoadBias                uint64
	ExecutableSegmentOffset uint64
}

func (m *ModuleInfo) appendFields(b []byte) []byte {
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.FilePath)
	b = appendUint64(b, 3, m.FileSize)
	b = appendUint64(b, 4, m.AddressStart)
	b = appendUint64(b, 5, m.AddressEnd)
	b = appendString(b, 6, m.BuildID)
	b = appendUint64(b, 7, m.LoadBias)
	return appendUint64(b, 8, m.ExecutableSegmentOffset)
}

func (m *ModuleInfo) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		m.Name = f.string()
	case 2:
		m.FilePath = f.string()
	case 3:
		m.FileSize = f.uint64()
	case 4:
		m.AddressStart = f.uint64()
	case 5:
		m.AddressEnd = f.uint64()
	case 6:
		m.BuildID = f.string()
	case 7:
		m.LoadBias = f.uint64()
	case 8:
		m.ExecutableSegmentOffset = f.uint64()
	}
	return nil
}

type ModuleUpdateEvent struct {
	Pid         uint32
	TimestampNs uint64
	Module      *ModuleInfo
}

func (*ModuleUpdateEvent) eventField() protowire.Number { return fieldModuleUpdateEvent }
func (*ModuleUpdateEvent) isProducerCaptureEvent()      {}
func (*ModuleUpdateEvent) isClientCaptureEvent()        {}

func (e *ModuleUpdateEvent) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, e.Pid)
	b = appendUint64(b, 2, e.TimestampNs)
	return appendMessage(b, 3, e.Module)
}

func (e *ModuleUpdateEvent) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		e.Pid = f.uint32()
	case 2:
		e.TimestampNs = f.uint64()
	case 3:
		e.Module, err = decodeMessage[ModuleInfo](f)
	}
	return err
}

type ModulesSnapshot struct {
	Pid         uint32
	TimestampNs uint64
	Modules     []*ModuleInfo
}

func (*ModulesSnapshot) eventField() protowire.Number { return fieldModulesSnapshot }
func (*ModulesSnapshot) isProducerCaptureEvent()      {}
func (*ModulesSnapshot) isClientCaptureEvent()        {}

func (s *ModulesSnapshot) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, s.Pid)
	b = appendUint64(b, 2, s.TimestampNs)
	for _, m := range s.Modules {
		b = appendNested(b, 3, m)
	}
	return b
}

func (s *ModulesSnapshot) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		s.Pid = f.uint32()
	case 2:
		s.TimestampNs = f.uint64()
	case 3:
		m, err := decodeMessage[ModuleInfo](f)
		if err != nil {
			return err
		}
		s.Modules = append(s.Modules, m)
	}
	return nil
}
