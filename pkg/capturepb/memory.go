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

// MissingInfo marks a memory counter that could not be read.
const MissingInfo int64 = -1

type SystemMemoryUsage struct {
	TimestampNs uint64
	TotalKb     int64
	FreeKb      int64
	AvailableKb int64
	BuffersKb   int64
	CachedKb    int64
	Pgfault     int64
	Pgmajfault  int64
}

// NewSystemMemoryUsage returns a sample with every counter set to MissingInfo.
func NewSystemMemoryUsage() *SystemMemoryUsage {
	return &SystemMemoryUsage{
		TotalKb:     MissingInfo,
		FreeKb:      MissingInfo,
		AvailableKb: MissingInfo,
		BuffersKb:   MissingInfo,
		CachedKb:    MissingInfo,
		Pgfault:     MissingInfo,
		Pgmajfault:  MissingInfo,
	}
}

func (u *SystemMemoryUsage) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, u.TimestampNs)
	b = appendInt64(b, 2, u.TotalKb)
	b = appendInt64(b, 3, u.FreeKb)
	b = appendInt64(b, 4, u.AvailableKb)
	b = appendInt64(b, 5, u.BuffersKb)
	b = appendInt64(b, 6, u.CachedKb)
	b = appendInt64(b, 7, u.Pgfault)
	return appendInt64(b, 8, u.Pgmajfault)
}

func (u *SystemMemoryUsage) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		u.TimestampNs = f.uint64()
	case 2:
		u.TotalKb = f.int64()
	case 3:
		u.FreeKb = f.int64()
	case 4:
		u.AvailableKb = f.int64()
	case 5:
		u.BuffersKb = f.int64()
	case 6:
		u.CachedKb = f.int64()
	case 7:
		u.Pgfault = f.int64()
	case 8:
		u.Pgmajfault = f.int64()
	}
	return nil
}

type CGroupMemoryUsage struct {
	TimestampNs       uint64
	CgroupName        string
	LimitBytes        int64
	RssBytes          int64
	MappedFileBytes   int64
	Pgfault           int64
	Pgmajfault        int64
	UnevictableBytes  int64
	InactiveAnonBytes int64
	ActiveAnonBytes   int64
	InactiveFileBytes int64
	ActiveFileBytes   int64
}

// NewCGroupMemoryUsage returns a sample with every counter set to MissingInfo.
func NewCGroupMemoryUsage() *CGroupMemoryUsage {
	return &CGroupMemoryUsage{
		LimitBytes:        MissingInfo,
		RssBytes:          MissingInfo,
		MappedFileBytes:   MissingInfo,
		Pgfault:           MissingInfo,
		Pgmajfault:        MissingInfo,
		UnevictableBytes:  MissingInfo,
		InactiveAnonBytes: MissingInfo,
		ActiveAnonBytes:   MissingInfo,
		InactiveFileBytes: MissingInfo,
		ActiveFileBytes:   MissingInfo,
	}
}

func (u *CGroupMemoryUsage) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, u.TimestampNs)
	b = appendString(b, 2, u.CgroupName)
	b = appendInt64(b, 3, u.LimitBytes)
	b = appendInt64(b, 4, u.RssBytes)
	b = appendInt64(b, 5, u.MappedFileBytes)
	b = appendInt64(b, 6, u.Pgfault)
	b = appendInt64(b, 7, u.Pgmajfault)
	b = appendInt64(b, 8, u.UnevictableBytes)
	b = appendInt64(b, 9, u.InactiveAnonBytes)
	b = appendInt64(b, 10, u.ActiveAnonBytes)
	b = appendInt64(b, 11, u.InactiveFileBytes)
	return appendInt64(b, 12, u.ActiveFileBytes)
}

func (u *CGroupMemoryUsage) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		u.TimestampNs = f.uint64()
	case 2:
		u.CgroupName = f.string()
	case 3:
		u.LimitBytes = f.int64()
	case 4:
		u.RssBytes = f.int64()
	case 5:
		u.MappedFileBytes = f.int64()
	case 6:
		u.Pgfault = f.int64()
	case 7:
		u.Pgmajfault = f.int64()
	case 8:
		u.UnevictableBytes = f.int64()
	case 9:
		u.InactiveAnonBytes = f.int64()
	case 10:
		u.ActiveAnonBytes = f.int64()
	case 11:
		u.InactiveFileBytes = f.int64()
	case 12:
		u.ActiveFileBytes = f.int64()
	}
	return nil
}

type ProcessMemoryUsage struct {
	TimestampNs uint64
	Pid         uint32
	Minflt      int64
	Majflt      int64
	RssAnonKb   int64
}

// NewProcessMemoryUsage returns a sample with every counter set to MissingInfo.
func NewProcessMemoryUsage() *ProcessMemoryUsage {
	return &ProcessMemoryUsage{
		Minflt:    MissingInfo,
		Majflt:    MissingInfo,
		RssAnonKb: MissingInfo,
	}
}

func (u *ProcessMemoryUsage) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, u.TimestampNs)
	b = appendUint32(b, 2, u.Pid)
	b = appendInt64(b, 3, u.Minflt)
	b = appendInt64(b, 4, u.Majflt)
	return appendInt64(b, 5, u.RssAnonKb)
}

func (u *ProcessMemoryUsage) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		u.TimestampNs = f.uint64()
	case 2:
		u.Pid = f.uint32()
	case 3:
		u.Minflt = f.int64()
	case 4:
		u.Majflt = f.int64()
	case 5:
		u.RssAnonKb = f.int64()
	}
	return nil
}

// MemoryUsageEvent combines the sub-samples of one synchronization window.
type MemoryUsageEvent struct {
	TimestampNs        uint64
	SystemMemoryUsage  *SystemMemoryUsage
	CgroupMemoryUsage  *CGroupMemoryUsage
	ProcessMemoryUsage *ProcessMemoryUsage
}

func (*MemoryUsageEvent) eventField() protowire.Number { return fieldMemoryUsageEvent }
func (*MemoryUsageEvent) isProducerCaptureEvent()      {}
func (*MemoryUsageEvent) isClientCaptureEvent()        {}

func (e *MemoryUsageEvent) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, e.TimestampNs)
	b = appendMessage(b, 2, e.SystemMemoryUsage)
	b = appendMessage(b, 3, e.CgroupMemoryUsage)
	return appendMessage(b, 4, e.ProcessMemoryUsage)
}

func (e *MemoryUsageEvent) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		e.TimestampNs = f.uint64()
	case 2:
		e.SystemMemoryUsage, err = decodeMessage[SystemMemoryUsage](f)
	case 3:
		e.CgroupMemoryUsage, err = decodeMessage[CGroupMemoryUsage](f)
	case 4:
		e.ProcessMemoryUsage, err = decodeMessage[ProcessMemoryUsage](f)
	}
	return err
}
