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

// GpuJobTimes holds the fields shared by FullGpuJob and GpuJob.
type GpuJobTimes struct {
	Pid                     uint32
	Tid                     uint32
	Context                 uint32
	Seqno                   uint32
	Depth                   int32
	AmdgpuCsIoctlTimeNs     uint64
	AmdgpuSchedRunJobTimeNs uint64
	GpuHardwareStartTimeNs  uint64
	DmaFenceSignaledTimeNs  uint64
}

func (j *GpuJobTimes) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, j.Pid)
	b = appendUint32(b, 2, j.Tid)
	b = appendUint32(b, 3, j.Context)
	b = appendUint32(b, 4, j.Seqno)
	b = appendInt32(b, 5, j.Depth)
	b = appendUint64(b, 6, j.AmdgpuCsIoctlTimeNs)
	b = appendUint64(b, 7, j.AmdgpuSchedRunJobTimeNs)
	b = appendUint64(b, 8, j.GpuHardwareStartTimeNs)
	return appendUint64(b, 9, j.DmaFenceSignaledTimeNs)
}

func (j *GpuJobTimes) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		j.Pid = f.uint32()
	case 2:
		j.Tid = f.uint32()
	case 3:
		j.Context = f.uint32()
	case 4:
		j.Seqno = f.uint32()
	case 5:
		j.Depth = f.int32()
	case 6:
		j.AmdgpuCsIoctlTimeNs = f.uint64()
	case 7:
		j.AmdgpuSchedRunJobTimeNs = f.uint64()
	case 8:
		j.GpuHardwareStartTimeNs = f.uint64()
	case 9:
		j.DmaFenceSignaledTimeNs = f.uint64()
	}
	return nil
}

// FullGpuJob names its timeline inline.
type FullGpuJob struct {
	GpuJobTimes
	Timeline string
}

func (*FullGpuJob) eventField() protowire.Number { return fieldFullGpuJob }
func (*FullGpuJob) isProducerCaptureEvent()      {}

func (j *FullGpuJob) appendFields(b []byte) []byte {
	b = j.GpuJobTimes.appendFields(b)
	return appendString(b, 10, j.Timeline)
}

func (j *FullGpuJob) unmarshalField(num protowire.Number, f field) error {
	if num == 10 {
		j.Timeline = f.string()
		return nil
	}
	return j.GpuJobTimes.unmarshalField(num, f)
}

// GpuJob refers to its timeline through an interned string.
type GpuJob struct {
	GpuJobTimes
	TimelineKey uint64
}

func (*GpuJob) eventField() protowire.Number { return fieldGpuJob }
func (*GpuJob) isClientCaptureEvent()        {}

func (j *GpuJob) appendFields(b []byte) []byte {
	b = j.GpuJobTimes.appendFields(b)
	return appendUint64(b, 10, j.TimelineKey)
}

func (j *GpuJob) unmarshalField(num protowire.Number, f field) error {
	if num == 10 {
		j.TimelineKey = f.uint64()
		return nil
	}
	return j.GpuJobTimes.unmarshalField(num, f)
}

// NewGpuJob builds the client form of j with the given timeline key.
func NewGpuJob(j *FullGpuJob, timelineKey uint64) *GpuJob {
	return &GpuJob{GpuJobTimes: j.GpuJobTimes, TimelineKey: timelineKey}
}

type GpuQueueSubmissionMetaInfo struct {
	Tid                        uint32
	Pid                        uint32
	PreSubmissionCpuTimestamp  uint64
	PostSubmissionCpuTimestamp uint64
}

func (m *GpuQueueSubmissionMetaInfo) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, m.Tid)
	b = appendUint32(b, 2, m.Pid)
	b = appendUint64(b, 3, m.PreSubmissionCpuTimestamp)
	return appendUint64(b, 4, m.PostSubmissionCpuTimestamp)
}

func (m *GpuQueueSubmissionMetaInfo) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		m.Tid = f.uint32()
	case 2:
		m.Pid = f.uint32()
	case 3:
		m.PreSubmissionCpuTimestamp = f.uint64()
	case 4:
		m.PostSubmissionCpuTimestamp = f.uint64()
	}
	return nil
}

type GpuCommandBuffer struct {
	BeginGpuTimestampNs uint64
	EndGpuTimestampNs   uint64
}

func (c *GpuCommandBuffer) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, c.BeginGpuTimestampNs)
	return appendUint64(b, 2, c.EndGpuTimestampNs)
}

func (c *GpuCommandBuffer) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		c.BeginGpuTimestampNs = f.uint64()
	case 2:
		c.EndGpuTimestampNs = f.uint64()
	}
	return nil
}

type GpuSubmitInfo struct {
	CommandBuffers []*GpuCommandBuffer
}

func (s *GpuSubmitInfo) appendFields(b []byte) []byte {
	for _, c := range s.CommandBuffers {
		b = appendNested(b, 1, c)
	}
	return b
}

func (s *GpuSubmitInfo) unmarshalField(num protowire.Number, f field) error {
	if num != 1 {
		return nil
	}
	c, err := decodeMessage[GpuCommandBuffer](f)
	if err != nil {
		return err
	}
	s.CommandBuffers = append(s.CommandBuffers, c)
	return nil
}

type Color struct {
	Red   uint32
	Green uint32
	Blue  uint32
	Alpha uint32
}

func (c *Color) appendFields(b []byte) []byte {
	b = appendUint32(b, 1, c.Red)
	b = appendUint32(b, 2, c.Green)
	b = appendUint32(b, 3, c.Blue)
	return appendUint32(b, 4, c.Alpha)
}

func (c *Color) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		c.Red = f.uint32()
	case 2:
		c.Green = f.uint32()
	case 3:
		c.Blue = f.uint32()
	case 4:
		c.Alpha = f.uint32()
	}
	return nil
}

type GpuDebugMarkerBeginInfo struct {
	Meta           *GpuQueueSubmissionMetaInfo
	GpuTimestampNs uint64
}

func (i *GpuDebugMarkerBeginInfo) appendFields(b []byte) []byte {
	b = appendMessage(b, 1, i.Meta)
	return appendUint64(b, 2, i.GpuTimestampNs)
}

func (i *GpuDebugMarkerBeginInfo) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		i.Meta, err = decodeMessage[GpuQueueSubmissionMetaInfo](f)
	case 2:
		i.GpuTimestampNs = f.uint64()
	}
	return err
}

// GpuDebugMarker refers to its text through an interned string key.
type GpuDebugMarker struct {
	TextKey           uint64
	Color             *Color
	Depth             int32
	BeginMarker       *GpuDebugMarkerBeginInfo
	EndGpuTimestampNs uint64
}

func (m *GpuDebugMarker) appendFields(b []byte) []byte {
	b = appendUint64(b, 1, m.TextKey)
	b = appendMessage(b, 2, m.Color)
	b = appendInt32(b, 3, m.Depth)
	b = appendMessage(b, 4, m.BeginMarker)
	return appendUint64(b, 5, m.EndGpuTimestampNs)
}

func (m *GpuDebugMarker) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		m.TextKey = f.uint64()
	case 2:
		m.Color, err = decodeMessage[Color](f)
	case 3:
		m.Depth = f.int32()
	case 4:
		m.BeginMarker, err = decodeMessage[GpuDebugMarkerBeginInfo](f)
	case 5:
		m.EndGpuTimestampNs = f.uint64()
	}
	return err
}

type GpuQueueSubmission struct {
	Meta             *GpuQueueSubmissionMetaInfo
	SubmitInfos      []*GpuSubmitInfo
	CompletedMarkers []*GpuDebugMarker
	NumBeginMarkers  uint32
}

func (*GpuQueueSubmission) eventField() protowire.Number { return fieldGpuQueueSubmission }
func (*GpuQueueSubmission) isProducerCaptureEvent()      {}
func (*GpuQueueSubmission) isClientCaptureEvent()        {}

func (s *GpuQueueSubmission) appendFields(b []byte) []byte {
	b = appendMessage(b, 1, s.Meta)
	for _, i := range s.SubmitInfos {
		b = appendNested(b, 2, i)
	}
	for _, m := range s.CompletedMarkers {
		b = appendNested(b, 3, m)
	}
	return appendUint32(b, 4, s.NumBeginMarkers)
}

func (s *GpuQueueSubmission) unmarshalField(num protowire.Number, f field) error {
	switch num {
	case 1:
		meta, err := decodeMessage[GpuQueueSubmissionMetaInfo](f)
		if err != nil {
			return err
		}
		s.Meta = meta
	case 2:
		i, err := decodeMessage[GpuSubmitInfo](f)
		if err != nil {
			return err
		}
		s.SubmitInfos = append(s.SubmitInfos, i)
	case 3:
		m, err := decodeMessage[GpuDebugMarker](f)
		if err != nil {
			return err
		}
		s.CompletedMarkers = append(s.CompletedMarkers, m)
	case 4:
		s.NumBeginMarkers = f.uint32()
	}
	return nil
}
