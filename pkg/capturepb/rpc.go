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

type CaptureRequest struct {
	CaptureOptions *CaptureOptions
}

func (r *CaptureRequest) MarshalVT() ([]byte, error) { return r.appendFields(nil), nil }
func (r *CaptureRequest) UnmarshalVT(b []byte) error { return unmarshalMessage(b, r) }
func (r *CaptureRequest) SizeVT() int                { return len(r.appendFields(nil)) }

func (r *CaptureRequest) appendFields(b []byte) []byte {
	return appendMessage(b, 1, r.CaptureOptions)
}

func (r *CaptureRequest) unmarshalField(num protowire.Number, f field) (err error) {
	if num == 1 {
		r.CaptureOptions, err = decodeMessage[CaptureOptions](f)
	}
	return err
}

type CaptureResponse struct {
	CaptureEvents []ClientCaptureEvent
}

func (r *CaptureResponse) MarshalVT() ([]byte, error) { return r.appendFields(nil), nil }
func (r *CaptureResponse) UnmarshalVT(b []byte) error { return unmarshalMessage(b, r) }
func (r *CaptureResponse) SizeVT() int                { return len(r.appendFields(nil)) }

func (r *CaptureResponse) appendFields(b []byte) []byte {
	for _, e := range r.CaptureEvents {
		b = appendEvent(b, 1, e)
	}
	return b
}

func (r *CaptureResponse) unmarshalField(num protowire.Number, f field) error {
	if num != 1 {
		return nil
	}
	e, ok, err := decodeEvent(f, clientEventTypes)
	if err != nil {
		return err
	}
	if ok {
		r.CaptureEvents = append(r.CaptureEvents, e)
	}
	return nil
}

type BufferedCaptureEvents struct {
	CaptureEvents []ProducerCaptureEvent
}

func (e *BufferedCaptureEvents) appendFields(b []byte) []byte {
	for _, ev := range e.CaptureEvents {
		b = appendEvent(b, 1, ev)
	}
	return b
}

func (e *BufferedCaptureEvents) unmarshalField(num protowire.Number, f field) error {
	if num != 1 {
		return nil
	}
	ev, ok, err := decodeEvent(f, producerEventTypes)
	if err != nil {
		return err
	}
	if ok {
		e.CaptureEvents = append(e.CaptureEvents, ev)
	}
	return nil
}

// AllEventsSent tells the service that a producer has sent every event of
// the capture that is being stopped.
type AllEventsSent struct{}

func (*AllEventsSent) appendFields(b []byte) []byte                 { return b }
func (*AllEventsSent) unmarshalField(protowire.Number, field) error { return nil }

// ReceiveCommandsAndSendEventsRequest is written by producers. Exactly one of
// its fields is set.
type ReceiveCommandsAndSendEventsRequest struct {
	BufferedCaptureEvents *BufferedCaptureEvents
	AllEventsSent         *AllEventsSent
}

func (r *ReceiveCommandsAndSendEventsRequest) MarshalVT() ([]byte, error) {
	return r.appendFields(nil), nil
}

func (r *ReceiveCommandsAndSendEventsRequest) UnmarshalVT(b []byte) error {
	return unmarshalMessage(b, r)
}

func (r *ReceiveCommandsAndSendEventsRequest) SizeVT() int { return len(r.appendFields(nil)) }

func (r *ReceiveCommandsAndSendEventsRequest) appendFields(b []byte) []byte {
	b = appendMessage(b, 1, r.BufferedCaptureEvents)
	return appendMessage(b, 2, r.AllEventsSent)
}

func (r *ReceiveCommandsAndSendEventsRequest) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		r.AllEventsSent = nil
		r.BufferedCaptureEvents, err = decodeMessage[BufferedCaptureEvents](f)
	case 2:
		r.BufferedCaptureEvents = nil
		r.AllEventsSent, err = decodeMessage[AllEventsSent](f)
	}
	return err
}

type StartCaptureCommand struct {
	CaptureOptions *CaptureOptions
}

func (c *StartCaptureCommand) appendFields(b []byte) []byte {
	return appendMessage(b, 1, c.CaptureOptions)
}

func (c *StartCaptureCommand) unmarshalField(num protowire.Number, f field) (err error) {
	if num == 1 {
		c.CaptureOptions, err = decodeMessage[CaptureOptions](f)
	}
	return err
}

type StopCaptureCommand struct{}

func (*StopCaptureCommand) appendFields(b []byte) []byte                 { return b }
func (*StopCaptureCommand) unmarshalField(protowire.Number, field) error { return nil }

type CaptureFinishedCommand struct{}

func (*CaptureFinishedCommand) appendFields(b []byte) []byte                 { return b }
func (*CaptureFinishedCommand) unmarshalField(protowire.Number, field) error { return nil }

// ReceiveCommandsAndSendEventsResponse carries one command to a producer.
// Exactly one of its fields is set.
type ReceiveCommandsAndSendEventsResponse struct {
	StartCaptureCommand    *StartCaptureCommand
	StopCaptureCommand     *StopCaptureCommand
	CaptureFinishedCommand *CaptureFinishedCommand
}

func (r *ReceiveCommandsAndSendEventsResponse) MarshalVT() ([]byte, error) {
	return r.appendFields(nil), nil
}

func (r *ReceiveCommandsAndSendEventsResponse) UnmarshalVT(b []byte) error {
	return unmarshalMessage(b, r)
}

func (r *ReceiveCommandsAndSendEventsResponse) SizeVT() int { return len(r.appendFields(nil)) }

func (r *ReceiveCommandsAndSendEventsResponse) appendFields(b []byte) []byte {
	b = appendMessage(b, 1, r.StartCaptureCommand)
	b = appendMessage(b, 2, r.StopCaptureCommand)
	return appendMessage(b, 3, r.CaptureFinishedCommand)
}

func (r *ReceiveCommandsAndSendEventsResponse) unmarshalField(num protowire.Number, f field) (err error) {
	switch num {
	case 1:
		*r = ReceiveCommandsAndSendEventsResponse{}
		r.StartCaptureCommand, err = decodeMessage[StartCaptureCommand](f)
	case 2:
		*r = ReceiveCommandsAndSendEventsResponse{}
		r.StopCaptureCommand, err = decodeMessage[StopCaptureCommand](f)
	case 3:
		*r = ReceiveCommandsAndSendEventsResponse{}
		r.CaptureFinishedCommand, err = decodeMessage[CaptureFinishedCommand](f)
	}
	return err
}
