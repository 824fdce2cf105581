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

package sender

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

// MaxEventsPerResponse caps the size of a single CaptureResponse.
const MaxEventsPerResponse = 10_000

// ResponseWriter is the write half of a Capture stream.
type ResponseWriter interface {
	Send(*capturepb.CaptureResponse) error
}

// GRPCSender writes batches to a Capture stream, split into responses of at
// most MaxEventsPerResponse events.
type GRPCSender struct {
	logger log.Logger
	stream ResponseWriter

	eventsSent    *atomic.Uint64
	responsesSent *atomic.Uint64
	bytesSent     *atomic.Uint64
}

func NewGRPCSender(logger log.Logger, stream ResponseWriter) *GRPCSender {
	return &GRPCSender{
		logger:        logger,
		stream:        stream,
		eventsSent:    atomic.NewUint64(0),
		responsesSent: atomic.NewUint64(0),
		bytesSent:     atomic.NewUint64(0),
	}
}

// SendEvents writes events in order. The first failed write abandons the
// rest of the batch.
func (s *GRPCSender) SendEvents(events []capturepb.ClientCaptureEvent) error {
	for len(events) > 0 {
		n := min(len(events), MaxEventsPerResponse)
		resp := &capturepb.CaptureResponse{CaptureEvents: events[:n]}

		if err := s.stream.Send(resp); err != nil {
			return fmt.Errorf("send capture response with %d events: %w", n, err)
		}
		s.eventsSent.Add(uint64(n))
		s.responsesSent.Inc()
		s.bytesSent.Add(uint64(resp.SizeVT()))

		events = events[n:]
	}
	return nil
}

// EventsSent returns the number of events written so far.
func (s *GRPCSender) EventsSent() uint64 {
	return s.eventsSent.Load()
}

// Close logs a summary of what was written. The stream itself is owned by
// the RPC handler.
func (s *GRPCSender) Close() error {
	events := s.eventsSent.Load()
	responses := s.responsesSent.Load()
	bytes := s.bytesSent.Load()

	var perEvent uint64
	if events > 0 {
		perEvent = bytes / events
	}
	level.Info(s.logger).Log(
		"msg", "finished sending capture events",
		"events", humanize.Comma(int64(events)),
		"responses", humanize.Comma(int64(responses)),
		"bytes", humanize.IBytes(bytes),
		"bytes_per_event", perEvent,
	)
	return nil
}
