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

package producerside

import (
	"context"
	"errors"
	"io"
	runtimepprof "runtime/pprof"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

type connection struct {
	producerID uint64
	logger     log.Logger
	stream     capturepb.ProducerSideService_ReceiveCommandsAndSendEventsServer
	cancel     context.CancelFunc

	// allEventsSentReceived is guarded by Service.mtx. It is true unless
	// the connection has seen a capture start and the producer has not yet
	// sent AllEventsSent for it.
	allEventsSentReceived bool
}

func (s *Service) ReceiveCommandsAndSendEvents(stream capturepb.ProducerSideService_ReceiveCommandsAndSendEventsServer) error {
	s.mtx.Lock()
	exiting := s.exitRequested
	s.mtx.Unlock()
	if exiting {
		return status.Error(codes.Unavailable, "service is shutting down")
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	c := &connection{
		producerID:            s.nextProducerID.Inc() - 1,
		stream:                stream,
		cancel:                cancel,
		allEventsSentReceived: true,
	}
	c.logger = log.With(s.logger, "producer", c.producerID)

	s.streams.Store(c.producerID, cancel)
	defer s.streams.Delete(c.producerID)
	s.metrics.connected.Inc()
	defer s.metrics.connected.Dec()
	level.Info(c.logger).Log("msg", "a producer has connected")

	received := make(chan error, 1)
	go runtimepprof.Do(ctx, runtimepprof.Labels("component", "producer-rx"), func(ctx context.Context) {
		received <- s.receiveEvents(ctx, c)
	})

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		runtimepprof.Do(ctx, runtimepprof.Labels("component", "producer-cmd"), func(ctx context.Context) {
			s.sendCommands(ctx, c)
		})
	}()

	select {
	case err := <-received:
		if err != nil && !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
			level.Warn(c.logger).Log("msg", "failed to receive from producer", "err", err)
		}
	case <-ctx.Done():
	}
	cancel()
	<-sent

	s.onDisconnect(c)
	level.Info(c.logger).Log("msg", "finished handling producer")
	return nil
}

// sendCommands follows the shared status and writes the commands that bring
// the producer from the status it last saw to the current one.
func (s *Service) sendCommands(ctx context.Context, c *connection) {
	// Starting from Finished means a producer connecting during a capture is
	// sent the start command right away.
	prev := StatusFinished

	recheck := time.NewTicker(commandRecheckInterval)
	defer recheck.Stop()

	for {
		s.mtx.Lock()
		if s.exitRequested {
			s.mtx.Unlock()
			return
		}

		curr := s.status
		if curr == prev {
			changed := s.changed
			s.mtx.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-changed:
			case <-recheck.C:
			}
			continue
		}

		switch curr {
		case StatusStarted:
			s.producersRemaining++
			c.allEventsSentReceived = false
		case StatusFinished:
			c.allEventsSentReceived = true
		}
		opts := s.options
		s.mtx.Unlock()

		for _, cmd := range transition(prev, curr, opts) {
			if err := c.stream.Send(cmd); err != nil {
				level.Error(c.logger).Log("msg", "failed to send command to producer", "err", err)
				c.cancel()
				return
			}
			level.Debug(c.logger).Log("msg", "sent command to producer", "command", commandName(cmd))
		}
		prev = curr
	}
}

// transition returns the commands to send when the status moves from prev to
// curr, including the ones for an intermediate status the connection missed.
func transition(prev, curr Status, opts *capturepb.CaptureOptions) []*capturepb.ReceiveCommandsAndSendEventsResponse {
	start := &capturepb.ReceiveCommandsAndSendEventsResponse{
		StartCaptureCommand: &capturepb.StartCaptureCommand{CaptureOptions: opts},
	}
	stop := &capturepb.ReceiveCommandsAndSendEventsResponse{
		StopCaptureCommand: &capturepb.StopCaptureCommand{},
	}
	finished := &capturepb.ReceiveCommandsAndSendEventsResponse{
		CaptureFinishedCommand: &capturepb.CaptureFinishedCommand{},
	}

	switch curr {
	case StatusStarted:
		if prev == StatusStopping {
			return []*capturepb.ReceiveCommandsAndSendEventsResponse{finished, start}
		}
		return []*capturepb.ReceiveCommandsAndSendEventsResponse{start}
	case StatusStopping:
		if prev == StatusFinished {
			return []*capturepb.ReceiveCommandsAndSendEventsResponse{start, stop}
		}
		return []*capturepb.ReceiveCommandsAndSendEventsResponse{stop}
	case StatusFinished:
		if prev == StatusStarted {
			return []*capturepb.ReceiveCommandsAndSendEventsResponse{stop, finished}
		}
		return []*capturepb.ReceiveCommandsAndSendEventsResponse{finished}
	}
	return nil
}

func commandName(cmd *capturepb.ReceiveCommandsAndSendEventsResponse) string {
	switch {
	case cmd.StartCaptureCommand != nil:
		return "start_capture"
	case cmd.StopCaptureCommand != nil:
		return "stop_capture"
	case cmd.CaptureFinishedCommand != nil:
		return "capture_finished"
	default:
		return "none"
	}
}

func (s *Service) receiveEvents(ctx context.Context, c *connection) error {
	for {
		req, err := c.stream.Recv()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		s.mtx.Lock()
		exiting := s.exitRequested
		s.mtx.Unlock()
		if exiting {
			return nil
		}

		switch {
		case req.BufferedCaptureEvents != nil:
			s.processEvents(c, req.BufferedCaptureEvents.CaptureEvents)
		case req.AllEventsSent != nil:
			s.onAllEventsSent(c)
		default:
			level.Warn(c.logger).Log("msg", "producer sent an empty request")
		}
	}
}

func (s *Service) processEvents(c *connection, events []capturepb.ProducerCaptureEvent) {
	s.metrics.eventsReceived.Add(float64(len(events)))

	s.processorMtx.RLock()
	defer s.processorMtx.RUnlock()

	if s.processor == nil {
		// Producers may send events while no capture is running.
		s.metrics.eventsDropped.Add(float64(len(events)))
		level.Debug(c.logger).Log("msg", "dropping events received while not capturing", "count", len(events))
		return
	}
	for _, e := range events {
		if err := s.processor.ProcessEvent(c.producerID, e); err != nil {
			level.Debug(c.logger).Log("msg", "failed to process producer event", "err", err)
		}
	}
}

func (s *Service) onAllEventsSent(c *connection) {
	level.Info(c.logger).Log("msg", "received all events sent from producer")

	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch s.status {
	case StatusStarted:
		level.Error(c.logger).Log("msg", "producer sent all events sent while still capturing")
		s.markAllEventsSent(c)
	case StatusStopping:
		s.markAllEventsSent(c)
	case StatusFinished:
		level.Error(c.logger).Log("msg", "producer sent all events sent after the capture had finished")
	}
}

// onDisconnect treats a producer that went away as if it had sent all its
// events.
func (s *Service) onDisconnect(c *connection) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status == StatusStarted || s.status == StatusStopping {
		s.markAllEventsSent(c)
	}
}

// markAllEventsSent must be called with mtx held. Redundant calls are
// ignored.
func (s *Service) markAllEventsSent(c *connection) {
	if c.allEventsSentReceived {
		return
	}
	c.allEventsSentReceived = true
	s.producersRemaining--
	s.broadcast()
}
