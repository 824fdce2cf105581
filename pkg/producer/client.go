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

// Package producer lets a process outside of the service contribute events
// to captures through the producer side endpoint.
package producer

import (
	"context"
	"errors"
	"fmt"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

const DefaultFlushInterval = 20 * time.Millisecond

var errDisconnected = errors.New("disconnected from producer side service")

// Listener is told about the captures of the service. OnCaptureStop must
// not return before the producer has enqueued its last event.
type Listener interface {
	OnCaptureStart(opts *capturepb.CaptureOptions)
	OnCaptureStop()
	OnCaptureFinished()
}

type Option func(*Client)

func WithFlushInterval(d time.Duration) Option {
	return func(c *Client) {
		c.flushInterval = d
	}
}

// WithInitialBackOff sets the first delay between reconnection attempts.
func WithInitialBackOff(d time.Duration) Option {
	return func(c *Client) {
		c.initialBackOff = d
	}
}

// Client keeps a connection to the producer side endpoint, relays capture
// commands to its Listener and sends the events enqueued during a capture.
type Client struct {
	logger   log.Logger
	client   capturepb.ProducerSideServiceClient
	listener Listener

	flushInterval  time.Duration
	initialBackOff time.Duration

	mtx       sync.Mutex
	capturing bool
	events    []capturepb.ProducerCaptureEvent
}

func New(logger log.Logger, conn grpc.ClientConnInterface, l Listener, opts ...Option) *Client {
	c := &Client{
		logger:         logger,
		client:         capturepb.NewProducerSideServiceClient(conn),
		listener:       l,
		flushInterval:  DefaultFlushInterval,
		initialBackOff: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnqueueEvent queues e for the running capture. It reports false, and drops
// e, when no capture is running.
func (c *Client) EnqueueEvent(e capturepb.ProducerCaptureEvent) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !c.capturing {
		return false
	}
	c.events = append(c.events, e)
	return true
}

func (c *Client) IsCapturing() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.capturing
}

// Run connects to the service and reconnects with exponential back-off
// whenever the connection is lost, until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	expBackOff := backoff.NewExponentialBackOff()
	expBackOff.InitialInterval = c.initialBackOff
	expBackOff.MaxInterval = 10 * time.Second
	expBackOff.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := c.runStream(ctx, expBackOff.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(expBackOff, ctx), func(err error, next time.Duration) {
		level.Debug(c.logger).Log("msg", "connection to producer side service lost", "retry", next, "err", err)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runStream serves one connection. connected is called once the first
// command arrives.
func (c *Client) runStream(ctx context.Context, connected func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.client.ReceiveCommandsAndSendEvents(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	allEventsSent := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		var err error
		runtimepprof.Do(gctx, runtimepprof.Labels("component", "producer-client-rx"), func(ctx context.Context) {
			err = c.receiveCommands(stream, allEventsSent, connected)
		})
		return err
	})
	g.Go(func() error {
		defer cancel()
		var err error
		runtimepprof.Do(gctx, runtimepprof.Labels("component", "producer-client-tx"), func(ctx context.Context) {
			err = c.sendEvents(ctx, stream, allEventsSent)
		})
		return err
	})
	err = g.Wait()

	c.abandonCapture()
	return err
}

func (c *Client) receiveCommands(
	stream capturepb.ProducerSideService_ReceiveCommandsAndSendEventsClient,
	allEventsSent chan<- struct{},
	connected func(),
) error {
	var once sync.Once
	for {
		cmd, err := stream.Recv()
		if err != nil {
			return errors.Join(errDisconnected, err)
		}
		once.Do(connected)

		switch {
		case cmd.StartCaptureCommand != nil:
			level.Debug(c.logger).Log("msg", "capture started")
			c.mtx.Lock()
			c.capturing = true
			c.events = nil
			c.mtx.Unlock()
			c.listener.OnCaptureStart(cmd.StartCaptureCommand.CaptureOptions)

		case cmd.StopCaptureCommand != nil:
			level.Debug(c.logger).Log("msg", "capture stopping")
			c.listener.OnCaptureStop()
			c.mtx.Lock()
			c.capturing = false
			c.mtx.Unlock()
			select {
			case allEventsSent <- struct{}{}:
			default:
			}

		case cmd.CaptureFinishedCommand != nil:
			level.Debug(c.logger).Log("msg", "capture finished")
			c.listener.OnCaptureFinished()
		}
	}
}

func (c *Client) sendEvents(
	ctx context.Context,
	stream capturepb.ProducerSideService_ReceiveCommandsAndSendEventsClient,
	allEventsSent <-chan struct{},
) error {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.flush(stream); err != nil {
				return err
			}
		case <-allEventsSent:
			if err := c.flush(stream); err != nil {
				return err
			}
			if err := stream.Send(&capturepb.ReceiveCommandsAndSendEventsRequest{
				AllEventsSent: &capturepb.AllEventsSent{},
			}); err != nil {
				return fmt.Errorf("send all events sent: %w", err)
			}
			level.Debug(c.logger).Log("msg", "sent all events sent")
		}
	}
}

func (c *Client) flush(stream capturepb.ProducerSideService_ReceiveCommandsAndSendEventsClient) error {
	c.mtx.Lock()
	events := c.events
	c.events = nil
	c.mtx.Unlock()

	if len(events) == 0 {
		return nil
	}
	if err := stream.Send(&capturepb.ReceiveCommandsAndSendEventsRequest{
		BufferedCaptureEvents: &capturepb.BufferedCaptureEvents{CaptureEvents: events},
	}); err != nil {
		return fmt.Errorf("send %d events: %w", len(events), err)
	}
	return nil
}

// abandonCapture ends a capture interrupted by a lost connection.
func (c *Client) abandonCapture() {
	c.mtx.Lock()
	wasCapturing := c.capturing
	c.capturing = false
	c.events = nil
	c.mtx.Unlock()

	if wasCapturing {
		level.Warn(c.logger).Log("msg", "connection lost during a capture, dropping its events")
		c.listener.OnCaptureStop()
		c.listener.OnCaptureFinished()
	}
}
