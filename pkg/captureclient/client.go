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

// Package captureclient takes a capture from a capture service and hands
// the received events to a sender.
package captureclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	runtimepprof "runtime/pprof"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"google.golang.org/grpc"

	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/sender"
)

const stackDumpSize = 65000

var ErrNoCaptureFinished = errors.New("capture stream ended without a capture finished event")

// Config selects what the capture collects.
type Config struct {
	Pid                uint32
	SamplingRateHz     float64
	FramePointers      bool
	Scheduling         bool
	ThreadStates       bool
	GPUJobs            bool
	MemorySamplingRate uint32
	CgroupMemory       bool
}

func (c Config) CaptureOptions() *capturepb.CaptureOptions {
	opts := &capturepb.CaptureOptions{
		TargetPid:                           c.Pid,
		SamplingRateHz:                      c.SamplingRateHz,
		UnwindingMethod:                     capturepb.UnwindingMethodDwarf,
		StackDumpSize:                       stackDumpSize,
		CollectSchedulingInfo:               c.Scheduling,
		CollectThreadStates:                 c.ThreadStates,
		CollectGpuSubmissions:               c.GPUJobs,
		DynamicInstrumentationMethod:        capturepb.DynamicInstrumentationMethodUprobes,
		MaxLocalMarkerDepthPerCommandBuffer: math.MaxUint64,
	}
	if c.FramePointers {
		opts.UnwindingMethod = capturepb.UnwindingMethodFramePointers
	}
	if c.MemorySamplingRate > 0 {
		opts.CollectMemoryInfo = true
		opts.MemorySamplingPeriodNs = uint64(time.Second) / uint64(c.MemorySamplingRate)
		opts.EnableCgroupMemory = c.CgroupMemory
	}
	return opts
}

type Client struct {
	logger log.Logger
	client capturepb.CaptureServiceClient
	sink   sender.Sender
}

func New(logger log.Logger, conn grpc.ClientConnInterface, sink sender.Sender) *Client {
	return &Client{
		logger: logger,
		client: capturepb.NewCaptureServiceClient(conn),
		sink:   sink,
	}
}

// Capture runs a capture with opts until stop is closed, then half-closes
// the stream and drains the remaining events. It returns early if the
// service ends the capture on its own.
func (c *Client) Capture(ctx context.Context, opts *capturepb.CaptureOptions, stop <-chan struct{}) (*Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.client.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}
	if err := stream.Send(&capturepb.CaptureRequest{CaptureOptions: opts}); err != nil {
		return nil, fmt.Errorf("send capture request: %w", err)
	}
	level.Info(c.logger).Log("msg", "asked to start capture", "pid", opts.TargetPid)

	summary := newSummary()
	done := make(chan error, 1)
	go runtimepprof.Do(ctx, runtimepprof.Labels("component", "capture-client-rx"), func(context.Context) {
		done <- c.receive(stream, summary)
	})

	select {
	case err := <-done:
		return summary, c.finish(summary, err)
	case <-stop:
	case <-ctx.Done():
	}

	if err := stream.CloseSend(); err != nil {
		return summary, fmt.Errorf("stop capture: %w", err)
	}
	level.Info(c.logger).Log("msg", "asked to stop capture")

	return summary, c.finish(summary, <-done)
}

func (c *Client) receive(stream capturepb.CaptureService_CaptureClient, summary *Summary) error {
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		summary.add(resp)
		if err := c.sink.SendEvents(resp.CaptureEvents); err != nil {
			return fmt.Errorf("store events: %w", err)
		}
	}
}

// finish prefers the status reported by the service over the stream error
// that comes with a failed capture.
func (c *Client) finish(summary *Summary, err error) error {
	if summary.Finished != nil && summary.Finished.Status == capturepb.CaptureFinishedFailed {
		return fmt.Errorf("capture failed: %s", summary.Finished.ErrorMessage)
	}
	if err != nil {
		return fmt.Errorf("receive events: %w", err)
	}
	if summary.Finished == nil {
		return ErrNoCaptureFinished
	}
	level.Info(c.logger).Log("msg", "capture completed", "status", summary.Finished.Status)
	return nil
}
