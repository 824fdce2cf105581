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
//

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/parca-dev/orbit/flags"
	"github.com/parca-dev/orbit/pkg/captureclient"
	orbitgrpc "github.com/parca-dev/orbit/pkg/grpc"
	"github.com/parca-dev/orbit/pkg/sender"
)

var (
	version string
	commit  string
)

func main() {
	f, err := flags.ParseClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(flags.ExitParseError))
	}

	if f.Version {
		fmt.Printf("orbit-client, version %s (commit: %s)\n", version, commit)
		os.Exit(int(flags.ExitSuccess))
	}

	logger := f.Log.Logger("orbit-client")
	if code := f.Validate(logger); code != flags.ExitSuccess {
		os.Exit(int(code))
	}

	if err := run(logger, f); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(int(flags.ExitFailure))
	}
}

func run(logger log.Logger, f flags.ClientFlags) error {
	conn, err := orbitgrpc.Conn(logger, prometheus.NewRegistry(), noop.NewTracerProvider(), f.Address)
	if err != nil {
		return fmt.Errorf("failed to create connection to %s: %w", f.Address, err)
	}
	defer conn.Close()

	out, err := sender.NewFileSender(logger, f.Output, sender.Compression(f.Compression))
	if err != nil {
		return err
	}

	cfg := captureclient.Config{
		Pid:                f.Pid,
		SamplingRateHz:     f.SamplingRate,
		FramePointers:      f.FramePointers,
		Scheduling:         f.Scheduling,
		ThreadStates:       f.ThreadState,
		GPUJobs:            f.GPUJobs,
		MemorySamplingRate: f.MemorySamplingRate,
		CgroupMemory:       f.CgroupMemory,
	}
	opts := cfg.CaptureOptions()
	level.Debug(logger).Log("msg", "capture options", "options", fmt.Sprintf("%+v", *opts))

	// Ctrl+C stops the capture early, the events in flight are still drained.
	sigCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	stop := make(chan struct{})
	go func() {
		defer close(stop)
		select {
		case <-time.After(f.Duration):
		case <-sigCtx.Done():
			level.Info(logger).Log("msg", "interrupted, stopping capture")
		}
	}()

	summary, captureErr := captureclient.New(logger, conn, out).Capture(context.Background(), opts, stop)
	if err := out.Close(); err != nil {
		level.Warn(logger).Log("msg", "failed to close capture file", "path", f.Output, "err", err)
	}
	if summary != nil {
		if err := summary.Print(os.Stdout); err != nil {
			return err
		}
	}
	if captureErr != nil {
		return captureErr
	}
	level.Info(logger).Log("msg", "capture written", "path", f.Output)
	return nil
}
