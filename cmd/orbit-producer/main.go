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
	"errors"
	"fmt"
	"os"
	runtimepprof "runtime/pprof"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/orbit/flags"
	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/clock"
	orbitgrpc "github.com/parca-dev/orbit/pkg/grpc"
	"github.com/parca-dev/orbit/pkg/producer"
	"github.com/parca-dev/orbit/pkg/telemetry"
	"github.com/parca-dev/orbit/pkg/threadstate"
)

var (
	version string
	commit  string
)

func main() {
	f, err := flags.ParseProducer()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(flags.ExitParseError))
	}

	if f.Version {
		fmt.Printf("orbit-producer, version %s (commit: %s)\n", version, commit)
		os.Exit(int(flags.ExitSuccess))
	}

	logger := f.Log.Logger("orbit-producer")
	if code := f.Validate(logger); code != flags.ExitSuccess {
		os.Exit(int(code))
	}

	if err := run(logger, f); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(int(flags.ExitFailure))
	}
}

func run(logger log.Logger, f flags.ProducerFlags) error {
	ctx := context.Background()

	tp, err := telemetry.NewProvider(ctx, logger, telemetry.Config{
		Exporter:    f.OTLP.Exporter,
		Address:     f.OTLP.Address,
		ServiceName: "orbit-producer",
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracer provider: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			level.Warn(logger).Log("msg", "failed to flush traces", "err", err)
		}
	}()

	reader, err := threadstate.NewProcfsReader(f.ProcRoot)
	if err != nil {
		return fmt.Errorf("failed to open procfs: %w", err)
	}

	conn, err := orbitgrpc.Conn(logger, prometheus.NewRegistry(), tp, f.Address)
	if err != nil {
		return fmt.Errorf("failed to create connection to %s: %w", f.Address, err)
	}
	defer conn.Close()

	var client *producer.Client
	sampler := threadstate.NewSampler(
		log.With(logger, "component", "thread-state-sampler"),
		reader,
		f.Interval,
		clock.MonotonicNs,
		func(e capturepb.ProducerCaptureEvent) bool {
			return client.EnqueueEvent(e)
		},
	)
	client = producer.New(
		log.With(logger, "component", "producer-client"),
		conn,
		sampler,
		producer.WithInitialBackOff(f.InitialBackOff),
	)

	var g okrun.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Info(logger).Log("msg", "connecting to producer side service", "address", f.Address)
			defer level.Debug(logger).Log("msg", "stopped: producer client")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "producer_client"), func(ctx context.Context) {
				err = client.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}
	g.Add(okrun.SignalHandler(ctx, os.Interrupt, os.Kill))

	err = g.Run()
	var sigErr okrun.SignalError
	if errors.As(err, &sigErr) {
		level.Info(logger).Log("msg", "exiting", "signal", sigErr.Signal)
		return nil
	}
	return err
}
