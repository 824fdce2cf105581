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
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/common-nighthawk/go-figure"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"google.golang.org/grpc"

	"github.com/parca-dev/orbit/flags"
	"github.com/parca-dev/orbit/pkg/buildinfo"
	"github.com/parca-dev/orbit/pkg/capture"
	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/clock"
	"github.com/parca-dev/orbit/pkg/config"
	orbitgrpc "github.com/parca-dev/orbit/pkg/grpc"
	"github.com/parca-dev/orbit/pkg/kernel"
	"github.com/parca-dev/orbit/pkg/memory"
	"github.com/parca-dev/orbit/pkg/producerside"
	"github.com/parca-dev/orbit/pkg/rlimit"
	"github.com/parca-dev/orbit/pkg/sender"
	"github.com/parca-dev/orbit/pkg/telemetry"
	"github.com/parca-dev/orbit/pkg/tracing"
)

var (
	version string
	commit  string
	date    string
	goArch  string
)

func main() {
	f, err := flags.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(flags.ExitParseError))
	}

	if f.Version {
		fmt.Printf("orbit-service, version %s (commit: %s, date: %s), arch: %s\n", version, commit, date, goArch)
		os.Exit(int(flags.ExitSuccess))
	}

	logger := f.Log.Logger("orbit-service")
	if code := f.Validate(logger); code != flags.ExitSuccess {
		os.Exit(int(code))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	intro := figure.NewColorFigure("Orbit Service ", "roman", "yellow", true)
	intro.Print()

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Info(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}
	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroup),
	); err != nil {
		level.Debug(logger).Log("msg", "GOMEMLIMIT not set from cgroup", "err", err)
	} else {
		level.Info(logger).Log("msg", "set GOMEMLIMIT from cgroup", "limit", limit)
	}

	if limit, err := rlimit.RaiseOpenFiles(); err != nil {
		level.Warn(logger).Log("msg", "failed to raise the open files limit", "err", err)
	} else {
		level.Debug(logger).Log("msg", "open files limit", "soft", rlimit.HumanizeRLimit(limit.Cur), "hard", rlimit.HumanizeRLimit(limit.Max))
	}

	runtime.SetMutexProfileFraction(f.MutexProfileFraction)
	runtime.SetBlockProfileRate(f.BlockProfileRate)

	if err := run(logger, reg, f); err != nil {
		level.Error(logger).Log("err", err)
		os.Exit(int(flags.ExitFailure))
	}
}

func run(logger log.Logger, reg *prometheus.Registry, f flags.Flags) error {
	// Fetch build info such as the git revision we are based off
	buildInfo, err := buildinfo.FetchBuildInfo()
	if err != nil {
		return fmt.Errorf("failed to fetch build info: %w", err)
	}
	if commit == "" {
		commit = buildInfo.VcsRevision
	}
	if date == "" {
		date = buildInfo.VcsTime
	}
	if goArch == "" {
		goArch = buildInfo.GoArch
	}
	level.Debug(logger).Log("msg", "orbit-service initialized",
		"version", version,
		"commit", commit,
		"date", date,
		"config", fmt.Sprintf("%+v", f),
		"arch", goArch,
	)

	if release, err := kernel.Release(); err != nil {
		level.Warn(logger).Log("msg", "failed to detect kernel release", "err", err)
	} else {
		level.Debug(logger).Log("msg", "detected kernel release", "release", release)
		if !kernel.SupportsUprobePerfEvents(release) {
			level.Warn(logger).Log("msg", "kernel does not support uprobe perf events, dynamic instrumentation with uprobes will fail", "release", release)
		}
	}
	if err := kernel.CheckTracingEnabled(kernel.ConfigPaths()); err != nil {
		level.Warn(logger).Log("msg", "kernel may not support tracing", "err", err)
	}

	ctx := context.Background()

	tp, err := telemetry.NewProvider(ctx, logger, telemetry.Config{
		Exporter:    f.OTLP.Exporter,
		Address:     f.OTLP.Address,
		ServiceName: "orbit-service",
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

	memoryReader, err := memory.NewReader(f.Memory.ProcRoot, f.Memory.CgroupRoot)
	if err != nil {
		return fmt.Errorf("failed to open procfs: %w", err)
	}
	target, err := capture.NewProcfsTarget(reg, f.Memory.ProcRoot, memoryReader)
	if err != nil {
		return fmt.Errorf("failed to open procfs: %w", err)
	}

	producerSide := producerside.New(
		log.With(logger, "component", "producer-side"),
		producerside.NewMetrics(reg),
		producerside.WithMaxWaitForAllEventsSent(f.ProducerSide.MaxWaitForAllEventsSent),
	)
	var captureOpts []capture.Option
	if f.Capture.WatchdogInterval > 0 {
		captureOpts = append(captureOpts, capture.WithMemoryWatchdog(memoryReader, f.Capture.WatchdogInterval))
	}
	captureService := capture.New(
		log.With(logger, "component", "capture"),
		capture.NewMetrics(reg),
		capture.Config{
			Version:           buildinfo.ParseVersion(version),
			FlushInterval:     f.Capture.FlushInterval,
			FlushThreshold:    f.Capture.FlushThreshold,
			MirrorDirectory:   f.Capture.MirrorDirectory,
			MirrorCompression: sender.Compression(f.Capture.MirrorCompression),
		},
		tracing.NewHandler(
			log.With(logger, "component", "tracing"),
			tracing.NewProcfsTracerFactory(logger, f.Memory.ProcRoot, f.Tracing.PollInterval),
		),
		memory.NewHandler(log.With(logger, "component", "memory"), memoryReader, clock.MonotonicNs),
		target,
		clock.MonotonicNs,
		captureOpts...,
	)
	captureService.SetDefaults(capture.Defaults{MemorySamplingPeriod: f.Memory.SamplingPeriod})
	captureService.AddStartStopListener(producerSide)

	var g okrun.Group

	if configPath := string(f.ConfigPath); configPath != "" {
		applyCapture := func(cfg *config.Config) error {
			d := capture.Defaults{MemorySamplingPeriod: f.Memory.SamplingPeriod}
			if cfg.Capture.MemorySamplingPeriod > 0 {
				d.MemorySamplingPeriod = cfg.Capture.MemorySamplingPeriod
			}
			captureService.SetDefaults(d)
			return nil
		}
		applyProducerSide := func(cfg *config.Config) error {
			maxWait := f.ProducerSide.MaxWaitForAllEventsSent
			if cfg.ProducerSide.MaxWaitForAllEventsSent > 0 {
				maxWait = cfg.ProducerSide.MaxWaitForAllEventsSent
			}
			producerSide.SetMaxWaitForAllEventsSent(maxWait)
			return nil
		}

		cfg, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		reloaders := []config.ComponentReloader{
			{Name: "capture", Reloader: applyCapture},
			{Name: "producer-side", Reloader: applyProducerSide},
		}
		if err := config.Apply(cfg, reloaders); err != nil {
			return fmt.Errorf("failed to apply config: %w", err)
		}
		cfgReloader, err := config.NewConfigReloader(logger, reg, configPath, reloaders)
		if err != nil {
			level.Error(logger).Log("msg", "failed to instantiate config file reloader", "err", err)
			return err
		}

		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: config file reloader")
			defer level.Debug(logger).Log("msg", "stopped: config file reloader")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "config_file_reloader"), func(ctx context.Context) {
				err = cfgReloader.Run(ctx)
			})
			return err
		}, func(error) {
			cancel()
		})
	}

	// One server serves both endpoints so their metrics share a registry.
	srv := orbitgrpc.NewServer(logger, reg, tp, func(s *grpc.Server) {
		capturepb.RegisterCaptureServiceServer(s, captureService)
		capturepb.RegisterProducerSideServiceServer(s, producerSide)
	})
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			// Unblock the streaming handlers before draining the server.
			producerSide.OnExitRequest()
			captureService.Shutdown()
			srv.GracefulStop()
		})
	}

	for _, endpoint := range []struct {
		name    string
		address string
	}{
		{name: "capture_service", address: f.GRPC.Address},
		{name: "producer_side_service", address: f.ProducerSide.Address},
	} {
		endpoint := endpoint
		lis, err := orbitgrpc.Listen(endpoint.address)
		if err != nil {
			stop()
			return fmt.Errorf("failed to listen on %s: %w", endpoint.address, err)
		}
		level.Info(logger).Log("msg", "serving", "endpoint", endpoint.name, "address", endpoint.address)

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: grpc server", "endpoint", endpoint.name)
			defer level.Debug(logger).Log("msg", "stopped: grpc server", "endpoint", endpoint.name)

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", endpoint.name), func(_ context.Context) {
				err = srv.Serve(lis)
			})
			return err
		}, func(error) {
			stop()
		})
	}

	// Run group for http server.
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		srv := &http.Server{
			Addr:         f.HTTPAddress,
			Handler:      otelhttp.NewHandler(mux, "http", otelhttp.WithTracerProvider(tp)),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: time.Minute,
		}

		g.Add(func() error {
			level.Debug(logger).Log("msg", "starting: http server")
			defer level.Debug(logger).Log("msg", "stopped: http server")

			var err error
			runtimepprof.Do(ctx, runtimepprof.Labels("component", "http_server"), func(_ context.Context) {
				err = srv.ListenAndServe()
			})
			return err
		}, func(error) {
			srv.Close()
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
