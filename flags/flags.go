// Copyright 2022-2024 The Parca Authors
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

package flags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"

	"github.com/parca-dev/orbit/pkg/logger"
	"github.com/parca-dev/orbit/pkg/memory"
	"github.com/parca-dev/orbit/pkg/producerside"
	"github.com/parca-dev/orbit/pkg/sender"
	"github.com/parca-dev/orbit/pkg/tracing"
)

const (
	DefaultCaptureAddress      = "127.0.0.1:44765"
	DefaultProducerSideAddress = "unix:///tmp/orbit-producer-side-socket"
)

var vars = kong.Vars{
	"default_capture_address":       DefaultCaptureAddress,
	"default_producer_side_address": DefaultProducerSideAddress,
	"default_flush_interval":        sender.DefaultFlushInterval.String(),
	"default_flush_threshold":       strconv.Itoa(sender.DefaultFlushThreshold),
	"max_events_per_response":       strconv.Itoa(sender.MaxEventsPerResponse),
	"default_poll_interval":         tracing.DefaultPollInterval.String(),
	"default_proc_root":             memory.DefaultProcRoot,
	"default_cgroup_root":           memory.DefaultCgroupRoot,
	"default_sampling_period":       memory.DefaultSamplingPeriod.String(),
	"default_max_wait":              producerside.DefaultMaxWaitForAllEventsSent.String(),
}

// Parse reads the flags of the capture service from the command line and
// from the file named by --config-path.
func Parse() (Flags, error) {
	flags := Flags{}
	if err := parse(&flags, "orbit-service", "Serves captures of a process and the events of its producers.", os.Args[1:]); err != nil {
		return Flags{}, err
	}
	return flags, nil
}

func ParseProducer() (ProducerFlags, error) {
	flags := ProducerFlags{}
	if err := parse(&flags, "orbit-producer", "Contributes events to the captures of an orbit-service.", os.Args[1:]); err != nil {
		return ProducerFlags{}, err
	}
	return flags, nil
}

func ParseClient() (ClientFlags, error) {
	flags := ClientFlags{}
	if err := parse(&flags, "orbit-client", "Runs a capture against an orbit-service and stores its events.", os.Args[1:]); err != nil {
		return ClientFlags{}, err
	}
	return flags, nil
}

func parse(flags any, name, description string, args []string) error {
	k, err := kong.New(flags,
		kong.Name(name),
		kong.Description(description),
		kong.Configuration(yamlLoader),
		vars,
	)
	if err != nil {
		return err
	}
	if _, err := k.Parse(args); err != nil {
		return err
	}
	return nil
}

// yamlLoader lets keys of the config file named like flags set them.
func yamlLoader(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config file: %w", err)
	}
	return kong.ResolverFunc(func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		for _, key := range []string{flag.Name, strings.ReplaceAll(flag.Name, "-", "_")} {
			if v, ok := values[key]; ok {
				return v, nil
			}
		}
		return nil, nil
	}), nil
}

type Flags struct {
	Log         FlagsLogs `embed:""                         prefix:"log-"`
	HTTPAddress string    `default:"127.0.0.1:7071"         help:"Address to bind HTTP server to."`
	Version     bool      `help:"Show application version."`

	ConfigPath kong.ConfigFlag `help:"Path to config file. Keys named like flags set them, the capture and producer_side sections are reloaded when the file changes."`

	// pprof.
	MutexProfileFraction int `default:"0" help:"Fraction of mutex profile samples to collect."`
	BlockProfileRate     int `default:"0" help:"Sample rate for block profile."`

	GRPC         FlagsGRPC         `embed:"" prefix:"grpc-"`
	Capture      FlagsCapture      `embed:"" prefix:"capture-"`
	Tracing      FlagsTracing      `embed:"" prefix:"tracing-"`
	Memory       FlagsMemory       `embed:"" prefix:"memory-"`
	ProducerSide FlagsProducerSide `embed:"" prefix:"producer-side-"`
	OTLP         FlagsOTLP         `embed:"" prefix:"otlp-"`
}

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func ParseError(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitParseError
}

func Failure(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitFailure
}

func (f Flags) Validate(logger log.Logger) ExitCode {
	if f.GRPC.Address == "" {
		return ParseError(logger, "--grpc-address must not be empty")
	}
	if f.ProducerSide.Address == "" {
		return ParseError(logger, "--producer-side-address must not be empty")
	}
	if f.GRPC.Address == f.ProducerSide.Address {
		return ParseError(logger, "the capture and producer side services cannot share the address %s", f.GRPC.Address)
	}

	if f.Capture.FlushInterval <= 0 {
		return ParseError(logger, "--capture-flush-interval must be positive, got %s", f.Capture.FlushInterval)
	}
	// Late events must not force a response over the per-response cap.
	if f.Capture.FlushThreshold <= 0 || f.Capture.FlushThreshold >= sender.MaxEventsPerResponse {
		return ParseError(logger, "--capture-flush-threshold must be between 1 and %d, got %d",
			sender.MaxEventsPerResponse-1, f.Capture.FlushThreshold)
	}

	if f.Capture.WatchdogInterval < 0 {
		return ParseError(logger, "--capture-watchdog-interval must not be negative, got %s", f.Capture.WatchdogInterval)
	}

	if f.Tracing.PollInterval <= 0 {
		return ParseError(logger, "--tracing-poll-interval must be positive, got %s", f.Tracing.PollInterval)
	}
	if f.Memory.SamplingPeriod <= 0 {
		return ParseError(logger, "--memory-sampling-period must be positive, got %s", f.Memory.SamplingPeriod)
	}
	if f.ProducerSide.MaxWaitForAllEventsSent <= 0 {
		return ParseError(logger, "--producer-side-max-wait-for-all-events-sent must be positive, got %s",
			f.ProducerSide.MaxWaitForAllEventsSent)
	}

	if f.Capture.MirrorDirectory != "" {
		info, err := os.Stat(f.Capture.MirrorDirectory)
		if err != nil {
			return Failure(logger, "Failed to access capture mirror directory: %v", err)
		}
		if !info.IsDir() {
			return ParseError(logger, "--capture-mirror-directory %s is not a directory", f.Capture.MirrorDirectory)
		}
	}

	return ExitSuccess
}

type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// Logger builds the logger of a binary named name.
func (f FlagsLogs) Logger(name string) log.Logger {
	return logger.NewLogger(f.Level, f.Format, name)
}

// FlagsGRPC provides the capture service endpoint flags.
type FlagsGRPC struct {
	Address string `default:"${default_capture_address}" help:"Address the capture service listens on."`
}

// FlagsCapture contains flags to configure how capture events are sent.
type FlagsCapture struct {
	FlushInterval  time.Duration `default:"${default_flush_interval}"  help:"Maximum time events wait before being sent to the client."`
	FlushThreshold int           `default:"${default_flush_threshold}" help:"Number of buffered events that triggers a send. Must be lower than ${max_events_per_response}."`

	MirrorDirectory   string `help:"Directory to write a copy of every capture to. Leave empty to disable."`
	MirrorCompression string `default:"zstd" enum:"snappy,zstd" help:"Compression of the capture copies."`

	WatchdogInterval time.Duration `default:"1s" help:"How often the service checks its own memory. A capture stops once the service uses more than half of the physical memory. Zero disables the check."`
}

// FlagsTracing contains flags to configure the procfs tracer.
type FlagsTracing struct {
	PollInterval time.Duration `default:"${default_poll_interval}" help:"How often the target's threads and modules are polled."`
}

// FlagsMemory contains flags to configure memory info collection.
type FlagsMemory struct {
	ProcRoot       string        `default:"${default_proc_root}"       help:"Mount point of procfs."`
	CgroupRoot     string        `default:"${default_cgroup_root}"     help:"Mount point of the cgroup v1 memory controller."`
	SamplingPeriod time.Duration `default:"${default_sampling_period}" help:"Memory sampling period of captures that do not set one."`
}

// FlagsProducerSide provides the producer side endpoint flags.
type FlagsProducerSide struct {
	Address                 string        `default:"${default_producer_side_address}" help:"Address producers connect to, a unix:// socket or host:port."`
	MaxWaitForAllEventsSent time.Duration `default:"${default_max_wait}"              help:"How long stopping a capture waits for producers to send all their events."`
}

// FlagsOTLP provides OTLP configuration flags.
type FlagsOTLP struct {
	Address  string `help:"The endpoint to send OTLP traces to."`
	Exporter string `default:"grpc"                              enum:"grpc,http,stdout" help:"The OTLP exporter to use."`
}

// ProducerFlags are the flags of the thread state producer.
type ProducerFlags struct {
	Log     FlagsLogs `embed:""                    prefix:"log-"`
	Version bool      `help:"Show application version."`

	ConfigPath kong.ConfigFlag `help:"Path to config file. Keys named like flags set them."`

	Address        string        `default:"${default_producer_side_address}" help:"Address of the producer side service."`
	ProcRoot       string        `default:"${default_proc_root}"             help:"Mount point of procfs."`
	Interval       time.Duration `default:"10ms"                             help:"Interval between two polls of the thread states of the capture target."`
	InitialBackOff time.Duration `default:"500ms"                            help:"Delay before the first reconnection attempt."`

	OTLP FlagsOTLP `embed:"" prefix:"otlp-"`
}

// ClientFlags are the flags of the command line capture client.
type ClientFlags struct {
	Log     FlagsLogs `embed:""                    prefix:"log-"`
	Version bool      `help:"Show application version."`

	ConfigPath kong.ConfigFlag `help:"Path to config file. Keys named like flags set them."`

	Address  string        `default:"${default_capture_address}" help:"Address of the capture service."`
	Pid      uint32        `required:""                          help:"PID of the process to capture."`
	Duration time.Duration `default:"10s"                        help:"Duration of the capture, stop earlier with Ctrl+C."`
	Output   string        `default:"capture.orbit"              help:"File to write the capture to."`

	Compression        string  `default:"zstd"  enum:"snappy,zstd" help:"Compression of the output file."`
	SamplingRate       float64 `default:"1000"  help:"Callstack sampling rate in samples per second, 0 disables sampling."`
	FramePointers      bool    `help:"Use frame pointers for unwinding."`
	Scheduling         bool    `default:"true"  negatable:"" help:"Collect scheduling information."`
	ThreadState        bool    `help:"Collect thread state information."`
	GPUJobs            bool    `default:"true"  negatable:"" help:"Collect GPU jobs."`
	MemorySamplingRate uint32  `default:"0"     help:"Memory usage sampling rate in samples per second, 0 disables sampling."`
	CgroupMemory       bool    `help:"Also collect the memory usage of the target's cgroup."`
}

func (f ProducerFlags) Validate(logger log.Logger) ExitCode {
	if f.Address == "" {
		return ParseError(logger, "--address must be set")
	}
	if f.Interval <= 0 {
		return ParseError(logger, "--interval must be positive, got %s", f.Interval)
	}
	if f.InitialBackOff <= 0 {
		return ParseError(logger, "--initial-back-off must be positive, got %s", f.InitialBackOff)
	}
	return ExitSuccess
}

func (f ClientFlags) Validate(logger log.Logger) ExitCode {
	if f.Pid == 0 {
		return ParseError(logger, "--pid must be set")
	}
	if f.Duration <= 0 {
		return ParseError(logger, "--duration must be positive, got %s", f.Duration)
	}
	if f.SamplingRate < 0 {
		return ParseError(logger, "--sampling-rate must not be negative, got %v", f.SamplingRate)
	}
	if f.CgroupMemory && f.MemorySamplingRate == 0 {
		return ParseError(logger, "--cgroup-memory requires --memory-sampling-rate")
	}
	return ExitSuccess
}
