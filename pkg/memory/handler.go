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

package memory

import (
	"context"
	runtimepprof "runtime/pprof"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/clock"
	"github.com/parca-dev/orbit/pkg/processor"
)

// DefaultSamplingPeriod is used when the capture options leave the period
// unset.
const DefaultSamplingPeriod = 10 * time.Millisecond

// Handler runs the memory samplers of a capture and forwards the
// synchronized events to the processor as the memory info producer.
type Handler struct {
	logger log.Logger
	reader *Reader
	now    clock.Func

	mtx    sync.Mutex
	cancel context.CancelFunc
	g      *errgroup.Group
	sync   *Synchronizer
}

func NewHandler(logger log.Logger, reader *Reader, now clock.Func) *Handler {
	if now == nil {
		now = clock.MonotonicNs
	}
	return &Handler{
		logger: logger,
		reader: reader,
		now:    now,
	}
}

// Start launches the samplers if opts asks for memory collection. The
// process sampler runs when a target pid is set, the cgroup sampler when
// EnableCgroupMemory is set.
func (h *Handler) Start(opts *capturepb.CaptureOptions, p processor.Processor) {
	if !opts.CollectMemoryInfo {
		return
	}

	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.cancel != nil {
		level.Warn(h.logger).Log("msg", "memory samplers already running")
		return
	}

	period := time.Duration(opts.MemorySamplingPeriodNs)
	if period <= 0 {
		period = DefaultSamplingPeriod
	}
	pid := int(opts.TargetPid)
	processEnabled := pid > 0

	var cgroup string
	if opts.EnableCgroupMemory && processEnabled {
		name, err := h.reader.MemoryCgroup(pid)
		if err != nil || name == "" {
			level.Warn(h.logger).Log("msg", "memory cgroup of target not found, not sampling it", "pid", pid, "err", err)
		}
		cgroup = name
	}
	cgroupEnabled := cgroup != ""

	s := NewSynchronizer(h.now(), uint64(period), cgroupEnabled, processEnabled, func(e *capturepb.MemoryUsageEvent) {
		if err := p.ProcessEvent(capturepb.MemoryInfoProducerID, e); err != nil {
			level.Error(h.logger).Log("msg", "failed to process memory usage event", "err", err)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}

	h.startSampler(ctx, g, "mem-sys", period, func() {
		ts := h.now()
		u, err := h.reader.SystemMemoryUsage()
		if err != nil {
			level.Debug(h.logger).Log("msg", "dropping system memory sample", "err", err)
			return
		}
		u.TimestampNs = ts
		s.OnSystemMemoryUsage(u)
	})
	if cgroupEnabled {
		h.startSampler(ctx, g, "mem-cg", period, func() {
			ts := h.now()
			u, err := h.reader.CGroupMemoryUsage(cgroup)
			if err != nil {
				level.Debug(h.logger).Log("msg", "dropping cgroup memory sample", "cgroup", cgroup, "err", err)
				return
			}
			u.TimestampNs = ts
			s.OnCGroupMemoryUsage(u)
		})
	}
	if processEnabled {
		h.startSampler(ctx, g, "mem-proc", period, func() {
			ts := h.now()
			u, err := h.reader.ProcessMemoryUsage(pid)
			if err != nil {
				level.Debug(h.logger).Log("msg", "dropping process memory sample", "pid", pid, "err", err)
				return
			}
			u.TimestampNs = ts
			s.OnProcessMemoryUsage(u)
		})
	}

	h.cancel = cancel
	h.g = g
	h.sync = s
	level.Debug(h.logger).Log("msg", "memory samplers started", "period", period, "cgroup", cgroup, "pid", pid)
}

func (h *Handler) startSampler(ctx context.Context, g *errgroup.Group, name string, period time.Duration, sample func()) {
	g.Go(func() error {
		runtimepprof.Do(ctx, runtimepprof.Labels("component", name), func(ctx context.Context) {
			runPeriodically(ctx, period, sample)
		})
		return nil
	})
}

// Stop cancels the samplers, waits for them to return and discards the
// windows that did not complete.
func (h *Handler) Stop() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.cancel == nil {
		return
	}

	h.cancel()
	_ = h.g.Wait()
	if n := h.sync.Pending(); n > 0 {
		level.Debug(h.logger).Log("msg", "discarding incomplete memory windows", "count", n)
	}
	h.sync.Reset()

	h.cancel = nil
	h.g = nil
	h.sync = nil
}
