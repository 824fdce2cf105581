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

package capture

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const DefaultWatchdogInterval = time.Second

// ResidentMemory reads the memory used by the service and the memory of the
// machine, both in bytes.
type ResidentMemory interface {
	SelfResidentMemory() (uint64, error)
	PhysicalMemory() (uint64, error)
}

type Option func(*Service)

// WithMemoryWatchdog interrupts a capture once the resident set size of the
// service exceeds half of the physical memory. It is checked every interval.
func WithMemoryWatchdog(m ResidentMemory, interval time.Duration) Option {
	return func(s *Service) {
		if interval <= 0 {
			interval = DefaultWatchdogInterval
		}
		s.watchdogMemory = m
		s.watchdogInterval = interval
	}
}

// watchdog is started with each capture. A nil *watchdog never fires.
type watchdog struct {
	logger    log.Logger
	memory    ResidentMemory
	threshold uint64
	ticker    *time.Ticker

	readFailed bool
}

func (s *Service) startWatchdog(logger log.Logger) *watchdog {
	if s.watchdogMemory == nil {
		return nil
	}
	total, err := s.watchdogMemory.PhysicalMemory()
	if err != nil {
		level.Warn(logger).Log("msg", "memory watchdog disabled, failed to read physical memory", "err", err)
		return nil
	}
	w := &watchdog{
		logger:    logger,
		memory:    s.watchdogMemory,
		threshold: total / 2,
		ticker:    time.NewTicker(s.watchdogInterval),
	}
	level.Debug(logger).Log("msg", "starting memory watchdog", "threshold_bytes", w.threshold, "physical_bytes", total)
	return w
}

func (w *watchdog) C() <-chan time.Time {
	if w == nil {
		return nil
	}
	return w.ticker.C
}

// exceeded reads the resident set size once. A failed read is logged the
// first time and otherwise ignored.
func (w *watchdog) exceeded() bool {
	rss, err := w.memory.SelfResidentMemory()
	if err != nil {
		if !w.readFailed {
			level.Error(w.logger).Log("msg", "failed to read resident set size of the service", "err", err)
			w.readFailed = true
		}
		return false
	}
	if rss <= w.threshold {
		return false
	}
	level.Warn(w.logger).Log("msg", "memory threshold exceeded, stopping capture", "rss_bytes", rss, "threshold_bytes", w.threshold)
	return true
}

func (w *watchdog) stop() {
	if w == nil {
		return
	}
	w.ticker.Stop()
}
