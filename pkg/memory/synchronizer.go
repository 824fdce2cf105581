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
	"math"
	"sync"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

// Listener receives the samples of the three memory samplers.
type Listener interface {
	OnSystemMemoryUsage(u *capturepb.SystemMemoryUsage)
	OnCGroupMemoryUsage(u *capturepb.CGroupMemoryUsage)
	OnProcessMemoryUsage(u *capturepb.ProcessMemoryUsage)
}

type window struct {
	system  *capturepb.SystemMemoryUsage
	cgroup  *capturepb.CGroupMemoryUsage
	process *capturepb.ProcessMemoryUsage
}

// Synchronizer merges the samples of the three sources into one
// MemoryUsageEvent per sampling window. A sample belongs to window
// round((timestamp - start) / period). A window fires once it holds a system
// sample plus a cgroup and a process sample for the sources that are
// enabled; windows that never complete are never emitted.
type Synchronizer struct {
	startNs  uint64
	periodNs uint64

	cgroupEnabled  bool
	processEnabled bool

	emit func(*capturepb.MemoryUsageEvent)

	mtx     sync.Mutex
	windows map[int64]*window
}

var _ Listener = (*Synchronizer)(nil)

func NewSynchronizer(startNs, periodNs uint64, cgroupEnabled, processEnabled bool, emit func(*capturepb.MemoryUsageEvent)) *Synchronizer {
	if periodNs == 0 {
		periodNs = 1
	}
	return &Synchronizer{
		startNs:        startNs,
		periodNs:       periodNs,
		cgroupEnabled:  cgroupEnabled,
		processEnabled: processEnabled,
		emit:           emit,
		windows:        map[int64]*window{},
	}
}

func (s *Synchronizer) windowID(timestampNs uint64) int64 {
	delta := float64(int64(timestampNs - s.startNs))
	return int64(math.Round(delta / float64(s.periodNs)))
}

func (s *Synchronizer) OnSystemMemoryUsage(u *capturepb.SystemMemoryUsage) {
	s.add(u.TimestampNs, func(w *window) { w.system = u })
}

func (s *Synchronizer) OnCGroupMemoryUsage(u *capturepb.CGroupMemoryUsage) {
	if !s.cgroupEnabled {
		return
	}
	s.add(u.TimestampNs, func(w *window) { w.cgroup = u })
}

func (s *Synchronizer) OnProcessMemoryUsage(u *capturepb.ProcessMemoryUsage) {
	if !s.processEnabled {
		return
	}
	s.add(u.TimestampNs, func(w *window) { w.process = u })
}

func (s *Synchronizer) add(timestampNs uint64, set func(*window)) {
	id := s.windowID(timestampNs)

	s.mtx.Lock()
	w, ok := s.windows[id]
	if !ok {
		w = &window{}
		s.windows[id] = w
	}
	set(w)
	if !s.complete(w) {
		s.mtx.Unlock()
		return
	}
	delete(s.windows, id)
	s.mtx.Unlock()

	s.emit(s.merge(w))
}

func (s *Synchronizer) complete(w *window) bool {
	return w.system != nil &&
		(!s.cgroupEnabled || w.cgroup != nil) &&
		(!s.processEnabled || w.process != nil)
}

func (s *Synchronizer) merge(w *window) *capturepb.MemoryUsageEvent {
	timestamps := []uint64{w.system.TimestampNs}
	if w.cgroup != nil {
		timestamps = append(timestamps, w.cgroup.TimestampNs)
	}
	if w.process != nil {
		timestamps = append(timestamps, w.process.TimestampNs)
	}

	return &capturepb.MemoryUsageEvent{
		TimestampNs:        meanTimestamp(timestamps),
		SystemMemoryUsage:  w.system,
		CgroupMemoryUsage:  w.cgroup,
		ProcessMemoryUsage: w.process,
	}
}

// meanTimestamp averages relative to the smallest timestamp so that the sum
// cannot overflow.
func meanTimestamp(timestamps []uint64) uint64 {
	offset := timestamps[0]
	for _, ts := range timestamps[1:] {
		offset = min(offset, ts)
	}
	var sum uint64
	for _, ts := range timestamps {
		sum += ts - offset
	}
	return offset + sum/uint64(len(timestamps))
}

// Pending returns the number of windows still waiting for samples.
func (s *Synchronizer) Pending() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.windows)
}

// Reset discards every incomplete window.
func (s *Synchronizer) Reset() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.windows = map[int64]*window{}
}
