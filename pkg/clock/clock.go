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

// Package clock reads CLOCK_MONOTONIC, the clock every capture timestamp
// is taken from.
package clock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Func returns a monotonic timestamp in nanoseconds.
type Func func() uint64

// MonotonicNs returns the current CLOCK_MONOTONIC time in nanoseconds.
func MonotonicNs() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is always available on Linux.
		panic(fmt.Sprintf("clock_gettime(CLOCK_MONOTONIC): %v", err))
	}
	return uint64(ts.Nano())
}

// ResolutionNs returns the resolution of CLOCK_MONOTONIC in nanoseconds.
func ResolutionNs() (uint64, error) {
	var ts unix.Timespec
	if err := unix.ClockGetres(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, fmt.Errorf("clock_getres(CLOCK_MONOTONIC): %w", err)
	}
	return uint64(ts.Nano()), nil
}
