// Copyright 2022-2023 The Parca Authors
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

// Package rlimit adjusts the resource limits of the service. Tracing opens
// one perf event per CPU and per tracepoint, so the open files limit is
// usually the first to run out.
package rlimit

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

var rlimitMu sync.Mutex

// RaiseOpenFiles raises the soft limit on open files to the hard limit and
// returns the limit in effect afterwards.
func RaiseOpenFiles() (unix.Rlimit, error) {
	rlimitMu.Lock()
	defer rlimitMu.Unlock()

	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return limit, fmt.Errorf("failed to get rlimit: %w", err)
	}
	if limit.Cur < limit.Max {
		limit.Cur = limit.Max
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
			return limit, fmt.Errorf("failed to increase rlimit: %w", err)
		}
	}

	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return limit, fmt.Errorf("failed to get rlimit: %w", err)
	}
	return limit, nil
}

func HumanizeRLimit(val uint64) string {
	if val == unix.RLIM_INFINITY {
		return "unlimited"
	}
	return humanize.Comma(int64(val))
}

// Files returns the soft and hard limits on the number of open files of
// the calling process.
func Files() (uint64, uint64, error) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return 0, 0, err
	}
	return limit.Cur, limit.Max, nil
}
