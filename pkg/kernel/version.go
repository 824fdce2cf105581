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

package kernel

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/zcalusic/sysinfo"
)

var uprobePerfEvents = semver.MustParse("4.17")

// Release returns the version of the running kernel, without its local
// suffix.
func Release() (*semver.Version, error) {
	var si sysinfo.SysInfo
	si.GetSysInfo()

	return parseRelease(si.Kernel.Release)
}

func parseRelease(release string) (*semver.Version, error) {
	short, _, _ := strings.Cut(release, "-")
	return semver.NewVersion(short)
}

// SupportsUprobePerfEvents reports whether uprobes can be opened with
// perf_event_open, which dynamic instrumentation relies on.
func SupportsUprobePerfEvents(v *semver.Version) bool {
	return !v.LessThan(uprobePerfEvents)
}
