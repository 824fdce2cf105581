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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

const (
	DefaultProcRoot   = procfs.DefaultMountPoint
	DefaultCgroupRoot = "/sys/fs/cgroup/memory"
)

var errEmptyFile = errors.New("empty file")

// Reader reads memory usage from procfs and from the cgroup v1 memory
// controller. Values that cannot be found are left at capturepb.MissingInfo.
type Reader struct {
	fs         procfs.FS
	procRoot   string
	cgroupRoot string
}

func NewReader(procRoot, cgroupRoot string) (*Reader, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs at %s: %w", procRoot, err)
	}
	return &Reader{
		fs:         fs,
		procRoot:   procRoot,
		cgroupRoot: cgroupRoot,
	}, nil
}

func kbOrMissing(v *uint64) int64 {
	if v == nil {
		return capturepb.MissingInfo
	}
	return int64(*v)
}

// SystemMemoryUsage reads /proc/meminfo and the page fault counters of
// /proc/vmstat.
func (r *Reader) SystemMemoryUsage() (*capturepb.SystemMemoryUsage, error) {
	u := capturepb.NewSystemMemoryUsage()

	mi, err := r.fs.Meminfo()
	if err != nil {
		return nil, fmt.Errorf("read meminfo: %w", err)
	}
	u.TotalKb = kbOrMissing(mi.MemTotal)
	u.FreeKb = kbOrMissing(mi.MemFree)
	u.AvailableKb = kbOrMissing(mi.MemAvailable)
	u.BuffersKb = kbOrMissing(mi.Buffers)
	u.CachedKb = kbOrMissing(mi.Cached)

	vmstat, err := readKeyValues(filepath.Join(r.procRoot, "vmstat"))
	if err != nil {
		return nil, fmt.Errorf("read vmstat: %w", err)
	}
	if v, ok := vmstat["pgfault"]; ok {
		u.Pgfault = v
	}
	if v, ok := vmstat["pgmajfault"]; ok {
		u.Pgmajfault = v
	}
	return u, nil
}

// ProcessMemoryUsage reads the fault counters from /proc/<pid>/stat and
// RssAnon from /proc/<pid>/status.
func (r *Reader) ProcessMemoryUsage(pid int) (*capturepb.ProcessMemoryUsage, error) {
	u := capturepb.NewProcessMemoryUsage()
	u.Pid = uint32(pid)

	p, err := r.fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}

	stat, err := p.Stat()
	if err != nil {
		return nil, fmt.Errorf("read stat of process %d: %w", pid, err)
	}
	u.Minflt = int64(stat.MinFlt)
	u.Majflt = int64(stat.MajFlt)

	status, err := p.NewStatus()
	if err != nil {
		return nil, fmt.Errorf("read status of process %d: %w", pid, err)
	}
	// procfs reports status sizes in bytes.
	u.RssAnonKb = int64(status.RssAnon / 1024)
	return u, nil
}

// SelfResidentMemory returns the resident set size of this process in bytes.
func (r *Reader) SelfResidentMemory() (uint64, error) {
	p, err := r.fs.Self()
	if err != nil {
		return 0, fmt.Errorf("open own process: %w", err)
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, fmt.Errorf("read own stat: %w", err)
	}
	return uint64(stat.ResidentMemory()), nil
}

// PhysicalMemory returns MemTotal in bytes.
func (r *Reader) PhysicalMemory() (uint64, error) {
	mi, err := r.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotalBytes == nil {
		return 0, errors.New("meminfo has no MemTotal")
	}
	return *mi.MemTotalBytes, nil
}

// MemoryCgroup returns the memory cgroup of pid without its leading slash,
// or an empty string if pid is not in a cgroup v1 memory hierarchy.
func (r *Reader) MemoryCgroup(pid int) (string, error) {
	p, err := r.fs.Proc(pid)
	if err != nil {
		return "", fmt.Errorf("open process %d: %w", pid, err)
	}
	cgroups, err := p.Cgroups()
	if err != nil {
		return "", fmt.Errorf("read cgroups of process %d: %w", pid, err)
	}
	return strings.TrimPrefix(findMemoryCgroup(cgroups).Path, "/"), nil
}

func findMemoryCgroup(cgroups []procfs.Cgroup) procfs.Cgroup {
	for _, cg := range cgroups {
		for _, ctlr := range cg.Controllers {
			if ctlr == "memory" {
				return cg
			}
		}
	}
	return procfs.Cgroup{}
}

// CgroupMemoryAvailable reports whether memory.stat of the memory cgroup of
// pid can be read.
func (r *Reader) CgroupMemoryAvailable(pid int) bool {
	if pid <= 0 {
		return false
	}
	name, err := r.MemoryCgroup(pid)
	if err != nil || name == "" {
		return false
	}
	_, err = os.Stat(filepath.Join(r.cgroupRoot, name, "memory.stat"))
	return err == nil
}

// CGroupMemoryUsage reads memory.limit_in_bytes and memory.stat of the
// named memory cgroup.
func (r *Reader) CGroupMemoryUsage(name string) (*capturepb.CGroupMemoryUsage, error) {
	u := capturepb.NewCGroupMemoryUsage()
	u.CgroupName = name
	dir := filepath.Join(r.cgroupRoot, name)

	limit, err := os.ReadFile(filepath.Join(dir, "memory.limit_in_bytes"))
	if err != nil {
		return nil, fmt.Errorf("read memory limit of cgroup %s: %w", name, err)
	}
	limit = bytes.TrimSpace(limit)
	if len(limit) == 0 {
		return nil, fmt.Errorf("read memory limit of cgroup %s: %w", name, errEmptyFile)
	}
	u.LimitBytes, err = strconv.ParseInt(string(limit), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse memory limit of cgroup %s: %w", name, err)
	}

	stat, err := readKeyValues(filepath.Join(dir, "memory.stat"))
	if err != nil {
		return nil, fmt.Errorf("read memory.stat of cgroup %s: %w", name, err)
	}
	for key, dst := range map[string]*int64{
		"rss":           &u.RssBytes,
		"mapped_file":   &u.MappedFileBytes,
		"pgfault":       &u.Pgfault,
		"pgmajfault":    &u.Pgmajfault,
		"unevictable":   &u.UnevictableBytes,
		"inactive_anon": &u.InactiveAnonBytes,
		"active_anon":   &u.ActiveAnonBytes,
		"inactive_file": &u.InactiveFileBytes,
		"active_file":   &u.ActiveFileBytes,
	} {
		if v, ok := stat[key]; ok {
			*dst = v
		}
	}
	return u, nil
}

// readKeyValues parses files made of "<key> <value>" lines, such as
// /proc/vmstat and memory.stat. Malformed lines are skipped.
func readKeyValues(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := map[string]int64{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		values[fields[0]] = v
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errEmptyFile
	}
	return values, nil
}
