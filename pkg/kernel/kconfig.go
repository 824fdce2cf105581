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
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/zcalusic/sysinfo"
)

type configOption struct {
	name string
	// Used for specifying synonymous kernel options
	alternatives []string
}

// tracingOptions are needed to sample callstacks, read tracepoints and
// instrument functions.
var tracingOptions = []configOption{
	{name: "CONFIG_PERF_EVENTS"},
	{name: "CONFIG_TRACEPOINTS"},
	{name: "CONFIG_UPROBE_EVENTS", alternatives: []string{"CONFIG_UPROBES"}},
}

var configLine = regexp.MustCompile("^(?:# *)?(CONFIG_\\w*)(?:=| )(y|n|m|is not set|\\d+|0x.+|\".*\")$")

// ConfigPaths lists where the configuration of the running kernel may be
// found, in order of preference.
func ConfigPaths() []string {
	var si sysinfo.SysInfo
	si.GetSysInfo()

	return []string{
		"/proc/config.gz",
		"/boot/config",
		"/boot/config-" + si.Kernel.Release,
	}
}

// CheckTracingEnabled looks for the first readable kernel config among
// paths and checks the options tracing depends on.
func CheckTracingEnabled(paths []string) error {
	var result error
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			result = errors.Join(result, err)
			continue
		}
		config, err := readConfig(path)
		if err != nil {
			return err
		}
		return checkOptions(config, tracingOptions)
	}

	if result != nil {
		return result
	}
	return fmt.Errorf("kernel config not found, tried paths: %s", strings.Join(paths, ", "))
}

func checkOption(config map[string]string, option string) error {
	value, found := config[option]
	if !found {
		return fmt.Errorf("kernel config required for tracing not found, Config Option:%s", option)
	}
	if value != "y" && value != "m" {
		return fmt.Errorf("kernel config required for tracing is disabled, Config Option:%s", option)
	}
	return nil
}

func checkOptions(config map[string]string, options []configOption) error {
	for _, option := range options {
		err := checkOption(config, option.name)
		if err == nil {
			continue
		}
		if len(option.alternatives) == 0 {
			return err
		}

		var altFound bool
		for _, alt := range option.alternatives {
			if checkOption(config, alt) == nil {
				altFound = true
				break
			}
		}
		if !altFound {
			return fmt.Errorf("%w; alternatives checked: %s", err, strings.Join(option.alternatives, ", "))
		}
	}
	return nil
}

// readConfig reads a kernel config, gzip compressed when its name ends
// in .gz.
func readConfig(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}

	config := make(map[string]string)
	if err := parse(bufio.NewScanner(r), config); err != nil {
		return nil, err
	}
	return config, nil
}

func parse(s *bufio.Scanner, p map[string]string) error {
	for s.Scan() {
		t := s.Text()
		if t == "" {
			continue
		}

		// 1 is the key, 2 is the value.
		m := configLine.FindStringSubmatch(t)
		if m == nil {
			continue
		}
		if len(m[2]) > 1 {
			m[2] = strings.Trim(m[2], "\"")
		}
		p[m[1]] = m[2]
	}
	return s.Err()
}
