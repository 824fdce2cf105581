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

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrEmptyConfig = errors.New("empty config")

// Config holds the settings of the service that can change while it runs.
type Config struct {
	Capture      CaptureConfig      `yaml:"capture,omitempty"`
	ProducerSide ProducerSideConfig `yaml:"producer_side,omitempty"`
}

type CaptureConfig struct {
	// MemorySamplingPeriod is used by captures collecting memory info
	// that do not set a period.
	MemorySamplingPeriod time.Duration `yaml:"memory_sampling_period,omitempty"`
}

type ProducerSideConfig struct {
	MaxWaitForAllEventsSent time.Duration `yaml:"max_wait_for_all_events_sent,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

func (c *Config) validate() error {
	if c.Capture.MemorySamplingPeriod < 0 {
		return fmt.Errorf("capture.memory_sampling_period must not be negative, got %s", c.Capture.MemorySamplingPeriod)
	}
	if c.ProducerSide.MaxWaitForAllEventsSent < 0 {
		return fmt.Errorf("producer_side.max_wait_for_all_events_sent must not be negative, got %s", c.ProducerSide.MaxWaitForAllEventsSent)
	}
	return nil
}

// Load parses the YAML input s into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	// Keys that are not part of Config set flags, see flags.Parse.
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
