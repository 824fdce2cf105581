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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ComponentReloader is called with every valid configuration read from the
// watched file.
type ComponentReloader struct {
	Name     string
	Reloader func(*Config) error
}

// Apply hands cfg to every component and joins what they fail with.
func Apply(cfg *Config, reloaders []ComponentReloader) error {
	var errs []error
	for _, c := range reloaders {
		if err := c.Reloader(cfg); err != nil {
			errs = append(errs, fmt.Errorf("reload %s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}

type reloaderMetrics struct {
	reloads         *prometheus.CounterVec
	lastSuccessful  prometheus.Gauge
	lastSuccessTime prometheus.Gauge
}

func newReloaderMetrics(reg prometheus.Registerer) *reloaderMetrics {
	return &reloaderMetrics{
		reloads: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "orbit_config_reloads_total",
			Help: "Number of configuration reload attempts by result.",
		}, []string{"result"}),
		lastSuccessful: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orbit_config_last_reload_successful",
			Help: "Whether the last configuration reload attempt was successful.",
		}),
		lastSuccessTime: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "orbit_config_last_reload_success_timestamp_seconds",
			Help: "Timestamp of the last successful configuration reload.",
		}),
	}
}

// ConfigReloader watches a configuration file and hands every new version
// of it to the registered components.
type ConfigReloader struct {
	logger             log.Logger
	filename           string
	watcher            *fsnotify.Watcher
	componentReloaders []ComponentReloader
	metrics            *reloaderMetrics
}

func NewConfigReloader(
	logger log.Logger,
	reg prometheus.Registerer,
	filename string,
	reloaders []ComponentReloader,
) (*ConfigReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	// Adding a symlink watches the file it points to.
	if err := watcher.Add(filename); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filename, err)
	}

	return &ConfigReloader{
		logger:             log.With(logger, "component", "config-reloader"),
		filename:           filename,
		watcher:            watcher,
		componentReloaders: reloaders,
		metrics:            newReloaderMetrics(reg),
	}, nil
}

// Run watches the file until ctx is done.
func (r *ConfigReloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	level.Debug(r.logger).Log("msg", "starting config reloader", "file", r.filename)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			level.Debug(r.logger).Log("msg", "config file changed", "event", event.Op.String())

			switch {
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				// The watch went away with the file. A symlink that was
				// swapped to a new file is followed again here.
				_ = r.watcher.Remove(event.Name)
				if err := r.watcher.Add(r.filename); err != nil {
					level.Error(r.logger).Log("msg", "failed to watch config file again", "file", r.filename, "err", err)
					continue
				}
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
			default:
				continue
			}
			r.reload()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			level.Error(r.logger).Log("msg", "config file watcher failed", "err", err)
		}
	}
}

func (r *ConfigReloader) reload() {
	cfg, err := LoadFile(r.filename)
	if err != nil {
		if errors.Is(err, ErrEmptyConfig) {
			level.Debug(r.logger).Log("msg", "config file is empty, skipping reload")
			return
		}
		r.failed(err)
		return
	}

	if err := Apply(cfg, r.componentReloaders); err != nil {
		r.failed(err)
		return
	}

	r.metrics.reloads.WithLabelValues("success").Inc()
	r.metrics.lastSuccessful.Set(1)
	r.metrics.lastSuccessTime.Set(float64(time.Now().Unix()))
	level.Info(r.logger).Log("msg", "configuration reloaded", "file", r.filename)
}

func (r *ConfigReloader) failed(err error) {
	r.metrics.reloads.WithLabelValues("failure").Inc()
	r.metrics.lastSuccessful.Set(0)
	level.Error(r.logger).Log("msg", "failed to reload configuration", "err", err)
}
