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

package tracing

import (
	"context"
	"errors"
	"fmt"
	runtimepprof "runtime/pprof"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/orbit/pkg/capturepb"
	"github.com/parca-dev/orbit/pkg/processor"
)

// Handler runs the tracer of a capture and hands every event it reports to
// the processor as the Linux tracing producer.
type Handler struct {
	logger  log.Logger
	factory TracerFactory

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mtx       sync.RWMutex
	processor processor.Processor
	onFatal   func(error)
}

var _ TracerListener = (*Handler)(nil)

func NewHandler(logger log.Logger, factory TracerFactory) *Handler {
	return &Handler{
		logger:  logger,
		factory: factory,
	}
}

// Start creates the tracer for opts and runs it until Stop. onFatal is
// called if the tracer fails.
func (h *Handler) Start(opts *capturepb.CaptureOptions, p processor.Processor, onFatal func(error)) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.cancel != nil {
		return errors.New("tracer already running")
	}

	h.mtx.Lock()
	h.processor = p
	h.onFatal = onFatal
	h.mtx.Unlock()

	tracer, err := h.factory(opts, h)
	if err != nil {
		h.reset()
		return fmt.Errorf("create tracer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtimepprof.Do(ctx, runtimepprof.Labels("component", "tracer"), func(ctx context.Context) {
			level.Debug(h.logger).Log("msg", "starting: tracer")
			err := tracer.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				h.OnFatalError(err)
			}
			level.Debug(h.logger).Log("msg", "stopped: tracer", "err", err)
		})
	}()

	h.cancel = cancel
	h.done = done
	return nil
}

// Stop blocks until the tracer has returned. Events reported after Stop are
// dropped.
func (h *Handler) Stop() {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	h.done = nil
	h.reset()
}

func (h *Handler) reset() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.processor = nil
	h.onFatal = nil
}

func (h *Handler) process(e capturepb.ProducerCaptureEvent) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()

	if h.processor == nil {
		return
	}
	if err := h.processor.ProcessEvent(capturepb.LinuxTracingProducerID, e); err != nil {
		level.Debug(h.logger).Log("msg", "failed to process tracer event", "err", err)
	}
}

func (h *Handler) OnSchedulingSlice(e *capturepb.SchedulingSlice)         { h.process(e) }
func (h *Handler) OnCallstackSample(e *capturepb.FullCallstackSample)     { h.process(e) }
func (h *Handler) OnFunctionCall(e *capturepb.FunctionCall)               { h.process(e) }
func (h *Handler) OnIntrospectionScope(e *capturepb.IntrospectionScope)   { h.process(e) }
func (h *Handler) OnGpuJob(e *capturepb.FullGpuJob)                       { h.process(e) }
func (h *Handler) OnThreadName(e *capturepb.ThreadName)                   { h.process(e) }
func (h *Handler) OnThreadNamesSnapshot(e *capturepb.ThreadNamesSnapshot) { h.process(e) }
func (h *Handler) OnThreadStateSlice(e *capturepb.ThreadStateSlice)       { h.process(e) }
func (h *Handler) OnAddressInfo(e *capturepb.FullAddressInfo)             { h.process(e) }
func (h *Handler) OnTracepointEvent(e *capturepb.FullTracepointEvent)     { h.process(e) }
func (h *Handler) OnModuleUpdate(e *capturepb.ModuleUpdateEvent)          { h.process(e) }
func (h *Handler) OnModulesSnapshot(e *capturepb.ModulesSnapshot)         { h.process(e) }
func (h *Handler) OnLostPerfRecords(e *capturepb.LostPerfRecordsEvent)    { h.process(e) }
func (h *Handler) OnWarning(e *capturepb.WarningEvent)                    { h.process(e) }

func (h *Handler) OnFatalError(err error) {
	level.Error(h.logger).Log("msg", "tracer failed", "err", err)

	h.mtx.RLock()
	onFatal := h.onFatal
	h.mtx.RUnlock()
	if onFatal != nil {
		onFatal(err)
	}
}
