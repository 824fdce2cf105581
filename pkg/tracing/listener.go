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

	"github.com/parca-dev/orbit/pkg/capturepb"
)

// TracerListener is called by a Tracer from any of its goroutines. Events
// passed to it are owned by the listener from then on.
type TracerListener interface {
	OnSchedulingSlice(e *capturepb.SchedulingSlice)
	OnCallstackSample(e *capturepb.FullCallstackSample)
	OnFunctionCall(e *capturepb.FunctionCall)
	OnIntrospectionScope(e *capturepb.IntrospectionScope)
	OnGpuJob(e *capturepb.FullGpuJob)
	OnThreadName(e *capturepb.ThreadName)
	OnThreadNamesSnapshot(e *capturepb.ThreadNamesSnapshot)
	OnThreadStateSlice(e *capturepb.ThreadStateSlice)
	OnAddressInfo(e *capturepb.FullAddressInfo)
	OnTracepointEvent(e *capturepb.FullTracepointEvent)
	OnModuleUpdate(e *capturepb.ModuleUpdateEvent)
	OnModulesSnapshot(e *capturepb.ModulesSnapshot)
	OnLostPerfRecords(e *capturepb.LostPerfRecordsEvent)
	OnWarning(e *capturepb.WarningEvent)

	// OnFatalError aborts the capture.
	OnFatalError(err error)
}

// Tracer collects events for one capture. Run blocks until ctx is done or
// tracing fails, and must not call the listener after it has returned.
type Tracer interface {
	Run(ctx context.Context) error
}

// TracerFactory creates the tracer for a capture.
type TracerFactory func(opts *capturepb.CaptureOptions, l TracerListener) (Tracer, error)

// NoopTracer produces no events.
type NoopTracer struct{}

func (NoopTracer) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
