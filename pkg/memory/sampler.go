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
	"context"
	"time"
)

// runPeriodically calls sample at start, start+period, start+2*period and
// so on until ctx is done. Deadlines are computed from the schedule, not
// from when sample returns, so a slow sample does not shift later ones.
func runPeriodically(ctx context.Context, period time.Duration, sample func()) {
	scheduled := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		sample()

		scheduled = scheduled.Add(period)
		timer.Reset(time.Until(scheduled))
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}
