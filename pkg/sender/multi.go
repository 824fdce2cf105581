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

package sender

import (
	"errors"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

// MultiSender hands every batch to each of its senders in turn. A failing
// sender does not prevent the others from receiving the batch.
type MultiSender []Sender

func (m MultiSender) SendEvents(events []capturepb.ClientCaptureEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.SendEvents(events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
