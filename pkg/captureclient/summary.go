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

package captureclient

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/parca-dev/orbit/pkg/capturepb"
)

// Summary counts what a capture delivered.
type Summary struct {
	Responses uint64
	Bytes     uint64
	Events    map[string]uint64
	Finished  *capturepb.CaptureFinished
}

func newSummary() *Summary {
	return &Summary{Events: map[string]uint64{}}
}

func (s *Summary) add(resp *capturepb.CaptureResponse) {
	s.Responses++
	s.Bytes += uint64(resp.SizeVT())
	for _, e := range resp.CaptureEvents {
		s.Events[eventName(e)]++
		if f, ok := e.(*capturepb.CaptureFinished); ok {
			s.Finished = f
		}
	}
}

func (s *Summary) TotalEvents() uint64 {
	var n uint64
	for _, c := range s.Events {
		n += c
	}
	return n
}

// Print writes one line per event type, most frequent first.
func (s *Summary) Print(w io.Writer) error {
	names := make([]string, 0, len(s.Events))
	for name := range s.Events {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if s.Events[names[i]] != s.Events[names[j]] {
			return s.Events[names[i]] > s.Events[names[j]]
		}
		return names[i] < names[j]
	})

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%s\t\n", name, humanize.Comma(int64(s.Events[name])))
	}
	fmt.Fprintf(tw, "total\t%s\t\n", humanize.Comma(int64(s.TotalEvents())))
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "%s events in %s responses (%s)\n",
		humanize.Comma(int64(s.TotalEvents())),
		humanize.Comma(int64(s.Responses)),
		humanize.Bytes(s.Bytes),
	)
	return err
}

func eventName(e capturepb.ClientCaptureEvent) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", e), "*capturepb.")
}
