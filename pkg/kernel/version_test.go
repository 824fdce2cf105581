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
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"
)

func TestParseRelease(t *testing.T) {
	t.Parallel()

	for release, want := range map[string]string{
		"6.18.44-fc-v130":    "6.18.44",
		"5.15.0-101-generic": "5.15.0",
		"4.19":               "4.19.0",
	} {
		v, err := parseRelease(release)
		require.NoError(t, err, release)
		require.Equal(t, want, v.String())
	}

	_, err := parseRelease("not-a-kernel")
	require.Error(t, err)
}

func TestSupportsUprobePerfEvents(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		version string
		want    bool
	}{
		{version: "4.15", want: false},
		{version: "4.16.18", want: false},
		{version: "4.17", want: true},
		{version: "5.10.1", want: true},
	}
	for _, tt := range testcases {
		require.Equal(t, tt.want, SupportsUprobePerfEvents(semver.MustParse(tt.version)), tt.version)
	}
}
