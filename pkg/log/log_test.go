// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/vmcore/pkg/apis/config/v1alpha1/log"
)

func TestSourceMap(t *testing.T) {
	for _, tc := range []struct {
		value    string
		expected string
		invalid  bool
	}{
		{value: "", expected: ""},
		{value: "vm,slab", expected: "on:slab,vm"},
		{value: "all,off:kdaemon", expected: "on:*,off:kdaemon"},
		{value: "off:vm,pages", expected: "off:pages,vm"},
		{value: "maybe:vm", invalid: true},
		{value: "on:vm:slab", invalid: true},
	} {
		m := srcmap{}
		err := m.parse(tc.value)
		if tc.invalid {
			require.Error(t, err, tc.value)
			continue
		}
		require.NoError(t, err, tc.value)
		require.Equal(t, tc.expected, m.String(), tc.value)
	}
}

func TestConfigure(t *testing.T) {
	defer func() {
		require.NoError(t, Configure(&cfgapi.Config{}))
	}()

	require.NoError(t, Configure(&cfgapi.Config{Level: "warn", Debug: []string{"vm"}}))
	require.False(t, log.enabled(LevelInfo))
	require.True(t, log.enabled(LevelError))
	require.True(t, Get("vm").DebugEnabled())
	require.False(t, Get("slab").DebugEnabled())

	require.Error(t, Configure(&cfgapi.Config{Level: "loud"}))

	l, err := ParseLevel("Warning")
	require.NoError(t, err)
	require.Equal(t, LevelWarn, l)
}
