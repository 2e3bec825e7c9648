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

package klogcontrol_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/vmcore/pkg/apis/config/v1alpha1/log/klogcontrol"
	"github.com/containers/vmcore/pkg/log/klogcontrol"
)

func TestConfigure(t *testing.T) {
	var (
		ctl       = klogcontrol.Get()
		verbosity = 3
		reset     = 0
	)

	require.NoError(t, ctl.Configure(&cfgapi.Config{V: &verbosity, Vmodule: "vm*=4"}))
	values := ctl.Values()
	require.Equal(t, "3", values["v"])
	require.Equal(t, "vm*=4", values["vmodule"])

	require.Error(t, ctl.Configure(&cfgapi.Config{Stderrthreshold: "LOUD"}))

	require.NoError(t, ctl.Configure(&cfgapi.Config{V: &reset}))
	require.NotContains(t, ctl.Values(), "v")
}
