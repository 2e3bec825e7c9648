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

package collectors_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	cfgapi "github.com/containers/vmcore/pkg/apis/config/v1alpha1"
	"github.com/containers/vmcore/pkg/metrics"
	"github.com/containers/vmcore/pkg/metrics/collectors"
	"github.com/containers/vmcore/pkg/version"
)

func TestRegister(t *testing.T) {
	r := metrics.NewRegistry()
	require.NoError(t, collectors.Register(r, nil))
	require.Contains(t, r.Collectors(), "standard/versioninfo")
	require.NotContains(t, r.Collectors(), "standard/configinfo")

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"standard/versioninfo"}, nil), metrics.WithPollInterval(0))
	require.NoError(t, err)

	expected := `
# HELP version_info A metric with constant '1' value labeled by version and build info.
# TYPE version_info gauge
version_info{build="` + version.Build + `",version="` + version.Version + `"} 1
`
	require.NoError(t, testutil.GatherAndCompare(g, strings.NewReader(expected), "version_info"))
}

func TestConfigInfo(t *testing.T) {
	cfg := cfgapi.Default()
	cfg.Memory.Backend = cfgapi.BackendHeap
	cfg.Memory.PhysicalMemory = resource.MustParse("1Mi")

	r := metrics.NewRegistry()
	require.NoError(t, collectors.Register(r, cfg))
	require.Error(t, collectors.Register(r, cfg), "duplicate registration")

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"configinfo"}, nil), metrics.WithPollInterval(0))
	require.NoError(t, err)

	expected := `
# HELP memory_config_info A metric with constant '1' value labeled by memory configuration.
# TYPE memory_config_info gauge
memory_config_info{backend="heap",overcommit="false",page_size="4096",pages="256",slab_strategy="merged",swap_areas="0"} 1
`
	require.NoError(t, testutil.GatherAndCompare(g, strings.NewReader(expected), "memory_config_info"))
}
