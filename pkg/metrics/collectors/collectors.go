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

package collectors

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	cfgapi "github.com/containers/vmcore/pkg/apis/config/v1alpha1"
	"github.com/containers/vmcore/pkg/metrics"
	"github.com/containers/vmcore/pkg/version"
)

// Group is the group of the standard process collectors.
const Group = "standard"

// NewVersionInfoCollector returns a constant gauge labeled with version
// and build.
func NewVersionInfoCollector(v, b string) prometheus.Collector {
	return constInfo("version_info", "A metric with constant '1' value labeled by version and build info.",
		prometheus.Labels{
			"version": v,
			"build":   b,
		})
}

// NewConfigInfoCollector returns a constant gauge labeled with the
// memory configuration the kernel was booted with.
func NewConfigInfoCollector(cfg *cfgapi.Config) prometheus.Collector {
	return constInfo("memory_config_info", "A metric with constant '1' value labeled by memory configuration.",
		prometheus.Labels{
			"backend":       cfg.Memory.Backend,
			"page_size":     strconv.Itoa(cfg.PageSize()),
			"pages":         strconv.Itoa(cfg.PhysicalPages()),
			"slab_strategy": cfg.Slab.Strategy,
			"overcommit":    strconv.FormatBool(cfg.Memory.Overcommit),
			"swap_areas":    strconv.Itoa(len(cfg.Swap)),
		})
}

func constInfo(name, help string, labels prometheus.Labels) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		},
		func() float64 { return 1 },
	)
}

// Register registers the build, Go runtime, process, version and memory
// configuration collectors in the registry. Their metrics are not
// prefixed. A nil cfg leaves out the configuration collector.
func Register(r *metrics.Registry, cfg *cfgapi.Config) error {
	standard := map[string]prometheus.Collector{
		"buildinfo":   collectors.NewBuildInfoCollector(),
		"golang":      collectors.NewGoCollector(),
		"process":     collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		"versioninfo": NewVersionInfoCollector(version.Version, version.Build),
	}
	if cfg != nil {
		standard["configinfo"] = NewConfigInfoCollector(cfg)
	}

	for name, collector := range standard {
		if err := r.Register(Group, name, collector, metrics.WithoutPrefix()); err != nil {
			return err
		}
	}
	return nil
}
