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

package blockalloc

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	descBlocksFree = iota
	descBlocksRefs
)

var (
	descriptors = []*prometheus.Desc{
		descBlocksFree: prometheus.NewDesc(
			"free",
			"Number of free blocks queued in a block allocator.",
			[]string{
				"size",
			},
			nil,
		),
		descBlocksRefs: prometheus.NewDesc(
			"references",
			"Number of references to a block allocator.",
			[]string{
				"size",
			},
			nil,
		),
	}
)

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, s := range r.Stats() {
		size := strconv.Itoa(s.Size)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descBlocksFree],
			prometheus.GaugeValue,
			float64(s.Free),
			size,
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descBlocksRefs],
			prometheus.GaugeValue,
			float64(s.Refs),
			size,
		)
	}
}
