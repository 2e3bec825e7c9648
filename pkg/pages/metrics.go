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

package pages

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	descFramesTotal = iota
	descFramesFree
)

var (
	descriptors = []*prometheus.Desc{
		descFramesTotal: prometheus.NewDesc(
			"frames_total",
			"Number of physical page frames.",
			nil,
			nil,
		),
		descFramesFree: prometheus.NewDesc(
			"frames_free",
			"Number of free physical page frames.",
			nil,
			nil,
		),
	}
)

// Describe implements prometheus.Collector.
func (f *FrameAllocator) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (f *FrameAllocator) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		descriptors[descFramesTotal],
		prometheus.GaugeValue,
		float64(f.TotalFrames()),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descFramesFree],
		prometheus.GaugeValue,
		float64(f.FreeFrames()),
	)
}
