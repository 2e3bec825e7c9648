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

package kdaemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	descDaemons = iota
	descIterations
	descCalls
	descSlowCalls
	descCallSeconds
)

var (
	descriptors = []*prometheus.Desc{
		descDaemons: prometheus.NewDesc(
			"daemons",
			"Number of registered daemons.",
			nil,
			nil,
		),
		descIterations: prometheus.NewDesc(
			"iterations_total",
			"Number of daemon loop iterations.",
			nil,
			nil,
		),
		descCalls: prometheus.NewDesc(
			"calls_total",
			"Number of calls to a daemon.",
			[]string{
				"daemon",
			},
			nil,
		),
		descSlowCalls: prometheus.NewDesc(
			"slow_calls_total",
			"Number of daemon calls longer than the quantum.",
			[]string{
				"daemon",
			},
			nil,
		),
		descCallSeconds: prometheus.NewDesc(
			"call_seconds_total",
			"Time spent in calls to a daemon.",
			[]string{
				"daemon",
			},
			nil,
		),
	}
)

// Describe implements prometheus.Collector.
func (d *Daemon) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range descriptors {
		ch <- desc
	}
}

// Collect implements prometheus.Collector.
func (d *Daemon) Collect(ch chan<- prometheus.Metric) {
	d.Lock()
	defer d.Unlock()

	ch <- prometheus.MustNewConstMetric(descriptors[descDaemons],
		prometheus.GaugeValue, float64(len(d.daemons)))
	ch <- prometheus.MustNewConstMetric(descriptors[descIterations],
		prometheus.CounterValue, float64(d.iterations.Load()))

	for _, dm := range d.daemons {
		ch <- prometheus.MustNewConstMetric(descriptors[descCalls],
			prometheus.CounterValue, float64(dm.calls), dm.name)
		ch <- prometheus.MustNewConstMetric(descriptors[descSlowCalls],
			prometheus.CounterValue, float64(dm.slow), dm.name)
		ch <- prometheus.MustNewConstMetric(descriptors[descCallSeconds],
			prometheus.CounterValue, dm.elapsed.Seconds(), dm.name)
	}
}
