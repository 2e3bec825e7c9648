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

package vm

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	descAddressSpaces = iota
	descRegions
	descStores
	descMappedPages
	descFaults
	descPageOuts
	descCommitted
	descCommitLimit
	descPinnedPages
	descSwapSlots
	descSwapSlotsFree
)

var (
	descriptors = []*prometheus.Desc{
		descAddressSpaces: prometheus.NewDesc(
			"address_spaces",
			"Number of address spaces.",
			nil,
			nil,
		),
		descRegions: prometheus.NewDesc(
			"regions",
			"Number of regions per address space.",
			[]string{"aspace", "name"},
			nil,
		),
		descStores: prometheus.NewDesc(
			"stores",
			"Number of backing stores.",
			nil,
			nil,
		),
		descMappedPages: prometheus.NewDesc(
			"mapped_pages",
			"Number of mapped pages per address space.",
			[]string{"aspace", "name"},
			nil,
		),
		descFaults: prometheus.NewDesc(
			"faults_total",
			"Number of page faults.",
			nil,
			nil,
		),
		descPageOuts: prometheus.NewDesc(
			"page_outs_total",
			"Number of pages written to swap.",
			nil,
			nil,
		),
		descCommitted: prometheus.NewDesc(
			"committed_bytes",
			"Memory committed to anonymous stores.",
			nil,
			nil,
		),
		descCommitLimit: prometheus.NewDesc(
			"commit_limit_bytes",
			"Limit of committed memory.",
			nil,
			nil,
		),
		descPinnedPages: prometheus.NewDesc(
			"pinned_pages",
			"Number of pinned physical pages.",
			nil,
			nil,
		),
		descSwapSlots: prometheus.NewDesc(
			"swap_slots",
			"Number of swap slots.",
			nil,
			nil,
		),
		descSwapSlotsFree: prometheus.NewDesc(
			"swap_slots_free",
			"Number of free swap slots.",
			nil,
			nil,
		),
	}
)

// Describe implements prometheus.Collector.
func (v *VM) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (v *VM) Collect(ch chan<- prometheus.Metric) {
	ids := v.addressSpaceIDs()

	ch <- prometheus.MustNewConstMetric(
		descriptors[descAddressSpaces],
		prometheus.GaugeValue,
		float64(len(ids)),
	)

	for _, id := range ids {
		as, err := v.getAspace(id)
		if err != nil {
			continue
		}
		as.RLock()
		regions := len(as.regions)
		as.RUnlock()
		mapped := as.tmap.mapped()
		as.Put()

		ch <- prometheus.MustNewConstMetric(
			descriptors[descRegions],
			prometheus.GaugeValue,
			float64(regions),
			id.String(), as.name,
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descMappedPages],
			prometheus.GaugeValue,
			float64(mapped),
			id.String(), as.name,
		)
	}

	committed, limit := v.Committed()
	swap := v.SwapStats()

	for idx, value := range map[int]float64{
		descStores:        float64(v.stores.Load()),
		descCommitted:     float64(committed),
		descCommitLimit:   float64(limit),
		descPinnedPages:   float64(v.pinnedPages()),
		descSwapSlots:     float64(swap.Total),
		descSwapSlotsFree: float64(swap.Free),
	} {
		ch <- prometheus.MustNewConstMetric(descriptors[idx], prometheus.GaugeValue, value)
	}

	ch <- prometheus.MustNewConstMetric(
		descriptors[descFaults],
		prometheus.CounterValue,
		float64(v.faults.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descPageOuts],
		prometheus.CounterValue,
		float64(v.pageOuts.Load()),
	)
}
