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

package slab

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is a set of caches which are reclaimed and reported together.
type Registry struct {
	sync.Mutex
	caches []*Cache
}

// NewRegistry creates an empty cache registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add adds a cache to the registry.
func (r *Registry) Add(c *Cache) {
	r.Lock()
	defer r.Unlock()
	r.caches = append(r.caches, c)
}

// Remove removes a cache from the registry.
func (r *Registry) Remove(c *Cache) {
	r.Lock()
	defer r.Unlock()
	for i, o := range r.caches {
		if o == c {
			r.caches = append(r.caches[:i], r.caches[i+1:]...)
			return
		}
	}
}

// Caches returns the caches in the registry.
func (r *Registry) Caches() []*Cache {
	r.Lock()
	defer r.Unlock()
	return append([]*Cache(nil), r.caches...)
}

// Reclaim reclaims the empty slabs of all caches.
func (r *Registry) Reclaim() int {
	n := 0
	for _, c := range r.Caches() {
		n += c.Reclaim()
	}
	return n
}

const (
	descSlabs = iota
	descEmptySlabs
	descObjectsInUse
	descObjectsFree
	descAllocations
)

var (
	descriptors = []*prometheus.Desc{
		descSlabs: prometheus.NewDesc(
			"slabs",
			"Number of slabs in a slab cache.",
			[]string{
				"cache",
				"strategy",
			},
			nil,
		),
		descEmptySlabs: prometheus.NewDesc(
			"empty_slabs",
			"Number of retained empty slabs in a slab cache.",
			[]string{
				"cache",
			},
			nil,
		),
		descObjectsInUse: prometheus.NewDesc(
			"objects_in_use",
			"Number of allocated objects in a slab cache.",
			[]string{
				"cache",
			},
			nil,
		),
		descObjectsFree: prometheus.NewDesc(
			"objects_free",
			"Number of free objects in a slab cache.",
			[]string{
				"cache",
			},
			nil,
		),
		descAllocations: prometheus.NewDesc(
			"allocations_total",
			"Number of object allocations from a slab cache.",
			[]string{
				"cache",
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
	for _, c := range r.Caches() {
		s := c.Stats()
		ch <- prometheus.MustNewConstMetric(descriptors[descSlabs],
			prometheus.GaugeValue, float64(s.Slabs), s.Name, s.Strategy)
		ch <- prometheus.MustNewConstMetric(descriptors[descEmptySlabs],
			prometheus.GaugeValue, float64(s.EmptySlabs), s.Name)
		ch <- prometheus.MustNewConstMetric(descriptors[descObjectsInUse],
			prometheus.GaugeValue, float64(s.ObjectsInUse), s.Name)
		ch <- prometheus.MustNewConstMetric(descriptors[descObjectsFree],
			prometheus.GaugeValue, float64(s.FreeObjects), s.Name)
		ch <- prometheus.MustNewConstMetric(descriptors[descAllocations],
			prometheus.CounterValue, float64(s.Allocations), s.Name)
	}
}
