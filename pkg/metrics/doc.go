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

// Package metrics collects the prometheus collectors of kernel subsystems
// into named groups and exports them through a gatherer.
//
// Each subsystem registers its collector in a group named after it. A
// gatherer created for the registry prefixes the metrics of a collector
// with a common namespace and the group name, so the slab collector's
// "slabs" metric is exported as "vmcore_slab_slabs". Collectors can be
// enabled or disabled at runtime by globs matching their group, name or
// group/name. Collectors which are expensive to run can be put in polled
// mode, in which case the gatherer serves the metrics of their last
// periodic poll.
//
//	r := metrics.NewRegistry()
//	r.MustRegister("slab", "caches", slabs)
//	r.MustRegister("vm", "aspaces", vm)
//
//	g, err := r.NewGatherer(metrics.WithMetrics([]string{"*"}, nil))
//	if err != nil {
//	    return err
//	}
//	mux.Handle("/metrics", g.Handler())
package metrics
