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

package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/containers/vmcore/pkg/metrics"
)

func TestPrefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	g1 := newTestGauge(t, r, "slab", "caches")
	g2 := newTestGauge(t, r, "vm", "regions")
	g3 := newTestGauge(t, r, "standard", "version", metrics.WithoutPrefix())

	g, err := r.NewGatherer(metrics.WithPollInterval(0))
	require.NoError(t, err)
	defer g.Stop()

	g1.Set(3)
	g2.Set(5)
	g3.Set(1)

	expected := `
# HELP vmcore_slab_caches Test gauge caches
# TYPE vmcore_slab_caches gauge
vmcore_slab_caches 3
# HELP vmcore_vm_regions Test gauge regions
# TYPE vmcore_vm_regions gauge
vmcore_vm_regions 5
# HELP version Test gauge version
# TYPE version gauge
version 1
`
	require.NoError(t, testutil.GatherAndCompare(g, strings.NewReader(expected)))

	g2.Inc()
	require.NoError(t, testutil.GatherAndCompare(g, strings.NewReader(`
# HELP vmcore_vm_regions Test gauge regions
# TYPE vmcore_vm_regions gauge
vmcore_vm_regions 6
`), "vmcore_vm_regions"))
}

func TestNamespace(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "pages", "frames")

	g, err := r.NewGatherer(metrics.WithNamespace(""), metrics.WithPollInterval(0))
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(g, "pages_frames")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestConfiguration(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "group1", "test1")
	newTestGauge(t, r, "group1", "test2")
	newTestGauge(t, r, "group2", "test3")
	newTestGauge(t, r, "group2", "test4")

	require.Equal(t,
		[]string{"group1/test1", "group1/test2", "group2/test3", "group2/test4"},
		r.Collectors())

	g, err := r.NewGatherer(
		metrics.WithMetrics([]string{"test1", "group2"}, nil),
		metrics.WithPollInterval(0),
	)
	require.NoError(t, err)

	for name, count := range map[string]int{
		"vmcore_group1_test1": 1,
		"vmcore_group1_test2": 0,
		"vmcore_group2_test3": 1,
		"vmcore_group2_test4": 1,
	} {
		n, err := testutil.GatherAndCount(g, name)
		require.NoError(t, err)
		require.Equal(t, count, n, name)
	}

	require.ErrorIs(t, r.Configure([]string{"group3/*"}, nil), metrics.ErrNoMatch)
	require.NoError(t, r.Configure([]string{"group1/test*"}, nil))

	n, err := testutil.GatherAndCount(g, "vmcore_group1_test2", "vmcore_group2_test3")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "vm", "regions")

	err := r.Register("vm", "regions", prometheus.NewGauge(prometheus.GaugeOpts{Name: "x", Help: "x"}))
	require.ErrorIs(t, err, metrics.ErrDuplicate)
	require.Panics(t, func() {
		r.MustRegister("vm", "regions", prometheus.NewGauge(prometheus.GaugeOpts{Name: "x", Help: "x"}))
	})
	require.NoError(t, r.Register("slab", "regions", prometheus.NewGauge(prometheus.GaugeOpts{Name: "regions", Help: "x"})))
}

func TestPolling(t *testing.T) {
	r := metrics.NewRegistry()

	p := newTestPolled(t, r, "blocks", "free")

	g, err := r.NewGatherer(
		metrics.WithMetrics(nil, []string{"*"}),
		metrics.WithPollInterval(0),
	)
	require.NoError(t, err)

	p.Set(1)
	require.NoError(t, testutil.GatherAndCompare(g, strings.NewReader(`
# HELP vmcore_blocks_free Help for metric free
# TYPE vmcore_blocks_free gauge
vmcore_blocks_free 0
`)))

	g.Poll()
	require.NoError(t, testutil.GatherAndCompare(g, strings.NewReader(`
# HELP vmcore_blocks_free Help for metric free
# TYPE vmcore_blocks_free gauge
vmcore_blocks_free 1
`)))
}

func TestHandler(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "kdaemon", "daemons").Set(2)

	g, err := r.NewGatherer(metrics.WithPollInterval(0))
	require.NoError(t, err)

	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "vmcore_kdaemon_daemons 2")
}

func newTestGauge(t *testing.T, r *metrics.Registry, group, name string, options ...metrics.Option) prometheus.Gauge {
	g := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: name,
			Help: "Test gauge " + name,
		},
	)
	require.NoError(t, r.Register(group, name, g, options...))
	return g
}

type testPolled struct {
	sync.Mutex
	desc  *prometheus.Desc
	value int
}

func newTestPolled(t *testing.T, r *metrics.Registry, group, name string) *testPolled {
	p := &testPolled{
		desc: prometheus.NewDesc(name, "Help for metric "+name, nil, nil),
	}
	require.NoError(t, r.Register(group, name, p, metrics.WithPolled()))
	return p
}

func (p *testPolled) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *testPolled) Collect(ch chan<- prometheus.Metric) {
	p.Lock()
	defer p.Unlock()
	ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(p.value))
}

func (p *testPolled) Set(v int) {
	p.Lock()
	defer p.Unlock()
	p.value = v
}
