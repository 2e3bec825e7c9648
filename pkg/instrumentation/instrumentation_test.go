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

package instrumentation_test

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/vmcore/pkg/apis/config/v1alpha1/instrumentation"
	mcfg "github.com/containers/vmcore/pkg/apis/config/v1alpha1/metrics"
	"github.com/containers/vmcore/pkg/healthz"
	"github.com/containers/vmcore/pkg/instrumentation"
	"github.com/containers/vmcore/pkg/metrics"
)

func fetch(t *testing.T, addr, path string) (int, string) {
	rsp, err := http.Get("http://" + addr + path)
	require.NoError(t, err)
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	return rsp.StatusCode, string(body)
}

func newRegistry(t *testing.T) *metrics.Registry {
	r := metrics.NewRegistry()
	for _, name := range []string{"frames", "allocators"} {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: "Test gauge."})
		g.Set(1)
		require.NoError(t, r.Register("pages", name, g))
	}
	return r
}

func TestServeMetricsAndHealth(t *testing.T) {
	var (
		health = healthz.NewRegistry()
		failed atomic.Pointer[error]
	)
	health.Register("kernel", func() (healthz.Status, error) {
		if err := failed.Load(); err != nil {
			return healthz.NonFunctional, *err
		}
		return healthz.Healthy, nil
	})

	s := instrumentation.New(
		&cfgapi.Config{HTTPEndpoint: "127.0.0.1:0"},
		newRegistry(t),
		instrumentation.WithHealthRegistry(health),
	)
	require.NoError(t, s.Start())
	defer s.Stop()

	addr := s.Address()
	require.NotEmpty(t, addr)

	code, body := fetch(t, addr, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "vmcore_pages_frames 1")
	require.Contains(t, body, "vmcore_pages_allocators 1")

	code, body = fetch(t, addr, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	err := errors.New("frame accounting mismatch")
	failed.Store(&err)
	code, body = fetch(t, addr, "/healthz")
	require.Equal(t, http.StatusInternalServerError, code)
	require.True(t, strings.HasPrefix(body, "kernel: frame accounting"))
}

func TestReconfigure(t *testing.T) {
	cfg := &cfgapi.Config{HTTPEndpoint: "127.0.0.1:0"}
	s := instrumentation.New(cfg, newRegistry(t), instrumentation.WithHealthRegistry(healthz.NewRegistry()))
	require.NoError(t, s.Start())
	defer s.Stop()

	_, body := fetch(t, s.Address(), "/metrics")
	require.Contains(t, body, "vmcore_pages_allocators")

	require.NoError(t, s.Reconfigure(&cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
		Metrics:      &mcfg.Config{Enabled: []string{"pages/frames"}},
	}))

	_, body = fetch(t, s.Address(), "/metrics")
	require.Contains(t, body, "vmcore_pages_frames")
	require.NotContains(t, body, "vmcore_pages_allocators")

	require.NoError(t, s.Reconfigure(&cfgapi.Config{}))
	require.Empty(t, s.Address())
}

func TestInvalidEndpoint(t *testing.T) {
	s := instrumentation.New(&cfgapi.Config{HTTPEndpoint: "256.0.0.1:bogus"}, newRegistry(t))
	require.Error(t, s.Start())
	s.Stop()
}
