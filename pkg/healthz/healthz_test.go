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

package healthz_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/vmcore/pkg/healthz"
)

func get(t *testing.T, srv *httptest.Server) (int, string) {
	rsp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	return rsp.StatusCode, string(body)
}

func TestHealthz(t *testing.T) {
	var (
		r      = healthz.NewRegistry()
		mux    = http.NewServeMux()
		failed atomic.Bool
	)

	r.Register("frames", func() (healthz.Status, error) { return healthz.Healthy, nil })
	r.Register("vm", func() (healthz.Status, error) {
		if failed.Load() {
			return healthz.Degraded, errors.New("leaked pages")
		}
		return healthz.Healthy, nil
	})
	r.Setup(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	code, body := get(t, srv)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)

	failed.Store(true)
	code, body = get(t, srv)
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, "vm: leaked pages\n", body)

	s, details := r.Check()
	require.Equal(t, healthz.Degraded, s)
	require.Len(t, details, 1)
}

func TestDuplicateChecker(t *testing.T) {
	r := healthz.NewRegistry()
	fn := func() (healthz.Status, error) { return healthz.Healthy, nil }
	r.Register("kernel", fn)
	require.Panics(t, func() { r.Register("kernel", fn) })
}
