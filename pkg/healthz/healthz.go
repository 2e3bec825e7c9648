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

package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	logger "github.com/containers/vmcore/pkg/log"
)

// CheckFn checks the health of a single component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

// Registry is a set of named health checkers.
type Registry struct {
	sync.Mutex
	checkers map[string]CheckFn
	sorted   []string
}

var (
	std = NewRegistry()
	log = logger.NewLogger("health-check")
)

// NewRegistry creates an empty health checker registry.
func NewRegistry() *Registry {
	return &Registry{
		checkers: map[string]CheckFn{},
	}
}

// Setup prepares the given HTTP request multiplexer for serving healthz
// using the default registry.
func Setup(mux *http.ServeMux) {
	std.Setup(mux)
}

// RegisterHealthChecker registers the given health checker function
// in the default registry.
func RegisterHealthChecker(name string, fn CheckFn) {
	std.Register(name, fn)
}

// Setup prepares the given HTTP request multiplexer for serving healthz.
func (r *Registry) Setup(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", r.serve)
}

// Register registers the given health checker function.
func (r *Registry) Register(name string, fn CheckFn) {
	r.Lock()
	defer r.Unlock()

	if _, conflict := r.checkers[name]; conflict {
		panic(fmt.Sprintf("checker %q already registered", name))
	}

	r.checkers[name] = fn
	r.sorted = append(r.sorted, name)
	sort.Strings(r.sorted)
}

// Check runs all registered checkers, returning the worst status seen.
func (r *Registry) Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	r.Lock()
	defer r.Unlock()

	for _, name := range r.sorted {
		if s, err := r.checkers[name](); s != Healthy {
			if s > status {
				status = s
			}
			if err != nil {
				details[name] = err
				log.Errorf("component %s reported unhealthy: %v", name, err)
			}
		}
	}

	return status, details
}

func (r *Registry) serve(w http.ResponseWriter, _ *http.Request) {
	status, details := r.Check()
	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Errorf("failed to write response: %v", err)
		}
		return
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	b := &strings.Builder{}
	for _, name := range names {
		fmt.Fprintf(b, "%s: %v\n", name, details[name])
	}

	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(b.String())); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}
