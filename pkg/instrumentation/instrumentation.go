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

package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	cfgapi "github.com/containers/vmcore/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/vmcore/pkg/healthz"
	"github.com/containers/vmcore/pkg/instrumentation/tracing"
	logger "github.com/containers/vmcore/pkg/log"
	"github.com/containers/vmcore/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "vmcore"
	// shutdown timeout for the HTTP server
	shutdownTimeout = 5 * time.Second
)

// KeyValue aliases tracing.KeyValue, for WithIdentity().
type KeyValue = tracing.KeyValue

var (
	log = logger.NewLogger("instrumentation")

	// Attribute aliases tracing.Attribute(), for WithIdentity().
	Attribute = tracing.Attribute
)

// Service serves metrics and health checks over HTTP and exports traces.
type Service struct {
	lock     sync.Mutex
	cfg      *cfgapi.Config
	metrics  *metrics.Registry
	health   *healthz.Registry
	identity []KeyValue
	gatherer *metrics.Gatherer
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// Option is an option for the instrumentation service.
type Option func(*Service)

// WithHealthRegistry sets the health checkers served at /healthz.
func WithHealthRegistry(r *healthz.Registry) Option {
	return func(s *Service) {
		s.health = r
	}
}

// WithIdentity sets (extra) process identity attributes for tracing.
func WithIdentity(attrs ...KeyValue) Option {
	return func(s *Service) {
		s.identity = attrs
	}
}

// New creates an instrumentation service for the given metrics registry.
func New(cfg *cfgapi.Config, r *metrics.Registry, options ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		metrics: r,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// Start our instrumentation services.
func (s *Service) Start() error {
	log.Info("starting instrumentation services...")

	s.lock.Lock()
	defer s.lock.Unlock()

	return s.start()
}

// Stop our instrumentation services.
func (s *Service) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.stop()
}

// Restart our instrumentation services.
func (s *Service) Restart() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.stop()

	err := s.start()
	if err != nil {
		log.Error("failed to start instrumentation: %v", err)
	}

	return err
}

// Reconfigure our instrumentation services.
func (s *Service) Reconfigure(cfg *cfgapi.Config) error {
	s.lock.Lock()
	s.cfg = cfg
	s.lock.Unlock()

	return s.Restart()
}

// Address returns the address our HTTP server is listening on, or an
// empty string if the server is not running.
func (s *Service) Address() string {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) start() error {
	if s.cfg == nil {
		s.cfg = &cfgapi.Config{}
	}

	if err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithIdentity(s.identity...),
		tracing.WithCollectorEndpoint(s.cfg.TracingCollector),
		tracing.WithSamplingRatio(s.cfg.SamplingRatio()),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	if s.cfg.HTTPEndpoint == "" {
		log.Info("HTTP server disabled")
		return nil
	}

	options := []metrics.GathererOption{
		metrics.WithNamespace(ServiceName),
		metrics.WithPollInterval(s.cfg.ReportPeriod.Duration),
	}
	if m := s.cfg.Metrics; m != nil {
		options = append(options, metrics.WithMetrics(m.Enabled, m.Polled))
	}

	g, err := s.metrics.NewGatherer(options...)
	if err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", g.Handler())
	if s.health != nil {
		s.health.Setup(mux)
	} else {
		healthz.Setup(mux)
	}

	ln, err := net.Listen("tcp", s.cfg.HTTPEndpoint)
	if err != nil {
		g.Stop()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.gatherer = g
	s.listener = ln
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server, s.done)

	log.Info("HTTP server listening on %s", ln.Addr())

	return nil
}

func (s *Service) stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.server.Shutdown(ctx); err != nil {
			log.Warn("failed to shut down HTTP server: %v", err)
		}
		cancel()
		<-s.done
		s.server = nil
		s.listener = nil
		s.done = nil
	}

	if s.gatherer != nil {
		s.gatherer.Stop()
		s.gatherer = nil
	}

	tracing.Stop()
}
