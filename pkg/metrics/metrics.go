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

package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	model "github.com/prometheus/client_model/go"

	logger "github.com/containers/vmcore/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

var (
	// ErrDuplicate is returned when registering a collector twice.
	ErrDuplicate = errors.New("metrics: duplicate collector")
	// ErrNoMatch is returned when enabling globs match no collectors.
	ErrNoMatch = errors.New("metrics: no matching collectors")
)

const (
	// DefaultNamespace is the default prefix of gathered metrics.
	DefaultNamespace = "vmcore"
	// MinPollInterval is the most frequent allowed polling interval.
	MinPollInterval = 5 * time.Second
	// DefaultPollInterval is the default interval for polling collectors.
	DefaultPollInterval = 30 * time.Second
)

type (
	// Collector is a prometheus.Collector registered in a group.
	Collector struct {
		sync.Mutex
		collector prometheus.Collector
		name      string
		group     string
		enabled   bool
		polled    bool
		natural   bool
		prefixed  bool
		lastpoll  []prometheus.Metric
	}

	// Option is an option for a Collector.
	Option func(*Collector)
)

// WithPolled marks a collector polled. Polled collectors are collected
// periodically and serve the metrics of the last poll when gathered.
func WithPolled() Option {
	return func(c *Collector) {
		c.polled = true
		c.natural = true
	}
}

// WithoutPrefix disables namespace and group prefixing for a collector.
func WithoutPrefix() Option {
	return func(c *Collector) {
		c.prefixed = false
	}
}

// Name returns the name of the collector, qualified by its group.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if glob matches the group, the name or the
// qualified name of the collector.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		if glob == name {
			return true
		}
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Enabled returns true if the collector is enabled.
func (c *Collector) Enabled() bool {
	c.Lock()
	defer c.Unlock()
	return c.enabled
}

// Polled returns true if the collector is polled.
func (c *Collector) Polled() bool {
	c.Lock()
	defer c.Unlock()
	return c.polled
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	enabled, polled, lastpoll := c.enabled, c.polled, c.lastpoll
	c.Unlock()

	switch {
	case !enabled:
		return
	case !polled:
		clog.Debug("collecting %q", c.Name())
		c.collector.Collect(ch)
	default:
		clog.Debug("collecting (polled) %q", c.Name())
		for _, m := range lastpoll {
			ch <- m
		}
	}
}

// Poll collects and caches the metrics of an enabled, polled collector.
func (c *Collector) Poll() {
	if !c.Enabled() || !c.Polled() {
		return
	}

	clog.Debug("polling %q", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	polled := make([]prometheus.Metric, 0, 16)
	for m := range ch {
		polled = append(polled, m)
	}

	c.Lock()
	c.lastpoll = polled
	c.Unlock()
}

func (c *Collector) configure(enabled, polled []string, match map[string]struct{}) {
	c.Lock()
	defer c.Unlock()

	c.enabled = false
	c.polled = c.natural
	for _, glob := range enabled {
		if c.Matches(glob) {
			match[glob] = struct{}{}
			c.enabled = true
		}
	}
	for _, glob := range polled {
		if c.Matches(glob) {
			match[glob] = struct{}{}
			c.enabled = true
			c.polled = true
		}
	}

	state := "disabled"
	if c.enabled {
		state = "enabled"
		if c.polled {
			state += ",polled"
		}
	}
	log.Info("collector %q now %s", c.Name(), state)
}

// Registry is a set of collectors organized into named groups. Groups
// correspond to the kernel subsystems exporting metrics.
type Registry struct {
	sync.Mutex
	groups map[string][]*Collector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string][]*Collector),
	}
}

// Register registers a collector under name in group. Collectors start
// out enabled.
func (r *Registry) Register(group, name string, collector prometheus.Collector, options ...Option) error {
	r.Lock()
	defer r.Unlock()

	c := &Collector{
		collector: collector,
		name:      name,
		group:     group,
		enabled:   true,
		prefixed:  true,
	}
	for _, o := range options {
		o(c)
	}

	for _, o := range r.groups[group] {
		if o.name == name {
			return fmt.Errorf("%w %q", ErrDuplicate, c.Name())
		}
	}

	r.groups[group] = append(r.groups[group], c)
	log.Info("registered collector %q", c.Name())

	return nil
}

// MustRegister registers a collector, panicking on error.
func (r *Registry) MustRegister(group, name string, collector prometheus.Collector, options ...Option) {
	if err := r.Register(group, name, collector, options...); err != nil {
		panic(err)
	}
}

// Collectors returns the qualified names of all registered collectors.
func (r *Registry) Collectors() []string {
	names := []string{}
	for _, c := range r.collectors() {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}

// Configure enables the collectors matching any of the enabled globs and
// forces the ones matching any of the polled globs to polled mode. Globs
// which match no collector are reported as an error.
func (r *Registry) Configure(enabled, polled []string) error {
	log.Info("configuring collectors enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	match := map[string]struct{}{}
	for _, c := range r.collectors() {
		c.configure(enabled, polled, match)
	}

	unmatched := []string{}
	for _, glob := range append(append([]string{}, enabled...), polled...) {
		if _, ok := match[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return fmt.Errorf("%w: %s", ErrNoMatch, strings.Join(unmatched, ", "))
	}

	return nil
}

// Poll polls every enabled collector in polled mode.
func (r *Registry) Poll() {
	wg := sync.WaitGroup{}
	for _, c := range r.collectors() {
		wg.Add(1)
		go func(c *Collector) {
			defer wg.Done()
			c.Poll()
		}(c)
	}
	wg.Wait()
}

func (r *Registry) polled() bool {
	for _, c := range r.collectors() {
		if c.Enabled() && c.Polled() {
			return true
		}
	}
	return false
}

func (r *Registry) collectors() []*Collector {
	r.Lock()
	defer r.Unlock()

	all := []*Collector{}
	for _, group := range r.groups {
		all = append(all, group...)
	}
	return all
}

type (
	// Gatherer is a prometheus gatherer for a registry.
	Gatherer struct {
		*prometheus.Registry
		r            *Registry
		namespace    string
		pollInterval time.Duration
		enabled      []string
		polled       []string
		lock         sync.Mutex
		stopCh       chan chan struct{}
	}

	// GathererOption is an option for a Gatherer.
	GathererOption func(*Gatherer)
)

// WithNamespace sets the common prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the interval for polling collectors. Zero
// disables periodic polling.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		if interval != 0 && interval < MinPollInterval {
			interval = MinPollInterval
		}
		g.pollInterval = interval
	}
}

// WithMetrics sets the globs of enabled and polled collectors.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// NewGatherer configures the registry and creates a gatherer for it.
// Metrics of prefixed collectors are named namespace_group_metric.
func (r *Registry) NewGatherer(options ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry:     prometheus.NewPedanticRegistry(),
		r:            r,
		namespace:    DefaultNamespace,
		pollInterval: DefaultPollInterval,
		enabled:      []string{"*"},
	}

	for _, o := range options {
		o(g)
	}

	if err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	for _, c := range r.collectors() {
		reg := prometheus.Registerer(g.Registry)
		if c.prefixed {
			reg = prefixedRegisterer(g.namespace, reg)
			reg = prefixedRegisterer(c.group, reg)
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector %q: %w", c.Name(), err)
		}
	}

	g.start()

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()

	return g.Registry.Gather()
}

// Poll polls the collectors of the gatherer.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()

	g.r.Poll()
}

// Handler returns an HTTP handler serving the gathered metrics.
func (g *Gatherer) Handler() http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (g *Gatherer) start() {
	if !g.r.polled() {
		log.Info("no polling (no collectors in polled mode)")
		return
	}

	g.Poll()

	if g.pollInterval == 0 {
		log.Info("no periodic polling (disabled)")
		return
	}

	log.Info("polling collectors every %s", g.pollInterval)

	g.stopCh = make(chan chan struct{})
	go g.poller(time.NewTicker(g.pollInterval))
}

func (g *Gatherer) poller(ticker *time.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case doneCh := <-g.stopCh:
			close(doneCh)
			return
		case <-ticker.C:
			g.Poll()
		}
	}
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}

	doneCh := make(chan struct{})
	g.stopCh <- doneCh
	<-doneCh

	g.stopCh = nil
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix != "" {
		return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
	}
	return reg
}
