// Copyright The GPU USM Authors. All Rights Reserved.
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

// Package metrics implements a registry of prometheus collectors organized
// into groups. Collectors are enabled by matching their group or name against
// glob patterns. Expensive collectors can be polled periodically instead of
// being collected on every scrape.
package metrics

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"

	logger "github.com/intel/gpu-usm/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

// State is the state of a collector or a group of collectors.
type State int

const (
	// Enabled marks a collector as enabled.
	Enabled State = (1 << iota)
	// Polled collectors return the metrics collected during the last poll.
	Polled
	// Prefixed collectors get their metrics prefixed with their group name.
	Prefixed

	// DefaultGroup is the group of collectors registered without a group.
	DefaultGroup = "default"
)

func (s State) IsEnabled() bool { return s&Enabled != 0 }
func (s State) IsPolled() bool  { return s&Polled != 0 }

func (s State) String() string {
	var flags []string
	if s.IsEnabled() {
		flags = append(flags, "enabled")
	} else {
		flags = append(flags, "disabled")
	}
	if s.IsPolled() {
		flags = append(flags, "polled")
	}
	if s&Prefixed != 0 {
		flags = append(flags, "prefixed")
	}
	return strings.Join(flags, ",")
}

// Collector is a registered prometheus collector.
type Collector struct {
	sync.Mutex
	collector prometheus.Collector
	name      string
	group     string
	state     State
	lastPoll  []prometheus.Metric
}

// Name returns the group-qualified name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// State returns the current state of the collector.
func (c *Collector) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// Matches checks if the collector matches a glob pattern.
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

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	state, polled := c.state, c.lastPoll
	c.Unlock()

	switch {
	case !state.IsEnabled():
	case !state.IsPolled():
		clog.Debug("collecting %s", c.Name())
		c.collector.Collect(ch)
	default:
		clog.Debug("collecting %s (polled)", c.Name())
		for _, m := range polled {
			ch <- m
		}
	}
}

// Poll collects and caches the metrics of an enabled polled collector.
func (c *Collector) Poll() {
	if s := c.State(); !s.IsEnabled() || !s.IsPolled() {
		return
	}

	clog.Debug("polling %s", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	var polled []prometheus.Metric
	for m := range ch {
		polled = append(polled, m)
	}

	c.Lock()
	c.lastPoll = polled
	c.Unlock()
}

func (c *Collector) configure(enabled, polled []string, matched map[string]struct{}) State {
	c.Lock()
	defer c.Unlock()

	c.state &^= Enabled | Polled
	for _, glob := range enabled {
		if c.Matches(glob) {
			matched[glob] = struct{}{}
			c.state |= Enabled
		}
	}
	for _, glob := range polled {
		if c.Matches(glob) {
			matched[glob] = struct{}{}
			c.state |= Enabled | Polled
		}
	}

	log.Info("collector %s is %s", c.Name(), c.state)
	return c.state
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*Collector)

// WithGroup registers a collector in the given group.
func WithGroup(group string) RegisterOption {
	return func(c *Collector) {
		if group == "" {
			group = DefaultGroup
		}
		c.group = group
	}
}

// WithoutPrefix registers a collector without a group prefix.
func WithoutPrefix() RegisterOption {
	return func(c *Collector) {
		c.state &^= Prefixed
	}
}

// WithPolling registers a collector in polled mode.
func WithPolling() RegisterOption {
	return func(c *Collector) {
		c.state |= Polled
	}
}

// Registry is a set of registered collectors.
type Registry struct {
	sync.Mutex
	collectors map[string]*Collector
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		collectors: make(map[string]*Collector),
	}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, options ...RegisterOption) error {
	c := &Collector{
		collector: collector,
		name:      name,
		group:     DefaultGroup,
		state:     Enabled | Prefixed,
	}
	for _, o := range options {
		o(c)
	}

	r.Lock()
	defer r.Unlock()

	if _, ok := r.collectors[c.Name()]; ok {
		return fmt.Errorf("metrics: collector %s already registered", c.Name())
	}
	r.collectors[c.Name()] = c
	log.Info("registered collector %s", c.Name())

	return nil
}

// Collectors returns the registered collectors sorted by name.
func (r *Registry) Collectors() []*Collector {
	r.Lock()
	defer r.Unlock()

	collectors := make([]*Collector, 0, len(r.collectors))
	for _, c := range r.collectors {
		collectors = append(collectors, c)
	}
	sort.Slice(collectors, func(i, j int) bool {
		return collectors[i].Name() < collectors[j].Name()
	})
	return collectors
}

// Configure enables the collectors matching any of the enabled globs and
// puts the ones matching any of the polled globs in polled mode. Globs
// which match no collector are reported as an error.
func (r *Registry) Configure(enabled, polled []string) (State, error) {
	log.Info("configuring collectors, enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	var (
		state   State
		matched = map[string]struct{}{}
	)
	for _, c := range r.Collectors() {
		state |= c.configure(enabled, polled, matched)
	}

	var unmatched []string
	for _, glob := range append(append([]string{}, enabled...), polled...) {
		if _, ok := matched[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}
	if len(unmatched) > 0 {
		return state, fmt.Errorf("metrics: no collectors match %s", strings.Join(unmatched, ", "))
	}

	return state, nil
}

// Poll polls all enabled polled collectors.
func (r *Registry) Poll() {
	wg := sync.WaitGroup{}
	for _, c := range r.Collectors() {
		wg.Add(1)
		go func(c *Collector) {
			defer wg.Done()
			c.Poll()
		}(c)
	}
	wg.Wait()
}

// GathererOption is an option for a Gatherer.
type GathererOption func(*Gatherer)

// Gatherer gathers the metrics of the enabled collectors of a registry.
type Gatherer struct {
	*prometheus.Registry
	r            *Registry
	namespace    string
	pollInterval time.Duration
	enabled      []string
	polled       []string
	lock         sync.Mutex
	stopCh       chan struct{}
	doneCh       chan struct{}
}

const (
	// MinPollInterval is the shortest allowed polling interval.
	MinPollInterval = time.Second
	// DefaultPollInterval is the default polling interval.
	DefaultPollInterval = 30 * time.Second
)

// WithNamespace sets the namespace prefix of gathered metrics.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval sets the polling interval, 0 disables polling.
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
func (r *Registry) NewGatherer(options ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry:     prometheus.NewPedanticRegistry(),
		r:            r,
		pollInterval: DefaultPollInterval,
	}
	for _, o := range options {
		o(g)
	}

	state, err := r.Configure(g.enabled, g.polled)
	if err != nil {
		return nil, err
	}

	var reg prometheus.Registerer = g.Registry
	if g.namespace != "" {
		reg = prometheus.WrapRegistererWithPrefix(g.namespace+"_", reg)
	}

	for _, c := range r.Collectors() {
		creg := reg
		if c.State()&Prefixed != 0 {
			creg = prometheus.WrapRegistererWithPrefix(c.group+"_", reg)
		}
		if err := creg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register %s: %w", c.Name(), err)
		}
	}

	if state.IsPolled() && g.pollInterval > 0 {
		g.start()
	}

	return g, nil
}

// Gather implements prometheus.Gatherer.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.Registry.Gather()
}

// Poll polls all enabled polled collectors.
func (g *Gatherer) Poll() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.r.Poll()
}

func (g *Gatherer) start() {
	log.Info("polling collectors every %s", g.pollInterval)

	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	g.Poll()

	go func() {
		defer close(g.doneCh)
		ticker := time.NewTicker(g.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.Poll()
			}
		}
	}()
}

// Stop stops polling.
func (g *Gatherer) Stop() {
	if g.stopCh == nil {
		return
	}
	close(g.stopCh)
	<-g.doneCh
	g.stopCh = nil
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, options ...RegisterOption) error {
	return Default().Register(name, collector, options...)
}

// MustRegister registers a collector with the default registry, panicking on errors.
func MustRegister(name string, collector prometheus.Collector, options ...RegisterOption) {
	if err := Register(name, collector, options...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a gatherer for the default registry.
func NewGatherer(options ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(options...)
}
