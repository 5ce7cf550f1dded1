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

// Package instrumentation runs the metrics and tracing services of the
// runtime: an HTTP server exporting the collectors of the metrics registry
// for Prometheus and an OpenTelemetry trace exporter.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/intel/gpu-usm/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/intel/gpu-usm/pkg/healthz"
	"github.com/intel/gpu-usm/pkg/instrumentation/tracing"
	logger "github.com/intel/gpu-usm/pkg/log"
	"github.com/intel/gpu-usm/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "gpu-usm"
	// MetricsNamespace prefixes all exported metrics.
	MetricsNamespace = "gpu"

	shutdownTimeout = 5 * time.Second
)

var log = logger.Get("instrumentation")

// Service runs the instrumentation services for a metrics registry.
type Service struct {
	sync.Mutex
	cfg      cfgapi.Config
	registry *metrics.Registry
	health   *healthz.Checker
	gatherer *metrics.Gatherer
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// Option is an option for the instrumentation services.
type Option func(*Service)

// WithHealthChecker serves the given health checks at /healthz.
func WithHealthChecker(c *healthz.Checker) Option {
	return func(s *Service) {
		s.health = c
	}
}

// NewService creates instrumentation services for a metrics registry.
func NewService(registry *metrics.Registry, options ...Option) *Service {
	if registry == nil {
		registry = metrics.Default()
	}
	s := &Service{registry: registry}
	for _, o := range options {
		o(s)
	}
	return s
}

// Start starts the services with the given configuration.
func (s *Service) Start(cfg cfgapi.Config) error {
	s.Lock()
	defer s.Unlock()

	log.Info("starting instrumentation services...")

	s.cfg = cfg
	if err := s.start(); err != nil {
		s.stop()
		return err
	}
	return nil
}

// Reconfigure restarts the services with a new configuration.
func (s *Service) Reconfigure(cfg cfgapi.Config) error {
	s.Lock()
	defer s.Unlock()

	s.stop()
	s.cfg = cfg
	if err := s.start(); err != nil {
		log.Error("failed to restart instrumentation: %v", err)
		s.stop()
		return err
	}
	return nil
}

// Stop stops the services.
func (s *Service) Stop() {
	s.Lock()
	defer s.Unlock()
	s.stop()
}

// Address returns the address the HTTP server listens on.
func (s *Service) Address() string {
	s.Lock()
	defer s.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Service) start() error {
	if err := tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithCollectorEndpoint(s.cfg.TracingCollector),
		tracing.WithSamplingRatio(s.cfg.SamplingRatio()),
	); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	if !s.cfg.PrometheusExport {
		return nil
	}

	g, err := s.registry.NewGatherer(
		metrics.WithNamespace(MetricsNamespace),
		metrics.WithPollInterval(s.cfg.ReportPeriod.Duration),
		metrics.WithMetrics(s.cfg.Metrics.Enabled, s.cfg.Metrics.Polled),
	)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	s.gatherer = g

	endpoint := s.cfg.HTTPEndpoint
	if endpoint == "" {
		endpoint = ":0"
	}
	l, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", endpoint, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	if s.health != nil {
		mux.Handle("/healthz", s.health)
	}

	s.listener = l
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}(s.server, s.done)

	log.Info("exporting metrics at http://%s/metrics", l.Addr())
	return nil
}

func (s *Service) stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := s.server.Shutdown(ctx); err != nil {
			log.Error("failed to shut down HTTP server: %v", err)
		}
		cancel()
		<-s.done
		s.server = nil
		s.listener = nil
	}
	if s.gatherer != nil {
		s.gatherer.Stop()
		s.gatherer = nil
	}
	tracing.Stop()
}
