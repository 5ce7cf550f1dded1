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

// Package tracing wraps OpenTelemetry tracing of memory and residency
// operations. Spans are no-ops until tracing is started with a collector.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	logger "github.com/intel/gpu-usm/pkg/log"
)

// Option represents an option which can be applied to tracing.
type Option func(*tracing) error

type tracing struct {
	sync.RWMutex
	service  string
	endpoint string
	sampling float64
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

var (
	log = logger.Get("tracing")
	trc = &tracing{
		service: filepath.Base(os.Args[0]),
	}
)

const (
	// timeout for flushing and shutting down the provider
	shutdownTimeout = 5 * time.Second
)

// WithCollectorEndpoint sets the collector endpoint. Endpoints are URLs
// with an otlp-http, http, otlp-grpc or grpc scheme. A plain scheme uses
// the default endpoint of the scheme.
func WithCollectorEndpoint(endpoint string) Option {
	return func(t *tracing) error {
		t.endpoint = endpoint
		return nil
	}
}

// WithSamplingRatio sets the sampling ratio.
func WithSamplingRatio(ratio float64) Option {
	return func(t *tracing) error {
		if ratio < 0.0 || ratio > 1.0 {
			return fmt.Errorf("invalid sampling ratio %f", ratio)
		}
		t.sampling = ratio
		return nil
	}
}

// WithServiceName sets the service name reported for tracing.
func WithServiceName(name string) Option {
	return func(t *tracing) error {
		t.service = name
		return nil
	}
}

// Start tracing.
func Start(options ...Option) error {
	return trc.start(options...)
}

// Stop tracing, flushing pending spans.
func Stop() {
	trc.Lock()
	defer trc.Unlock()
	trc.shutdown()
}

// Enabled returns true if tracing has been started.
func Enabled() bool {
	trc.RLock()
	defer trc.RUnlock()
	return trc.provider != nil
}

func (t *tracing) start(options ...Option) error {
	t.Lock()
	defer t.Unlock()

	t.shutdown()

	for _, opt := range options {
		if err := opt(t); err != nil {
			return fmt.Errorf("failed to set tracing option: %w", err)
		}
	}

	switch {
	case t.endpoint == "":
		log.Info("tracing disabled, no endpoint set")
		return nil
	case t.sampling == 0.0:
		log.Info("tracing disabled, sampling ratio is 0.0")
		return nil
	}

	exporter, err := newExporter(t.endpoint)
	if err != nil {
		return fmt.Errorf("failed to create tracing exporter: %w", err)
	}

	hostname, _ := os.Hostname()
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(t.service),
		semconv.HostNameKey.String(hostname),
		semconv.ProcessPIDKey.Int64(int64(os.Getpid())),
	)

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(t.sampling)),
	)
	t.tracer = t.provider.Tracer(t.service, trace.WithSchemaURL(semconv.SchemaURL))
	otel.SetTracerProvider(t.provider)

	log.Info("tracing to %s with sampling ratio %.3f", t.endpoint, t.sampling)
	return nil
}

func (t *tracing) shutdown() {
	if t.provider == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := t.provider.ForceFlush(ctx); err != nil {
		log.Errorf("failed to flush tracer provider: %v", err)
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		log.Errorf("failed to shut down tracer provider: %v", err)
	}

	t.provider = nil
	t.tracer = nil
}

func (t *tracing) getTracer() trace.Tracer {
	t.RLock()
	defer t.RUnlock()
	return t.tracer
}

func newExporter(endpoint string) (sdktrace.SpanExporter, error) {
	var (
		u   *url.URL
		err error
	)

	switch endpoint {
	case "otlp-http", "http", "otlp-grpc", "grpc":
		u = &url.URL{Scheme: endpoint}
	default:
		u, err = url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid tracing endpoint %q: %w", endpoint, err)
		}
	}

	switch u.Scheme {
	case "otlp-http", "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if u.Host != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(u.Host))
		}
		return otlptracehttp.New(context.Background(), opts...)
	case "otlp-grpc", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if u.Host != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(u.Host))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	}

	return nil, fmt.Errorf("unsupported tracing endpoint %q", endpoint)
}

// KeyValue is an alias for the OpenTelemetry attribute key-value pair.
type KeyValue = attribute.KeyValue
