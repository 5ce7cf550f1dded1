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

package instrumentation

import (
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	defaultReportPeriod = 30 * time.Second
)

// Config provides runtime configuration for instrumentation.
type Config struct {
	// SamplingRatePerMillion is the number of samples to collect per million spans.
	// +optional
	// +kubebuilder:example=100000
	SamplingRatePerMillion int `json:"samplingRatePerMillion,omitempty"`
	// TracingCollector defines the external endpoint for tracing data collection.
	// Endpoints are specified as full URLs, or as plain URL schemes which then
	// imply scheme-specific defaults. The supported schemes are otlp-http, http,
	// otlp-grpc and grpc.
	// +optional
	// +kubebuilder:example="otlp-http://localhost:4318"
	TracingCollector string `json:"tracingCollector,omitempty"`
	// HTTPEndpoint is the address our HTTP server listens on. This endpoint
	// is used to expose Prometheus metrics.
	// +optional
	// +kubebuilder:example=":8891"
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// PrometheusExport enables exporting /metrics for Prometheus.
	// +optional
	PrometheusExport bool `json:"prometheusExport,omitempty"`
	// ReportPeriod is the interval between collecting polled metrics.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="30s"
	ReportPeriod metav1.Duration `json:"reportPeriod,omitempty"`
	// Metrics defines which metrics to collect.
	// +optional
	Metrics MetricsConfig `json:"metrics,omitempty"`
}

// MetricsConfig selects metrics collectors by group or name globs.
type MetricsConfig struct {
	// Enabled collectors.
	// +optional
	// +kubebuilder:default={"*"}
	Enabled []string `json:"enabled,omitempty"`
	// Polled collectors, collected periodically instead of on every scrape.
	// +optional
	Polled []string `json:"polled,omitempty"`
}

// Default returns the default instrumentation configuration.
func Default() Config {
	return Config{
		ReportPeriod: metav1.Duration{Duration: defaultReportPeriod},
		Metrics: MetricsConfig{
			Enabled: []string{"*"},
		},
	}
}

// SamplingRatio returns the tracing sampling ratio.
func (c *Config) SamplingRatio() float64 {
	return float64(c.SamplingRatePerMillion) / 1000000.0
}

// Validate checks the instrumentation configuration for errors.
func (c *Config) Validate() error {
	if c.SamplingRatePerMillion < 0 || c.SamplingRatePerMillion > 1000000 {
		return fmt.Errorf("config: invalid sampling rate %d per million", c.SamplingRatePerMillion)
	}
	if c.ReportPeriod.Duration < 0 {
		return fmt.Errorf("config: negative report period %s", c.ReportPeriod.Duration)
	}
	return nil
}
