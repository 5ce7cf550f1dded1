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

// Package v1alpha1 defines the configuration of the GPU unified memory
// runtime.
package v1alpha1

import (
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/intel/gpu-usm/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/intel/gpu-usm/pkg/apis/config/v1alpha1/log"
)

const (
	// Kind is the kind of the runtime configuration.
	Kind = "RuntimeConfig"
	// APIVersion is the API version of the runtime configuration.
	APIVersion = "config.gpu-usm.intel.com/v1alpha1"
)

// Config is the configuration of the GPU unified memory runtime.
type Config struct {
	metav1.TypeMeta `json:",inline"`
	// +optional
	Runtime RuntimeConfig `json:"runtime,omitempty"`
	// +optional
	Debug DebugConfig `json:"debug,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// Compression is the compression policy of device and shared allocations.
type Compression string

const (
	// CompressionAuto compresses allocations the platform can compress.
	CompressionAuto Compression = "auto"
	// CompressionForce compresses every allocation the platform supports
	// compression for, ignoring the minimum size.
	CompressionForce Compression = "force"
	// CompressionDisable never compresses allocations.
	CompressionDisable Compression = "disable"
)

// RuntimeConfig controls memory management and residency.
type RuntimeConfig struct {
	// DeferredFree puts non-blocking frees of busy allocations on a
	// deferred free list instead of waiting for the GPU.
	// +optional
	// +kubebuilder:default=true
	DeferredFree bool `json:"deferredFree"`
	// EvictionTimeout limits how long waiting evictions block, 0 for no limit.
	// +optional
	// +kubebuilder:validation:Format="duration"
	EvictionTimeout metav1.Duration `json:"evictionTimeout,omitempty"`
	// FencePollInterval is the interval of polling for GPU task completion.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="1ms"
	FencePollInterval metav1.Duration `json:"fencePollInterval,omitempty"`
	// Compression is the compression policy.
	// +optional
	// +kubebuilder:validation:Enum=auto;force;disable
	// +kubebuilder:default="auto"
	Compression Compression `json:"compression,omitempty"`
}

// DebugConfig contains debugging overrides.
type DebugConfig struct {
	// AllocationPadding is extra space added to every allocation.
	// +optional
	AllocationPadding uint64 `json:"allocationPadding,omitempty"`
	// PATIndex overrides the PAT index of every binding, -1 to disable.
	// +optional
	// +kubebuilder:default=-1
	PATIndex int `json:"patIndex"`
	// Capture marks every binding for capture in GPU error states.
	// +optional
	Capture bool `json:"capture,omitempty"`
	// ImmediateBinding makes every binding complete synchronously.
	// +optional
	ImmediateBinding bool `json:"immediateBinding,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		TypeMeta: metav1.TypeMeta{
			Kind:       Kind,
			APIVersion: APIVersion,
		},
		Runtime: RuntimeConfig{
			DeferredFree:      true,
			FencePollInterval: metav1.Duration{Duration: time.Millisecond},
			Compression:       CompressionAuto,
		},
		Debug: DebugConfig{
			PATIndex: -1,
		},
		Instrumentation: instrumentation.Default(),
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Kind != "" && c.Kind != Kind {
		return fmt.Errorf("config: invalid kind %q, expected %q", c.Kind, Kind)
	}
	if c.APIVersion != "" && c.APIVersion != APIVersion {
		return fmt.Errorf("config: invalid apiVersion %q, expected %q", c.APIVersion, APIVersion)
	}

	switch c.Runtime.Compression {
	case "", CompressionAuto, CompressionForce, CompressionDisable:
	default:
		return fmt.Errorf("config: invalid compression %q", c.Runtime.Compression)
	}
	if c.Runtime.EvictionTimeout.Duration < 0 {
		return fmt.Errorf("config: negative eviction timeout %s", c.Runtime.EvictionTimeout.Duration)
	}
	if c.Runtime.FencePollInterval.Duration < 0 {
		return fmt.Errorf("config: negative fence poll interval %s", c.Runtime.FencePollInterval.Duration)
	}
	if c.Debug.PATIndex < -1 || c.Debug.PATIndex > 31 {
		return fmt.Errorf("config: invalid PAT index %d", c.Debug.PATIndex)
	}

	return c.Instrumentation.Validate()
}
