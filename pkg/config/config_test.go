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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/intel/gpu-usm/pkg/apis/config/v1alpha1"
	. "github.com/intel/gpu-usm/pkg/config"
)

func TestParse(t *testing.T) {
	type testCase struct {
		name   string
		data   string
		fail   bool
		verify func(*testing.T, *cfgapi.Config)
	}
	for _, tc := range []*testCase{
		{
			name: "empty configuration gets defaults",
			data: "",
			verify: func(t *testing.T, cfg *cfgapi.Config) {
				require.True(t, cfg.Runtime.DeferredFree)
				require.Equal(t, time.Millisecond, cfg.Runtime.FencePollInterval.Duration)
				require.Equal(t, cfgapi.CompressionAuto, cfg.Runtime.Compression)
				require.Equal(t, -1, cfg.Debug.PATIndex)
				require.Equal(t, []string{"*"}, cfg.Instrumentation.Metrics.Enabled)
			},
		},
		{
			name: "runtime and debug overrides",
			data: `
apiVersion: config.gpu-usm.intel.com/v1alpha1
kind: RuntimeConfig
runtime:
  deferredFree: false
  evictionTimeout: 2s
  compression: force
debug:
  allocationPadding: 4096
  patIndex: 3
  capture: true
log:
  debug:
    - binding
    - ipc
instrumentation:
  samplingRatePerMillion: 500000
`,
			verify: func(t *testing.T, cfg *cfgapi.Config) {
				require.False(t, cfg.Runtime.DeferredFree)
				require.Equal(t, 2*time.Second, cfg.Runtime.EvictionTimeout.Duration)
				require.Equal(t, time.Millisecond, cfg.Runtime.FencePollInterval.Duration)
				require.Equal(t, cfgapi.CompressionForce, cfg.Runtime.Compression)
				require.Equal(t, uint64(4096), cfg.Debug.AllocationPadding)
				require.Equal(t, 3, cfg.Debug.PATIndex)
				require.True(t, cfg.Debug.Capture)
				require.Equal(t, []string{"binding", "ipc"}, cfg.Log.Debug)
				require.Equal(t, 0.5, cfg.Instrumentation.SamplingRatio())
			},
		},
		{
			name: "unknown field",
			data: "runtime:\n  deferredFrees: true\n",
			fail: true,
		},
		{
			name: "invalid compression",
			data: "runtime:\n  compression: always\n",
			fail: true,
		},
		{
			name: "invalid PAT index",
			data: "debug:\n  patIndex: 64\n",
			fail: true,
		},
		{
			name: "invalid kind",
			data: "kind: BalloonsPolicy\n",
			fail: true,
		},
		{
			name: "invalid sampling rate",
			data: "instrumentation:\n  samplingRatePerMillion: 2000000\n",
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tc.data))
			if tc.fail {
				require.Error(t, err)
				require.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			tc.verify(t, cfg)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(cfgapi.Default(), cfg))

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug:\n  immediateBinding: true\n"), 0o644))

	cfg, err = Load(path)
	require.NoError(t, err)
	expected := cfgapi.Default()
	expected.Debug.ImmediateBinding = true
	require.Empty(t, cmp.Diff(expected, cfg), "only the loaded setting differs from defaults")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
