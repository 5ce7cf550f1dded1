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

package instrumentation_test

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/intel/gpu-usm/pkg/apis/config/v1alpha1/instrumentation"
	. "github.com/intel/gpu-usm/pkg/instrumentation"
	"github.com/intel/gpu-usm/pkg/metrics"
)

func TestPrometheusConfiguration(t *testing.T) {
	r := metrics.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "allocations",
		Help: "Number of live allocations.",
	})
	g.Set(2)
	require.NoError(t, r.Register("allocations", g, metrics.WithGroup("usm")))

	cfg := cfgapi.Default()
	cfg.HTTPEndpoint = "127.0.0.1:0"

	s := NewService(r)
	require.NoError(t, s.Start(cfg))
	require.Equal(t, "", s.Address(), "no server without prometheus export")

	cfg.PrometheusExport = true
	require.NoError(t, s.Reconfigure(cfg))
	address := s.Address()
	require.NotEqual(t, "", address)

	body := scrape(t, address)
	require.Contains(t, body, "gpu_usm_allocations 2")

	cfg.PrometheusExport = false
	require.NoError(t, s.Reconfigure(cfg))
	_, err := http.Get("http://" + address + "/metrics")
	require.Error(t, err)

	cfg.PrometheusExport = true
	cfg.Metrics.Enabled = []string{"nonexistent"}
	require.Error(t, s.Reconfigure(cfg))
	require.Equal(t, "", s.Address())

	s.Stop()
}

func scrape(t *testing.T, address string) string {
	rpl, err := http.Get("http://" + address + "/metrics")
	require.NoError(t, err)
	defer rpl.Body.Close()
	require.Equal(t, http.StatusOK, rpl.StatusCode)

	data, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}
