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

package usm

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/gpu-usm/pkg/alloc"
)

var (
	allocationsDesc = prometheus.NewDesc(
		"allocations",
		"Number of live allocations.",
		[]string{"kind"}, nil,
	)
	allocatedBytesDesc = prometheus.NewDesc(
		"allocated_bytes",
		"Number of bytes in live allocations.",
		[]string{"kind"}, nil,
	)
	ipcHandlesDesc = prometheus.NewDesc(
		"ipc_handles",
		"Number of exported IPC handles.",
		nil, nil,
	)
	peerAliasesDesc = prometheus.NewDesc(
		"peer_aliases",
		"Number of cached peer device aliases.",
		nil, nil,
	)
	retriesDesc = prometheus.NewDesc(
		"oom_retries_total",
		"Number of allocations retried after draining deferred frees.",
		nil, nil,
	)
	failuresDesc = prometheus.NewDesc(
		"allocation_failures_total",
		"Number of failed allocations.",
		nil, nil,
	)
)

var kinds = []alloc.Kind{
	alloc.HostUnified,
	alloc.DeviceUnified,
	alloc.SharedUnified,
	alloc.ReservedDevice,
}

// Collector returns a prometheus collector for the service.
func (s *Service) Collector() prometheus.Collector {
	return &collector{s: s}
}

type collector struct {
	s *Service
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- allocationsDesc
	ch <- allocatedBytesDesc
	ch <- ipcHandlesDesc
	ch <- peerAliasesDesc
	ch <- retriesDesc
	ch <- failuresDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	var (
		count = map[alloc.Kind]int{}
		bytes = map[alloc.Kind]uint64{}
	)
	for _, a := range c.s.table.Allocations() {
		count[a.Kind()]++
		bytes[a.Kind()] += a.Size()
	}

	for _, k := range kinds {
		ch <- prometheus.MustNewConstMetric(allocationsDesc, prometheus.GaugeValue,
			float64(count[k]), k.String())
		ch <- prometheus.MustNewConstMetric(allocatedBytesDesc, prometheus.GaugeValue,
			float64(bytes[k]), k.String())
	}

	ch <- prometheus.MustNewConstMetric(ipcHandlesDesc, prometheus.GaugeValue, float64(c.s.ipc.Len()))
	ch <- prometheus.MustNewConstMetric(peerAliasesDesc, prometheus.GaugeValue, float64(c.s.peers.Len()))

	c.s.mu.Lock()
	stats := c.s.stats
	c.s.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(retriesDesc, prometheus.CounterValue, float64(stats.retries))
	ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.CounterValue, float64(stats.failures))
}
