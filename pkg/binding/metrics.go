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

package binding

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	backingsDesc = prometheus.NewDesc(
		"backings_total",
		"Number of backings created, imported and released.",
		[]string{"operation"}, nil,
	)
	bindsDesc = prometheus.NewDesc(
		"binds_total",
		"Number of GPU virtual address binds and unbinds.",
		[]string{"operation"}, nil,
	)
	evictionsDesc = prometheus.NewDesc(
		"evictions_total",
		"Number of evictions and failed evictions.",
		[]string{"result"}, nil,
	)
	residentDesc = prometheus.NewDesc(
		"resident_backings",
		"Number of backings with tracked residency.",
		nil, nil,
	)
	deferredDesc = prometheus.NewDesc(
		"deferred_releases",
		"Number of backings on the deferred free list.",
		nil, nil,
	)
)

// Collector returns a prometheus collector for the manager.
func (m *Manager) Collector() prometheus.Collector {
	return &collector{m: m}
}

type collector struct {
	m *Manager
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- backingsDesc
	ch <- bindsDesc
	ch <- evictionsDesc
	ch <- residentDesc
	ch <- deferredDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.m.mu.Lock()
	var (
		stats    = c.m.stats
		resident = len(c.m.tracked)
		deferred = len(c.m.deferred)
	)
	c.m.mu.Unlock()

	counter := func(desc *prometheus.Desc, v uint64, label string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), label)
	}

	counter(backingsDesc, stats.Created, "create")
	counter(backingsDesc, stats.Imported, "import")
	counter(backingsDesc, stats.Released, "release")
	counter(bindsDesc, stats.Binds, "bind")
	counter(bindsDesc, stats.Unbinds, "unbind")
	counter(evictionsDesc, stats.Evicted, "evicted")
	counter(evictionsDesc, stats.EvictionFailures, "failed")

	ch <- prometheus.MustNewConstMetric(residentDesc, prometheus.GaugeValue, float64(resident))
	ch <- prometheus.MustNewConstMetric(deferredDesc, prometheus.GaugeValue, float64(deferred))
}
