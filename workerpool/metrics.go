// Copyright 2024 The Zlomek FS Authors.
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

package workerpool

import "github.com/prometheus/client_golang/prometheus"

// Collector exports a Pool's idle/busy worker counts and lifetime
// submitted-task count as prometheus gauges/counter, one per named pool
// (zfsd registers one for its kernel-channel pool and one for its network
// pool). It satisfies prometheus.Collector directly rather than using
// promauto's package-global registry, since a process may build more than
// one Pool with the same lifetime as the daemon itself.
type Collector struct {
	pool *Pool
	name string

	idleDesc      *prometheus.Desc
	busyDesc      *prometheus.Desc
	submittedDesc *prometheus.Desc
}

// NewCollector builds a Collector for pool, labelled name (e.g.
// "kernel"/"network") in every exported metric.
func NewCollector(name string, pool *Pool) *Collector {
	return &Collector{
		pool: pool,
		name: name,
		idleDesc: prometheus.NewDesc(
			"zfsd_workerpool_idle_workers",
			"Number of idle workers currently held warm in the pool.",
			nil, prometheus.Labels{"pool": name}),
		busyDesc: prometheus.NewDesc(
			"zfsd_workerpool_busy_workers",
			"Number of workers currently executing a task.",
			nil, prometheus.Labels{"pool": name}),
		submittedDesc: prometheus.NewDesc(
			"zfsd_workerpool_submitted_total",
			"Lifetime count of tasks accepted by Submit.",
			nil, prometheus.Labels{"pool": name}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.idleDesc
	ch <- c.busyDesc
	ch <- c.submittedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	idle, busy := c.pool.Occupancy()
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(idle))
	ch <- prometheus.MustNewConstMetric(c.busyDesc, prometheus.GaugeValue, float64(busy))
	ch <- prometheus.MustNewConstMetric(c.submittedDesc, prometheus.CounterValue, float64(c.pool.Submitted()))
}
