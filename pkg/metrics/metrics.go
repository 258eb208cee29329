/**
 * Copyright (c) 2022, Xerra Earth Observation Institute
 * See LICENSE.TXT in the root directory of this source tree.
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xerra-labs/dissect/pkg/dispatch"
)

// info pairs a metric description with the function that reads the current
// value off a dispatch.Stats snapshot, mirroring the teacher's
// description/supplier pairing for its TCPInfo collector fields.
type info struct {
	description *prometheus.Desc
	value       func(dispatch.Stats) float64
}

// SessionCollector exposes one capture session's packet counters as
// Prometheus metrics (spec.md §4.6, SPEC_FULL.md domain-stack entry for
// prometheus/client_golang). Unlike the teacher's collector, which tracks a
// live map of per-connection file descriptors, a capture session has exactly
// one set of counters, so Collect needs no locking beyond what
// dispatch.Dispatcher.Stats already does internally.
type SessionCollector struct {
	source func() dispatch.Stats
	infos  []info

	rotations      prometheus.Counter
	arenaHighWater prometheus.Gauge
}

func makeDescriptions(prefix string, constLabels prometheus.Labels) map[string]*prometheus.Desc {
	return map[string]*prometheus.Desc{
		"captured":          prometheus.NewDesc(prefix+"_packets_captured_total", "Packets handed to the dispatcher by the capture source.", nil, constLabels),
		"received":          prometheus.NewDesc(prefix+"_packets_received_total", "Packets the kernel's BPF filter accepted for this session.", nil, constLabels),
		"dropped_kernel":    prometheus.NewDesc(prefix+"_packets_dropped_kernel_total", "Packets the kernel dropped because the capture buffer was full.", nil, constLabels),
		"dropped_interface": prometheus.NewDesc(prefix+"_packets_dropped_interface_total", "Packets dropped by the network interface, if the capture library reports it.", nil, constLabels),
	}
}

// NewSessionCollector wires a collector over a live stats source, normally
// dispatch.Dispatcher.Stats. rotations and arenaHighWater are set through
// capture.Session's rotation hook and dispatch.Dispatcher's arena hook
// respectively as those events occur, since neither is visible from a Stats
// snapshot alone.
func NewSessionCollector(prefix string, constLabels prometheus.Labels, source func() dispatch.Stats) *SessionCollector {
	desc := makeDescriptions(prefix, constLabels)
	return &SessionCollector{
		source: source,
		infos: []info{
			{description: desc["captured"], value: func(s dispatch.Stats) float64 { return float64(s.Captured) }},
			{description: desc["received"], value: func(s dispatch.Stats) float64 { return float64(s.ReceivedByFilter) }},
			{description: desc["dropped_kernel"], value: func(s dispatch.Stats) float64 { return float64(s.DroppedKernel) }},
			{description: desc["dropped_interface"], value: func(s dispatch.Stats) float64 { return float64(s.DroppedInterface) }},
		},
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        prefix + "_file_rotations_total",
			Help:        "Number of times the output capture file has been rotated.",
			ConstLabels: constLabels,
		}),
		arenaHighWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        prefix + "_arena_high_water_bytes",
			Help:        "Highest per-packet arena usage observed so far this session.",
			ConstLabels: constLabels,
		}),
	}
}

func (c *SessionCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, i := range c.infos {
		descs <- i.description
	}
	c.rotations.Describe(descs)
	c.arenaHighWater.Describe(descs)
}

func (c *SessionCollector) Collect(metrics chan<- prometheus.Metric) {
	snap := c.source()
	for _, i := range c.infos {
		metrics <- prometheus.MustNewConstMetric(i.description, prometheus.CounterValue, i.value(snap))
	}
	c.rotations.Collect(metrics)
	c.arenaHighWater.Collect(metrics)
}

// RecordRotation increments the file-rotation counter. Called by
// pkg/capture when a size or time rotation opens the next file; reaching the
// file-count cap stops writing without calling it.
func (c *SessionCollector) RecordRotation() { c.rotations.Inc() }

// RecordArenaHighWater records the per-packet arena's current high-water
// mark, as reported by dispatch.Dispatcher after each packet, so it shows up
// alongside the other session counters.
func (c *SessionCollector) RecordArenaHighWater(bytes int) { c.arenaHighWater.Set(float64(bytes)) }
