// Copyright 2017 DigitalOcean.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exports a Rewriter's control-surface counters as
// Prometheus metrics: a pull-based prometheus.Collector computes every
// value at scrape time from a control.Handlers, rather than pushing
// updates from the packet path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/natrw/core/control"
	"github.com/natrw/core/packet"
)

const namespace = "natrw"

// Collector implements prometheus.Collector over a control.Handlers,
// exposing flow counts, mapping counters, and heap capacity the same
// way rdma_exporter's RdmaCollector computes device stats lazily in
// Collect rather than maintaining live counters.
type Collector struct {
	handlers control.Handlers

	size            *prometheus.Desc
	capacity        *prometheus.Desc
	nMappings       *prometheus.Desc
	mappingFailures *prometheus.Desc
	flowsByProto    *prometheus.Desc
}

// NewCollector returns a Collector reporting h's counters under the
// natrw namespace.
func NewCollector(h control.Handlers) *Collector {
	return &Collector{
		handlers: h,
		size: prometheus.NewDesc(
			namespace+"_flow_table_size",
			"Current number of flows tracked by the shared heap.",
			nil, nil,
		),
		capacity: prometheus.NewDesc(
			namespace+"_flow_table_capacity",
			"Maximum number of flows the shared heap admits before evicting the soonest-expiring entry.",
			nil, nil,
		),
		nMappings: prometheus.NewDesc(
			namespace+"_mappings_total",
			"Total mappings successfully installed across every input.",
			nil, nil,
		),
		mappingFailures: prometheus.NewDesc(
			namespace+"_mapping_failures_total",
			"Total mapping allocation failures across every input.",
			nil, nil,
		),
		flowsByProto: prometheus.NewDesc(
			namespace+"_flows",
			"Current number of installed flows, by transport protocol.",
			[]string{"proto"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.capacity
	ch <- c.nMappings
	ch <- c.mappingFailures
	ch <- c.flowsByProto
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(c.handlers.Size()))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(c.handlers.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.nMappings, prometheus.CounterValue, float64(c.handlers.NMappings()))
	ch <- prometheus.MustNewConstMetric(c.mappingFailures, prometheus.CounterValue, float64(c.handlers.MappingFailures()))

	ch <- prometheus.MustNewConstMetric(c.flowsByProto, prometheus.GaugeValue, float64(len(c.handlers.TCPTable())), protoLabel(packet.ProtoTCP))
	ch <- prometheus.MustNewConstMetric(c.flowsByProto, prometheus.GaugeValue, float64(len(c.handlers.UDPTable())), protoLabel(packet.ProtoUDP))
}

func protoLabel(p packet.Proto) string {
	switch p {
	case packet.ProtoTCP:
		return "tcp"
	case packet.ProtoUDP:
		return "udp"
	case packet.ProtoICMP:
		return "icmp"
	default:
		return "unknown"
	}
}
