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

// Command natrw runs a single Rewriter built from a configuration file
// and serves Prometheus metrics about it over HTTP at /metrics; the
// control handlers are read by the metrics collector and are not
// otherwise exposed. Packet I/O is out of this module's scope (spec.md
// §6), so this binary is mainly useful as a way to validate a
// configuration file and to watch a Rewriter's counters.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/natrw/core/config"
	"github.com/natrw/core/control"
	"github.com/natrw/core/flow"
	"github.com/natrw/core/flowheap"
	"github.com/natrw/core/metrics"
	"github.com/natrw/core/packet"
	"github.com/natrw/core/pattern"
	"github.com/natrw/core/rewriter"
)

// defaultMappingCapacity bounds the shared heap when a configuration
// line leaves MAPPING_CAPACITY unset (0): large enough not to bind
// typical deployments, small enough to fail fast on a runaway leak.
const defaultMappingCapacity = 1 << 16

func main() {
	logger := logrus.New()

	var (
		configPath = pflag.String("config", "", "path to a Rewriter configuration file (required)")
		listenAddr = pflag.String("listen", ":9115", "address to serve /metrics on")
		logLevel   = pflag.String("log-level", "info", "logrus level: debug, info, warn, error")
	)
	pflag.Parse()

	if level, err := logrus.ParseLevel(*logLevel); err != nil {
		logger.WithError(err).Fatal("invalid log level")
	} else {
		logger.SetLevel(level)
	}

	if *configPath == "" {
		logger.Fatal("-config is required")
	}

	rw, handlers, err := buildRewriter(*configPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build rewriter from configuration")
	}
	defer rw.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(handlers))

	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.WithField("addr", *listenAddr).Info("serving control metrics")
	if err := http.ListenAndServe(*listenAddr, nil); err != nil {
		logger.WithError(err).Fatal("metrics server exited")
	}
}

func buildRewriter(path string, logger *logrus.Logger) (*rewriter.Rewriter, control.Handlers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config: %w", err)
	}

	cfg, err := config.Parse(string(data))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing config: %w", err)
	}

	capacity := cfg.MappingCapacity
	if capacity <= 0 {
		capacity = defaultMappingCapacity
	}

	heap := flowheap.New(capacity, bestEffortExpiry(cfg.Timeouts))

	rw := rewriter.New(cfg.Inputs, heap, cfg.Timeouts, func(out int, pkt packet.Packet) {
		logger.WithFields(logrus.Fields{"output": out}).Debug("emit: no packet I/O wired up in this binary")
	})
	rw.Guaranteed = cfg.Guaranteed
	rw.DstAnno = cfg.DstAnno
	rw.ReplyAnno = cfg.ReplyAnno

	if err := rw.Configure(pattern.NewRegistry()); err != nil {
		return nil, nil, fmt.Errorf("configuring inputs: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"inputs":           len(cfg.Inputs),
		"mapping_capacity": capacity,
		"reap_interval":    cfg.ReapInterval,
	}).Info("rewriter configured")

	handlers := control.NewRewriterHandlers(rw, heap, time.Now)
	return rw, handlers, nil
}

// bestEffortExpiry implements flowheap.Heap.BestEffortExpiry's contract
// (spec.md §4.3): a guaranteed flow transitioning off its guarantee
// window lands at owner_expiry + nodata_timeout - guarantee.
func bestEffortExpiry(timeouts flow.Timeouts) func(*flow.Flow) time.Time {
	shift := timeouts.TCPNoData - timeouts.Guarantee
	return func(f *flow.Flow) time.Time {
		return f.Expiry.Add(shift)
	}
}
