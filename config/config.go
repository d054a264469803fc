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

// Package config parses a Rewriter element's configuration line
// (spec.md §6): a comma-separated list of input-spec strings, one per
// input port, plus keyword arguments controlling timeouts, guarantee
// window, reap interval, mapping capacity, and annotation behavior.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/natrw/core/flow"
	"github.com/natrw/core/pattern"
	"github.com/natrw/core/rewriter"
	"github.com/spf13/pflag"
)

// Config is the parsed result of one Rewriter configuration line.
type Config struct {
	Inputs          []rewriter.InputSpec
	Timeouts        flow.Timeouts
	Guaranteed      bool
	ReapInterval    time.Duration
	MappingCapacity int
	DstAnno         bool
	// ReplyAnno is the REPLY_ANNO annotation byte offset, or -1 if the
	// keyword was not given (the feature is disabled).
	ReplyAnno int
}

// defaultReapInterval matches the source's PATTERN_GC_INTERVAL default
// (original_source/elements/ip/iprewriterbase.cc).
const defaultReapInterval = 15 * time.Second

// Parse splits line on top-level commas (the per-input-spec list) and
// pulls out any KEY=VALUE keyword arguments into a pflag.FlagSet before
// resolving each remaining field as an InputSpec. A `pattern NAME`
// field is left unresolved (rewriter.WithPatternName) until the
// caller runs (*rewriter.Rewriter).Configure against a pattern.Registry.
func Parse(line string) (Config, error) {
	cfg := Config{
		Timeouts:     flow.DefaultTimeouts(),
		ReapInterval: defaultReapInterval,
		ReplyAnno:    -1,
	}

	fields := splitTopLevel(line)

	var specFields, kwFields []string
	for _, f := range fields {
		if isKeywordArg(f) {
			kwFields = append(kwFields, f)
		} else {
			specFields = append(specFields, f)
		}
	}

	if err := parseKeywordArgs(kwFields, &cfg); err != nil {
		return Config{}, err
	}

	for i, f := range specFields {
		spec, err := parseInputSpec(f)
		if err != nil {
			return Config{}, fmt.Errorf("config: input %d: %w", i, err)
		}
		spec.Raw = f
		cfg.Inputs = append(cfg.Inputs, spec)
	}

	return cfg, nil
}

// splitTopLevel splits s on commas into trimmed, non-empty fields.
func splitTopLevel(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// keywordArgNames enumerates spec.md §6's recognized KEY=VALUE
// arguments; a field of that shape using another name is not taken as a
// keyword argument and goes to the InputSpec parser, which rejects it.
var keywordArgNames = map[string]bool{
	"TCP_TIMEOUT":           true,
	"TCP_DONE_TIMEOUT":      true,
	"TCP_NODATA_TIMEOUT":    true,
	"UDP_TIMEOUT":           true,
	"UDP_STREAMING_TIMEOUT": true,
	"GUARANTEE":             true,
	"REAP_INTERVAL":         true,
	"MAPPING_CAPACITY":      true,
	"DST_ANNO":              true,
	"REPLY_ANNO":            true,
}

func isKeywordArg(field string) bool {
	key, _, ok := strings.Cut(field, "=")
	if !ok {
		return false
	}
	return keywordArgNames[strings.TrimSpace(key)]
}

// parseKeywordArgs feeds every KEY=VALUE field through a pflag.FlagSet
// bound to cfg's fields, the way pillar's subcommand packages each
// build one FlagSet per config surface rather than hand-rolling
// string-splitting for every flag.
func parseKeywordArgs(fields []string, cfg *Config) error {
	fs := pflag.NewFlagSet("rewriter", pflag.ContinueOnError)

	tcpTimeout := fs.Duration("TCP_TIMEOUT", cfg.Timeouts.TCPData, "")
	tcpDoneTimeout := fs.Duration("TCP_DONE_TIMEOUT", cfg.Timeouts.TCPDone, "")
	tcpNoDataTimeout := fs.Duration("TCP_NODATA_TIMEOUT", cfg.Timeouts.TCPNoData, "")
	udpTimeout := fs.Duration("UDP_TIMEOUT", cfg.Timeouts.UDP, "")
	udpStreamingTimeout := fs.Duration("UDP_STREAMING_TIMEOUT", cfg.Timeouts.UDPStreaming, "")
	guarantee := fs.Duration("GUARANTEE", cfg.Timeouts.Guarantee, "")
	reapInterval := fs.Duration("REAP_INTERVAL", cfg.ReapInterval, "")
	capacity := fs.Int("MAPPING_CAPACITY", cfg.MappingCapacity, "")
	dstAnno := fs.Bool("DST_ANNO", cfg.DstAnno, "")
	replyAnno := fs.Int("REPLY_ANNO", cfg.ReplyAnno, "")

	args := make([]string, 0, len(fields))
	for _, f := range fields {
		args = append(args, "--"+f)
	}
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("config: keyword arguments: %w", err)
	}

	cfg.Timeouts.TCPData = *tcpTimeout
	cfg.Timeouts.TCPDone = *tcpDoneTimeout
	cfg.Timeouts.TCPNoData = *tcpNoDataTimeout
	cfg.Timeouts.UDP = *udpTimeout
	cfg.Timeouts.UDPStreaming = *udpStreamingTimeout
	cfg.Timeouts.Guarantee = *guarantee
	cfg.Guaranteed = *guarantee > 0
	cfg.ReapInterval = *reapInterval
	cfg.MappingCapacity = *capacity
	cfg.DstAnno = *dstAnno
	cfg.ReplyAnno = *replyAnno

	return nil
}

// parseInputSpec resolves one non-keyword field into a
// rewriter.InputSpec per spec.md §6's grammar.
func parseInputSpec(field string) (rewriter.InputSpec, error) {
	parts := strings.Fields(field)
	if len(parts) == 0 {
		return rewriter.InputSpec{}, fmt.Errorf("empty input spec")
	}

	switch strings.ToLower(parts[0]) {
	case "drop", "discard":
		return rewriter.Drop(), nil

	case "pass", "nochange":
		if len(parts) != 2 {
			return rewriter.InputSpec{}, fmt.Errorf("%q wants exactly one output", parts[0])
		}
		out, err := strconv.Atoi(parts[1])
		if err != nil {
			return rewriter.InputSpec{}, fmt.Errorf("bad output index: %w", err)
		}
		return rewriter.Pass(out), nil

	case "keep":
		fout, rout, err := twoOutputs(parts[1:])
		if err != nil {
			return rewriter.InputSpec{}, err
		}
		return rewriter.Keep(fout, rout), nil

	case "pattern":
		return parsePatternSpec(parts[1:])

	default:
		return rewriter.InputSpec{}, fmt.Errorf("unrecognized input spec %q", parts[0])
	}
}

func parsePatternSpec(args []string) (rewriter.InputSpec, error) {
	switch len(args) {
	case 3:
		// pattern <NAME> <FOUT> <ROUT>
		fout, rout, err := twoOutputs(args[1:])
		if err != nil {
			return rewriter.InputSpec{}, err
		}
		return rewriter.WithPatternName(args[0], fout, rout), nil

	case 6:
		// pattern <SADDR> <SPORT> <DADDR> <DPORT> <FOUT> <ROUT>
		p, err := pattern.Parse(args[0], args[1], args[2], args[3])
		if err != nil {
			return rewriter.InputSpec{}, err
		}
		fout, rout, err := twoOutputs(args[4:])
		if err != nil {
			return rewriter.InputSpec{}, err
		}
		return rewriter.WithPattern(p, fout, rout), nil

	default:
		return rewriter.InputSpec{}, fmt.Errorf("pattern wants 3 or 6 arguments, got %d", len(args))
	}
}

func twoOutputs(args []string) (fout, rout int, err error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("wants exactly two output indices, got %d", len(args))
	}
	fout, err = strconv.Atoi(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad forward output: %w", err)
	}
	rout, err = strconv.Atoi(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad reverse output: %w", err)
	}
	return fout, rout, nil
}
