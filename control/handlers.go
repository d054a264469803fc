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

// Package control implements the read/write control-plane surface
// spec.md §6 describes as "Handlers": table dumps, counters, capacity
// resize, flow clearing, per-input pattern inspection, and reverse
// lookup, backed directly by a *rewriter.Rewriter. A second, optional
// transport (netlink.go) exposes the same surface over generic
// netlink so an external inspection tool can dump flow tables without
// linking against this module.
package control

import (
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/natrw/core/config"
	"github.com/natrw/core/flow"
	"github.com/natrw/core/flowheap"
	"github.com/natrw/core/flowid"
	"github.com/natrw/core/packet"
	"github.com/natrw/core/rewriter"
)

// FlowSummary is the read-only view of one table entry a dump handler
// reports: the lookup key plus enough of the owning Flow's state to be
// useful to an operator, without exposing *flow.Flow's mutable
// internals directly.
type FlowSummary struct {
	Key        flowid.ID
	Rewritten  flowid.ID
	Proto      packet.Proto
	Expiry     time.Time
	Guaranteed bool
	// TraceID is the owning Flow's process-lifetime-unique identifier,
	// stable across lookups even if the flow's keys are reused later.
	TraceID xid.ID
}

// Handlers is the control-plane surface spec.md §6 names. It is
// satisfied by *RewriterHandlers; tests and alternative transports can
// substitute their own implementation.
type Handlers interface {
	Table() []FlowSummary
	TCPTable() []FlowSummary
	UDPTable() []FlowSummary
	NMappings() uint32
	MappingFailures() uint32
	Size() int
	Capacity() int
	SetCapacity(n int)
	Clear()
	Pattern(i int) (string, error)
	SetPattern(i int, spec string) error
	Lookup(id flowid.ID) (flowid.ID, bool)
}

// RewriterHandlers implements Handlers directly against a Rewriter and
// the Heap it shares, the way IPRewriterBase's own read/write handler
// table (original_source/elements/ip/iprewriterbase.cc) dispatches
// straight to the element's own fields rather than through an
// indirection layer.
type RewriterHandlers struct {
	Rewriter *rewriter.Rewriter
	Heap     *flowheap.Heap
	Now      func() time.Time
}

// NewRewriterHandlers returns a Handlers backed by r and h.
func NewRewriterHandlers(r *rewriter.Rewriter, h *flowheap.Heap, now func() time.Time) *RewriterHandlers {
	return &RewriterHandlers{Rewriter: r, Heap: h, Now: now}
}

func (c *RewriterHandlers) table(filter func(*flow.Flow) bool) []FlowSummary {
	t := c.Rewriter.Table()
	out := make([]FlowSummary, 0, len(t))
	for k, f := range t {
		if filter != nil && !filter(f) {
			continue
		}
		out = append(out, FlowSummary{
			Key:        k,
			Rewritten:  f.Forward.Rewritten,
			Proto:      f.Proto,
			Expiry:     f.Expiry,
			Guaranteed: f.Guaranteed,
			TraceID:    f.TraceID,
		})
	}
	return out
}

// Table returns every installed flow, regardless of protocol.
func (c *RewriterHandlers) Table() []FlowSummary { return c.table(nil) }

// TCPTable returns only TCP flows.
func (c *RewriterHandlers) TCPTable() []FlowSummary {
	return c.table(func(f *flow.Flow) bool { return f.Proto == packet.ProtoTCP })
}

// UDPTable returns only UDP flows.
func (c *RewriterHandlers) UDPTable() []FlowSummary {
	return c.table(func(f *flow.Flow) bool { return f.Proto == packet.ProtoUDP })
}

// NMappings reports the "nmappings" handler.
func (c *RewriterHandlers) NMappings() uint32 { return c.Rewriter.NMappings() }

// MappingFailures reports the "mapping_failures" handler.
func (c *RewriterHandlers) MappingFailures() uint32 { return c.Rewriter.MappingFailures() }

// Size reports the "size" handler: the shared heap's current flow count.
func (c *RewriterHandlers) Size() int { return c.Heap.Size() }

// Capacity reports the "capacity" handler.
func (c *RewriterHandlers) Capacity() int { return c.Heap.Capacity() }

// SetCapacity implements the writable half of "capacity".
func (c *RewriterHandlers) SetCapacity(n int) { c.Heap.SetCapacity(n, c.Now()) }

// Clear implements the "clear" handler: evict every flow from both the
// shared heap and this Rewriter's own lookup table, which the heap
// alone knows nothing about (spec.md §4.4's reply-Rewriter indirection
// means table entries, not heap entries, are the source of truth for
// a lookup miss/hit).
func (c *RewriterHandlers) Clear() {
	dead := c.Heap.Clear(c.Now())
	c.Rewriter.Evict(dead)
}

// Pattern reports the "pattern<i>" handler's read side: input i's
// configuration text as originally parsed (InputSpec.Raw), returned
// verbatim; it is empty for an InputSpec built in code.
func (c *RewriterHandlers) Pattern(i int) (string, error) {
	return c.Rewriter.InputSpecString(i)
}

// SetPattern implements the "pattern<i>" handler's write side: spec is
// parsed with the same grammar a config file's input-spec field uses,
// and takes effect for input i immediately (matching
// IPRewriterBase::pattern_write_handler's live-reconfiguration
// behavior).
func (c *RewriterHandlers) SetPattern(i int, specText string) error {
	cfg, err := config.Parse(specText)
	if err != nil {
		return fmt.Errorf("control: pattern%d: %w", i, err)
	}
	if len(cfg.Inputs) != 1 {
		return fmt.Errorf("control: pattern%d: expected exactly one input spec, got %d", i, len(cfg.Inputs))
	}
	if err := c.Rewriter.SetInputSpec(i, cfg.Inputs[0]); err != nil {
		return fmt.Errorf("control: pattern%d: %w", i, err)
	}
	return nil
}

// Lookup implements the "lookup" handler.
func (c *RewriterHandlers) Lookup(id flowid.ID) (flowid.ID, bool) {
	return c.Rewriter.Lookup(id)
}
