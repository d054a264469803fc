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

package rewriter

import (
	"github.com/natrw/core/mapper"
	"github.com/natrw/core/pattern"
)

// Kind discriminates an InputSpec's variant (spec.md §6's grammar,
// implemented as a tagged union per spec.md §9's design note rather
// than a class hierarchy).
type Kind int

// InputSpec variants.
const (
	KindDrop Kind = iota
	KindPass
	KindKeep
	KindPattern
	KindPatternName
	KindMapper
)

// An InputSpec configures how a Rewriter handles a flow miss on one of
// its input ports (spec.md §4.4).
type InputSpec struct {
	Kind Kind

	// Output is used by KindPass ("pass OUT"/"nochange OUT").
	Output int

	// ForwardOutput/ReverseOutput are used by KindKeep, KindPattern, and
	// KindPatternName: the output port for the forward Mapping and for
	// the reverse Mapping (installed in ReplyRewriter).
	ForwardOutput int
	ReverseOutput int

	// Pattern is used by KindPattern (an inline template).
	Pattern *pattern.Pattern

	// PatternName is used by KindPatternName, resolved at install time
	// against the Rewriter's pattern Registry.
	PatternName string

	// Mapper is used by KindMapper.
	Mapper mapper.Mapper

	// ReplyRewriter is the Rewriter that should receive the reverse
	// Mapping. Nil means "this Rewriter" (the common case).
	ReplyRewriter *Rewriter

	// Raw is the original grammar text this InputSpec was parsed from,
	// if any; the "pattern<i>" read handler returns it verbatim rather
	// than reconstructing a textual form from the compiled fields,
	// matching how a Click element's configuration() handler echoes
	// back the string it was configured with instead of re-deriving
	// one. Empty for InputSpecs built programmatically (e.g. in tests).
	Raw string

	count    uint32
	failures uint32
}

// Drop returns a drop/discard InputSpec.
func Drop() InputSpec { return InputSpec{Kind: KindDrop} }

// Pass returns a pass/nochange InputSpec forwarding unmatched packets
// on output unchanged.
func Pass(output int) InputSpec { return InputSpec{Kind: KindPass, Output: output} }

// Keep returns a keep InputSpec: install an identity-rewrite Flow,
// forwarding on fout and replying on rout.
func Keep(fout, rout int) InputSpec {
	return InputSpec{Kind: KindKeep, ForwardOutput: fout, ReverseOutput: rout}
}

// WithPattern returns a pattern InputSpec using an inline template.
func WithPattern(p *pattern.Pattern, fout, rout int) InputSpec {
	return InputSpec{Kind: KindPattern, Pattern: p, ForwardOutput: fout, ReverseOutput: rout}
}

// WithPatternName returns a pattern InputSpec resolved by name against
// the Rewriter's pattern Registry at install time.
func WithPatternName(name string, fout, rout int) InputSpec {
	return InputSpec{Kind: KindPatternName, PatternName: name, ForwardOutput: fout, ReverseOutput: rout}
}

// WithMapper returns an InputSpec delegating allocation to m.
func WithMapper(m mapper.Mapper, fout, rout int) InputSpec {
	return InputSpec{Kind: KindMapper, Mapper: m, ForwardOutput: fout, ReverseOutput: rout}
}
