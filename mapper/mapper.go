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

// Package mapper implements the IPMapper allocation strategies
// (spec.md §4.5): round-robin over a list of Patterns, and
// source-address consistent hashing across backend Patterns.
package mapper

import (
	"github.com/natrw/core/flowid"
	"github.com/natrw/core/pattern"
)

// A Mapper selects which of its configured Patterns should rewrite a
// given input FlowID, delegating the actual allocation to
// Pattern.RewriteFlowID. It is the Go equivalent of the source's
// IPMapper interface: "a capability that produces a rewrite decision"
// (spec.md §9).
type Mapper interface {
	RewriteFlowID(in flowid.ID, probe pattern.ReverseProbe) (flowid.ID, pattern.Decision)
}
