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
	"errors"
	"time"

	"github.com/natrw/core/flow"
	"github.com/natrw/core/flowid"
	"github.com/natrw/core/mapping"
	"github.com/natrw/core/packet"
	"github.com/natrw/core/pattern"
)

// ErrMappingFailed is returned by AllocateMapping when p has no
// collision-free candidate left for key, mirroring a Pattern-driven
// InputSpec miss (spec.md §4.1).
var ErrMappingFailed = errors.New("rewriter: pattern allocation failed")

// AllocateMapping installs a Flow for key directly against Pattern p,
// bypassing the InputSpec table this Rewriter otherwise dispatches
// through. It exists for callers that already know which Pattern and
// outputs to use -- FTPHelper is the only one in this module (spec.md
// §4.6 step 3: "ask the data-path Rewriter ... to allocate a Mapping
// for it using a named Pattern"), grounded on FTPPortMapper calling
// IPRewriter::Pattern::create_mapping directly and then
// IPRewriter::install, rather than going through the element's own
// input dispatch.
//
// On success it returns the installed Flow's forward Mapping, whose
// Rewritten field carries the new advertised data-channel endpoint.
func (r *Rewriter) AllocateMapping(p *pattern.Pattern, proto packet.Proto, key flowid.ID, fout, rout int, now time.Time) (*mapping.Mapping, error) {
	probe := func(id flowid.ID) bool {
		_, ok := r.table[id]
		return ok
	}

	out, decision := p.RewriteFlowID(key, probe)
	if decision == pattern.Drop {
		return nil, ErrMappingFailed
	}

	fwd := mapping.New(key, out, fout, mapping.Forward)
	rev := mapping.New(out.Reverse(), key.Reverse(), rout, mapping.Reverse)
	fwd.DstAnno, rev.DstAnno = r.DstAnno, r.DstAnno

	f := flow.New(proto, fwd, rev, now, 0)
	f.Guaranteed = r.Guaranteed

	r.table[key] = &mapEntry{flow: f, direction: mapping.Forward}
	r.table[out.Reverse()] = &mapEntry{flow: f, direction: mapping.Reverse}

	if err := r.Heap.Insert(f, now); err != nil {
		delete(r.table, key)
		delete(r.table, out.Reverse())
		return nil, err
	}

	return fwd, nil
}
