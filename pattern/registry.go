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

package pattern

import (
	"fmt"
	"sync"
)

// Registry resolves named patterns for the `pattern NAME FOUT ROUT`
// InputSpec variant (spec.md §4.4), shared process-wide across
// Rewriters.
type Registry struct {
	mu       sync.Mutex
	patterns map[string]*Pattern
}

// NewRegistry returns an empty pattern Registry.
func NewRegistry() *Registry {
	return &Registry{patterns: make(map[string]*Pattern)}
}

// Define registers a Pattern under name, replacing any prior
// registration. It does not affect the reference count of a
// previously-registered Pattern under that name; callers that need to
// retire an old Pattern should Unref it themselves once no InputSpec
// references it.
func (r *Registry) Define(name string, p *Pattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[name] = p
}

// Lookup resolves name to its Pattern, incrementing its reference
// count on success, as an InputSpec would when it starts referencing
// the pattern.
func (r *Registry) Lookup(name string) (*Pattern, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.patterns[name]
	if !ok {
		return nil, fmt.Errorf("pattern: unknown pattern name %q", name)
	}
	p.Ref()
	return p, nil
}
