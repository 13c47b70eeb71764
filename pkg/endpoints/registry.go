// SPDX-FileCopyrightText: Copyright 2025 MXCP authors
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"fmt"
	"sort"
)

// Registry is the immutable endpoint catalog of one generation.
type Registry struct {
	byKey     map[string]*Definition
	resources []*Definition
}

func key(kind Kind, name string) string {
	return string(kind) + "/" + name
}

// NewRegistry indexes defs. Duplicate (kind, name) pairs, and duplicate
// resource URI templates, fail the whole construction.
func NewRegistry(defs []*Definition) (*Registry, error) {
	r := &Registry{byKey: make(map[string]*Definition, len(defs))}
	byURI := make(map[string]*Definition)
	for _, def := range defs {
		k := key(def.Kind, def.Name)
		if prev, ok := r.byKey[k]; ok {
			return nil, fmt.Errorf("duplicate %s %q (defined in %s and %s)",
				def.Kind, def.Name, prev.SourcePath, def.SourcePath)
		}
		r.byKey[k] = def
		if def.Kind == KindResource {
			if prev, ok := byURI[def.URI]; ok {
				return nil, fmt.Errorf("duplicate resource uri template %q (defined in %s and %s)",
					def.URI, prev.SourcePath, def.SourcePath)
			}
			byURI[def.URI] = def
			r.resources = append(r.resources, def)
		}
	}
	return r, nil
}

// FromDir loads dir and builds a registry in one step.
func FromDir(dir string) (*Registry, error) {
	defs, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return NewRegistry(defs)
}

// Lookup returns the definition for (kind, name).
func (r *Registry) Lookup(kind Kind, name string) (*Definition, bool) {
	def, ok := r.byKey[key(kind, name)]
	return def, ok
}

// List returns all definitions of the given kind, sorted by name.
func (r *Registry) List(kind Kind) []*Definition {
	var out []*Definition
	for _, def := range r.byKey {
		if def.Kind == kind {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns every definition, sorted by kind then name.
func (r *Registry) All() []*Definition {
	out := make([]*Definition, 0, len(r.byKey))
	for _, def := range r.byKey {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// MatchResource finds the resource whose URI template matches uri and
// returns the template captures.
func (r *Registry) MatchResource(uri string) (*Definition, map[string]string, bool) {
	for _, def := range r.resources {
		if captures, ok := def.MatchURI(uri); ok {
			return def, captures, true
		}
	}
	return nil, nil, false
}

// Len reports the number of registered endpoints.
func (r *Registry) Len() int {
	return len(r.byKey)
}
