// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"sync"
)

// Graph owns task definitions and their dependency edges.
//
// Description:
//
//	Dependencies are resolved at validation time, not registration time,
//	so tasks may be registered in any order. Registration order is kept
//	and used as the stable tie-break after priority.
//
// Thread Safety:
//
//	Safe for concurrent use. While sealed by a running pipeline the graph
//	rejects registration with ErrGraphSealed.
type Graph struct {
	mu     sync.RWMutex
	defs   map[string]*TaskDefinition
	order  []string
	sealed int
}

// Handle refers to a registered task.
type Handle struct {
	name  string
	index int
}

// Name returns the task name.
func (h Handle) Name() string { return h.name }

// Index returns the registration position.
func (h Handle) Index() int { return h.index }

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{defs: make(map[string]*TaskDefinition)}
}

// Register adds a task definition.
//
// Description:
//
//	The definition is copied; later changes to def do not affect the
//	graph. Dependency names are not checked here.
//
// Outputs:
//
//	Handle - Refers to the registered task.
//	error - *DuplicateTaskError when the name exists, ErrGraphSealed
//	  during a run, or a field validation error.
func (g *Graph) Register(def *TaskDefinition) (Handle, error) {
	if err := def.Validate(); err != nil {
		return Handle{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed > 0 {
		return Handle{}, fmt.Errorf("register %q: %w", def.Name, ErrGraphSealed)
	}
	if _, exists := g.defs[def.Name]; exists {
		return Handle{}, &DuplicateTaskError{Name: def.Name}
	}

	g.defs[def.Name] = def.Clone()
	g.order = append(g.order, def.Name)
	return Handle{name: def.Name, index: len(g.order) - 1}, nil
}

// Seal blocks registration until a matching Unseal. Seals nest so that
// concurrent runs of one pipeline each hold the graph.
func (g *Graph) Seal() {
	g.mu.Lock()
	g.sealed++
	g.mu.Unlock()
}

// Unseal releases one Seal.
func (g *Graph) Unseal() {
	g.mu.Lock()
	if g.sealed > 0 {
		g.sealed--
	}
	g.mu.Unlock()
}

// Len returns the number of registered tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Names returns task names in registration order.
func (g *Graph) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order)
}

// Definition returns a copy of the named definition.
func (g *Graph) Definition(name string) (*TaskDefinition, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	def, ok := g.defs[name]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

// Definitions returns copies of every definition in registration order.
func (g *Graph) Definitions() []*TaskDefinition {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*TaskDefinition, len(g.order))
	for i, name := range g.order {
		out[i] = g.defs[name].Clone()
	}
	return out
}

// Index returns the registration position of name, or -1.
func (g *Graph) Index(name string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Index(g.order, name)
}

// Dependencies returns the declared dependencies of name.
func (g *Graph) Dependencies(name string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	def, ok := g.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return slices.Clone(def.DependsOn), nil
}

// Dependents returns the tasks that directly depend on name, in
// registration order.
func (g *Graph) Dependents(name string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.defs[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	var out []string
	for _, candidate := range g.order {
		if slices.Contains(g.defs[candidate].DependsOn, name) {
			out = append(out, candidate)
		}
	}
	return out, nil
}

// Validate checks that every dependency is registered and that the
// dependency relation is acyclic.
//
// Outputs:
//
//	error - *UnknownDependencyError for the first missing name in
//	  registration order, *CycleError for the first back edge found, or nil.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

func (g *Graph) validateLocked() error {
	for _, name := range g.order {
		for _, dep := range g.defs[name].DependsOn {
			if _, ok := g.defs[dep]; !ok {
				return &UnknownDependencyError{Task: name, Dependency: dep}
			}
		}
	}
	if path := g.findCycle(); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

const (
	white = iota // unvisited
	gray         // on the DFS stack
	black        // finished
)

// findCycle runs a three-color DFS along dependency edges, starting from
// tasks in registration order. The first edge into a gray task closes the
// cycle, which is read off the current stack.
func (g *Graph) findCycle() []string {
	color := make(map[string]int, len(g.order))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = gray
		stack = append(stack, name)

		for _, dep := range g.defs[name].DependsOn {
			switch color[dep] {
			case gray:
				start := slices.Index(stack, dep)
				path := slices.Clone(stack[start:])
				return append(path, dep)
			case white:
				if path := visit(dep); path != nil {
					return path
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, name := range g.order {
		if color[name] == white {
			if path := visit(name); path != nil {
				return path
			}
		}
	}
	return nil
}

// BatchIterator yields ready sets of a validated graph one at a time.
//
// It is lazy: each batch is computed when requested. It is not
// restartable: once drained, Next reports false forever.
type BatchIterator struct {
	defs       map[string]*TaskDefinition
	index      map[string]int
	remaining  map[string]int
	dependents map[string][]string
	ready      []string
	emitted    int
}

// Batches validates the graph and returns an iterator over its ready sets.
//
// Description:
//
//	Each batch holds every task whose dependencies all appear in earlier
//	batches, ordered by descending priority then registration order.
//	The iterator works on a snapshot taken now.
func (g *Graph) Batches() (*BatchIterator, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if err := g.validateLocked(); err != nil {
		return nil, err
	}

	it := &BatchIterator{
		defs:       make(map[string]*TaskDefinition, len(g.order)),
		index:      make(map[string]int, len(g.order)),
		remaining:  make(map[string]int, len(g.order)),
		dependents: make(map[string][]string, len(g.order)),
	}
	for i, name := range g.order {
		def := g.defs[name]
		it.defs[name] = def
		it.index[name] = i
		deps := uniq(def.DependsOn)
		it.remaining[name] = len(deps)
		for _, dep := range deps {
			it.dependents[dep] = append(it.dependents[dep], name)
		}
		if len(deps) == 0 {
			it.ready = append(it.ready, name)
		}
	}
	return it, nil
}

// Next returns the next batch, or false when the graph is exhausted.
func (it *BatchIterator) Next() ([]string, bool) {
	if len(it.ready) == 0 {
		return nil, false
	}
	batch := it.ready
	it.ready = nil
	SortReady(batch, it.priority, it.position)

	for _, name := range batch {
		for _, dependent := range it.dependents[name] {
			it.remaining[dependent]--
			if it.remaining[dependent] == 0 {
				it.ready = append(it.ready, dependent)
			}
		}
	}
	it.emitted += len(batch)
	return batch, true
}

// All yields the remaining batches.
func (it *BatchIterator) All() iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		for {
			batch, ok := it.Next()
			if !ok || !yield(batch) {
				return
			}
		}
	}
}

// Emitted returns how many tasks have been yielded so far.
func (it *BatchIterator) Emitted() int { return it.emitted }

func (it *BatchIterator) priority(name string) int { return it.defs[name].Priority }
func (it *BatchIterator) position(name string) int { return it.index[name] }

// TopologicalOrder returns all tasks with batches concatenated.
func (g *Graph) TopologicalOrder() ([]string, error) {
	it, err := g.Batches()
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, g.Len())
	for batch := range it.All() {
		order = append(order, batch...)
	}
	return order, nil
}

// SortReady orders names by descending priority then ascending
// registration position.
func SortReady(names []string, priority, position func(string) int) {
	slices.SortStableFunc(names, func(a, b string) int {
		if c := cmp.Compare(priority(b), priority(a)); c != 0 {
			return c
		}
		return cmp.Compare(position(a), position(b))
	})
}

func uniq(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
