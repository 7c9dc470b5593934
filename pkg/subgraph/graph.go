// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package subgraph implements the agent composition runtime: directed
// graphs of nodes over a shared state map, with conditional edges and
// per-step checkpointing, plus the canonical subgraphs built on it
// (assessment, retrieval, analysis, verification, synthesis, fiction
// editing, tool routing).
package subgraph

import (
	"context"
	"fmt"
	"log/slog"
)

// End is the terminal edge target.
const End = "__end__"

// State is the shared dictionary nodes operate on.
type State map[string]any

// Clone returns a shallow copy. Nodes must treat received state as
// read-only and communicate through their returned patch.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s State) merge(patch State) {
	for k, v := range patch {
		s[k] = v
	}
}

// String reads a string key, empty when absent or mistyped.
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Bool reads a bool key.
func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

// Float reads a numeric key.
func (s State) Float(key string) float64 {
	switch v := s[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Strings reads a string-slice key, tolerating []any from JSON.
func (s State) Strings(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// NodeFunc computes a patch from the current state. The patch is merged
// into the state before the next node runs.
type NodeFunc func(ctx context.Context, state State) (State, error)

// Predicate selects the next node from the state after a node ran.
type Predicate func(state State) string

type edge struct {
	target    string
	predicate Predicate
}

// Graph is the builder. Compile validates and freezes it.
type Graph struct {
	name  string
	entry string
	nodes map[string]NodeFunc
	edges map[string]edge
}

func NewGraph(name string) *Graph {
	return &Graph{
		name:  name,
		nodes: make(map[string]NodeFunc),
		edges: make(map[string]edge),
	}
}

// AddNode registers a named node. Re-adding a name overwrites.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	g.nodes[name] = fn
	return g
}

// AddEdge wires an unconditional transition.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = edge{target: to}
	return g
}

// AddConditionalEdge wires a predicate-selected transition. The
// predicate must be pure over the state.
func (g *Graph) AddConditionalEdge(from string, pred Predicate) *Graph {
	g.edges[from] = edge{predicate: pred}
	return g
}

// SetEntry names the first node.
func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

// Compile validates the graph: entry set, every node reachable, every
// unconditional edge targeting a known node, every node having an
// outgoing edge. Compiled graphs are immutable and reusable.
func (g *Graph) Compile() (*Compiled, error) {
	if g.entry == "" {
		return nil, fmt.Errorf("graph %s has no entry node", g.name)
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, fmt.Errorf("graph %s entry %q is not a node", g.name, g.entry)
	}
	for name := range g.nodes {
		if _, ok := g.edges[name]; !ok {
			return nil, fmt.Errorf("graph %s node %q has no outgoing edge", g.name, name)
		}
	}
	for from, e := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("graph %s edge from unknown node %q", g.name, from)
		}
		if e.predicate == nil && e.target != End {
			if _, ok := g.nodes[e.target]; !ok {
				return nil, fmt.Errorf("graph %s edge %q -> %q targets unknown node", g.name, from, e.target)
			}
		}
	}

	reachable := map[string]bool{}
	frontier := []string{g.entry}
	for len(frontier) > 0 {
		name := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if reachable[name] {
			continue
		}
		reachable[name] = true
		e := g.edges[name]
		if e.predicate != nil {
			// Conditional targets are data-dependent; reachability
			// is checked for unconditional edges only.
			for candidate := range g.nodes {
				if !reachable[candidate] {
					frontier = append(frontier, candidate)
				}
			}
			continue
		}
		if e.target != End {
			frontier = append(frontier, e.target)
		}
	}
	for name := range g.nodes {
		if !reachable[name] {
			return nil, fmt.Errorf("graph %s node %q is unreachable", g.name, name)
		}
	}

	return &Compiled{
		name:  g.name,
		entry: g.entry,
		nodes: g.nodes,
		edges: g.edges,
	}, nil
}

// Compiled is an executable graph. Safe for concurrent Invoke.
type Compiled struct {
	name  string
	entry string
	nodes map[string]NodeFunc
	edges map[string]edge

	checkpoints CheckpointStore
	maxSteps    int
}

// WithCheckpoints attaches a checkpoint store. Snapshots are saved
// after every node; Invoke resumes a known thread from its last one.
func (c *Compiled) WithCheckpoints(store CheckpointStore) *Compiled {
	c.checkpoints = store
	return c
}

const defaultMaxSteps = 100

// Invoke runs the graph to End and returns the final state. An empty
// threadID disables checkpointing for the call.
func (c *Compiled) Invoke(ctx context.Context, initial State, threadID string) (State, error) {
	state := State{}
	state.merge(initial)

	current := c.entry
	step := 0

	if threadID != "" && c.checkpoints != nil {
		cp, err := c.checkpoints.Latest(ctx, c.name, threadID)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if cp != nil {
			state = State{}
			state.merge(cp.State)
			current = cp.Next
			step = cp.Step
			slog.Debug("Resuming subgraph from checkpoint",
				"graph", c.name, "thread_id", threadID, "step", step, "node", current)
		}
	}

	maxSteps := c.maxSteps
	if maxSteps == 0 {
		maxSteps = defaultMaxSteps
	}

	for current != End {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		if step >= maxSteps {
			return state, fmt.Errorf("graph %s exceeded %d steps", c.name, maxSteps)
		}

		fn, ok := c.nodes[current]
		if !ok {
			return state, fmt.Errorf("graph %s transitioned to unknown node %q", c.name, current)
		}

		patch, err := fn(ctx, state)
		if err != nil {
			return state, fmt.Errorf("graph %s node %s: %w", c.name, current, err)
		}
		state.merge(patch)
		step++

		e := c.edges[current]
		next := e.target
		if e.predicate != nil {
			next = e.predicate(state)
		}

		if threadID != "" && c.checkpoints != nil {
			if err := c.checkpoints.Save(ctx, &Checkpoint{
				Graph:    c.name,
				ThreadID: threadID,
				Step:     step,
				Next:     next,
				State:    state.Clone(),
			}); err != nil {
				slog.Warn("Failed to save checkpoint",
					"graph", c.name, "thread_id", threadID, "step", step, "error", err)
			}
		}

		current = next
	}

	return state, nil
}
