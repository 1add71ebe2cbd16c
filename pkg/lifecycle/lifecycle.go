// Package lifecycle declares the state graphs for batches and requests
// and provides guarded transition checks over them. Every persisted
// state change must correspond to a declared edge; states with no
// outgoing edges are terminal and final.
package lifecycle

import (
	"fmt"
)

type State string

type EntityKind string

const (
	EntityBatch   EntityKind = "batch"
	EntityRequest EntityKind = "request"
)

// NoMatchingTransitionError is returned when a transition is attempted
// along an undeclared edge. Callers treat it as a programming error.
type NoMatchingTransitionError struct {
	Kind EntityKind
	From State
	To   State
}

func (e *NoMatchingTransitionError) Error() string {
	return fmt.Sprintf("no matching %s transition: %s -> %s", e.Kind, e.From, e.To)
}

// Graph is a declared set of directed edges between states.
type Graph struct {
	kind  EntityKind
	edges map[State][]State
}

func newGraph(kind EntityKind, edges map[State][]State) *Graph {
	return &Graph{kind: kind, edges: edges}
}

func (g *Graph) Kind() EntityKind { return g.kind }

// Check returns nil when from -> to is a declared edge.
func (g *Graph) Check(from, to State) error {
	for _, s := range g.edges[from] {
		if s == to {
			return nil
		}
	}
	return &NoMatchingTransitionError{Kind: g.kind, From: from, To: to}
}

// Terminal reports whether s has no outgoing edges.
func (g *Graph) Terminal(s State) bool {
	return len(g.edges[s]) == 0
}

// States returns every state that appears in the graph.
func (g *Graph) States() []State {
	seen := map[State]bool{}
	out := []State{}
	for from, tos := range g.edges {
		if !seen[from] {
			seen[from] = true
			out = append(out, from)
		}
		for _, to := range tos {
			if !seen[to] {
				seen[to] = true
				out = append(out, to)
			}
		}
	}
	return out
}

// Edges returns a copy of the declared adjacency.
func (g *Graph) Edges() map[State][]State {
	out := make(map[State][]State, len(g.edges))
	for from, tos := range g.edges {
		out[from] = append([]State(nil), tos...)
	}
	return out
}
