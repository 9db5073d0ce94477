// SPDX-License-Identifier: MPL-2.0

// Package dag orders package dependency graphs. Nodes are package keys;
// an edge from A to B means A must be ready before B is evaluated.
package dag

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCycle is the sentinel wrapped by CycleError.
var ErrCycle = errors.New("dependency cycle")

type (
	// CycleError reports a cycle. Path starts and ends with the same node.
	CycleError struct {
		Path []string
	}

	// Graph is a directed graph with deterministic iteration order.
	Graph struct {
		// adjacency maps each node to the nodes that depend on it.
		adjacency map[string][]string
		// nodes keeps insertion order.
		nodes   []string
		nodeSet map[string]bool
		edgeSet map[[2]string]bool
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCycle for errors.Is() compatibility.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		adjacency: make(map[string][]string),
		nodeSet:   make(map[string]bool),
		edgeSet:   make(map[[2]string]bool),
	}
}

// AddNode adds a node. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	if g.nodeSet[name] {
		return
	}
	g.nodeSet[name] = true
	g.nodes = append(g.nodes, name)
}

// AddEdge records that from must complete before to. Both nodes are added
// if missing; duplicate edges are ignored.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	key := [2]string{from, to}
	if g.edgeSet[key] {
		return
	}
	g.edgeSet[key] = true
	g.adjacency[from] = append(g.adjacency[from], to)
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// TopologicalSort returns every node with dependencies before dependents
// (Kahn's algorithm). Ties keep insertion order.
func (g *Graph) TopologicalSort() ([]string, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	var order []string
	for _, level := range levels {
		order = append(order, level...)
	}
	return order, nil
}

// Levels groups nodes into waves: every node's dependencies are in earlier
// waves, so the nodes of one wave are independent of each other.
func (g *Graph) Levels() ([][]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	for _, neighbors := range g.adjacency {
		for _, n := range neighbors {
			inDegree[n]++
		}
	}

	var current []string
	for _, node := range g.nodes {
		if inDegree[node] == 0 {
			current = append(current, node)
		}
	}

	var levels [][]string
	seen := 0
	for len(current) > 0 {
		levels = append(levels, current)
		seen += len(current)

		ready := make(map[string]bool)
		for _, node := range current {
			for _, n := range g.adjacency[node] {
				inDegree[n]--
				if inDegree[n] == 0 {
					ready[n] = true
				}
			}
		}
		var next []string
		for _, node := range g.nodes {
			if ready[node] {
				next = append(next, node)
			}
		}
		current = next
	}

	if seen != len(g.nodes) {
		return nil, &CycleError{Path: g.findCycle()}
	}
	return levels, nil
}

// findCycle returns one cycle by depth-first search, or nil.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(string) []string
	visit = func(node string) []string {
		state[node] = onStack
		stack = append(stack, node)
		for _, n := range g.adjacency[node] {
			switch state[n] {
			case onStack:
				for i, s := range stack {
					if s == n {
						return append(append([]string(nil), stack[i:]...), n)
					}
				}
			case unvisited:
				if cycle := visit(n); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		return nil
	}

	for _, node := range g.nodes {
		if state[node] == unvisited {
			if cycle := visit(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
