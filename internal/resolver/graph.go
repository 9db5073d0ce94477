// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"github.com/an-anime-team/wineyard/internal/dag"
	"github.com/an-anime-team/wineyard/pkg/format"
	"github.com/an-anime-team/wineyard/pkg/manifest"
)

type (
	// Binding is a declared resource with its location and format resolved
	// against the manifest that declares it.
	Binding struct {
		Name manifest.ResourceName
		Ref  manifest.ResourceRef
		// URI is the resolved location without fragment.
		URI    string
		Format format.Tag
		// Package is set for package inputs once the dependency is resolved.
		Package *Dependency
	}

	// Dependency links a package input to the package providing it.
	Dependency struct {
		// Key is the dependency's node key.
		Key string
		// Output is the imported output. Empty imports every output.
		Output manifest.ResourceName
	}

	// Node is one package of the graph.
	Node struct {
		// Key identifies the node: the manifest content address, qualified by
		// its location when the manifest uses relative references.
		Key string
		// URI is the location the manifest was loaded from.
		URI      string
		Address  manifest.HashValue
		Manifest *manifest.Manifest
		ID       PackageID
		Inputs   []Binding
		Outputs  []Binding

		// parent is the key of the node that first reached this one.
		parent string
	}

	// Graph is a resolved, acyclic package graph. It is never returned
	// partially built.
	Graph struct {
		root   string
		nodes  map[string]*Node
		order  []string
		levels [][]string
		dag    *dag.Graph
	}
)

func newGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		dag:   dag.New(),
	}
}

// Root returns the root package.
func (g *Graph) Root() *Node {
	return g.nodes[g.root]
}

// Node returns the node with the given key.
func (g *Graph) Node(key string) (*Node, bool) {
	n, ok := g.nodes[key]
	return n, ok
}

// Len returns the number of packages.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Nodes returns every package, dependencies before dependents.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, len(g.order))
	for i, key := range g.order {
		nodes[i] = g.nodes[key]
	}
	return nodes
}

// Levels returns the packages grouped into evaluation waves. Packages of
// one wave do not depend on each other; each wave depends only on earlier
// ones. The root is in the last wave.
func (g *Graph) Levels() [][]*Node {
	levels := make([][]*Node, len(g.levels))
	for i, level := range g.levels {
		levels[i] = make([]*Node, len(level))
		for j, key := range level {
			levels[i][j] = g.nodes[key]
		}
	}
	return levels
}

// Dependents returns the packages with an input bound to key.
func (g *Graph) Dependents(key string) []*Node {
	var out []*Node
	for _, k := range g.order {
		for _, in := range g.nodes[k].Inputs {
			if in.Package != nil && in.Package.Key == key {
				out = append(out, g.nodes[k])
				break
			}
		}
	}
	return out
}

// Path returns the locations leading from the root to key.
func (g *Graph) Path(key string) []string {
	var path []string
	seen := make(map[string]bool)
	for k := key; k != "" && !seen[k]; k = g.nodes[k].parent {
		seen[k] = true
		path = append([]string{g.nodes[k].URI}, path...)
	}
	return path
}

// Edges returns the dependency edges as (dependency, dependent) key pairs.
func (g *Graph) Edges() [][2]string {
	var edges [][2]string
	for _, k := range g.order {
		for _, in := range g.nodes[k].Inputs {
			if in.Package != nil {
				edges = append(edges, [2]string{in.Package.Key, k})
			}
		}
	}
	return edges
}
