// Package graph turns query bodies into trees of nodes and computes the reducers
// of resolved results.
package graph

import (
	"strings"

	"github.com/openfga/grapher/pkg/body"
	"github.com/openfga/grapher/pkg/schema"
	"github.com/openfga/grapher/pkg/storage"
)

// Node is one level of a query: a collection reached from its parent through a link.
// Nodes are built per request and not modified once Build returns.
type Node struct {
	Collection string

	// LinkName and Linker are empty at the root.
	LinkName string
	Linker   *schema.Linker

	Parent *Node
	Depth  int

	Filters storage.Filter

	// Options.Fields is nil when whole documents are requested. Limit and Skip apply
	// per parent document below the root.
	Options storage.FindOptions

	// Meta filters relations of a metadata link.
	Meta map[string]any

	// Children in declaration order.
	Children []*Node

	// Reducers to compute on each document, dependencies first.
	Reducers []*schema.Reducer

	// Requested is the body the caller asked for, before reducer dependencies were
	// merged. A nil body keeps whole documents.
	Requested *body.Body

	// Denormalized is set when the node is served from the cached copy held by the
	// parent documents instead of being fetched.
	Denormalized bool
}

// IsRoot reports whether n is the root of its tree.
func (n *Node) IsRoot() bool {
	return n.Parent == nil
}

// Path returns the dotted link path from the root, e.g. "posts.author.groups".
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.LinkName == "" {
			parts = append(parts, cur.Collection)
			continue
		}
		parts = append(parts, cur.LinkName)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// Child returns the child reached through link name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.LinkName == name {
			return c
		}
	}
	return nil
}

// Levels returns the nodes of the tree grouped by depth.
func (n *Node) Levels() [][]*Node {
	var levels [][]*Node
	current := []*Node{n}
	for len(current) > 0 {
		levels = append(levels, current)
		var next []*Node
		for _, node := range current {
			next = append(next, node.Children...)
		}
		current = next
	}
	return levels
}

// Walk calls fn on every node of the tree, parents before children.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}
