// Package graph builds small dataflow graphs of elementwise tensor operations
// and executes them on an mps.Session.
//
// A Graph owns its nodes. A Node is an index into its graph and is valid
// only with that graph, until the node or the graph is released.
package graph

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Kind is the operation a node performs.
type Kind int

const (
	KindPlaceholder Kind = iota
	KindAdd
	KindMultiply
)

func (k Kind) String() string {
	switch k {
	case KindPlaceholder:
		return "placeholder"
	case KindAdd:
		return "add"
	case KindMultiply:
		return "multiply"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Node refers to a tensor in a Graph. The zero Node is invalid.
type Node struct {
	graph uuid.UUID
	index int
}

// IsZero reports whether n is the zero Node.
func (n Node) IsZero() bool {
	return n.graph == uuid.Nil
}

func (n Node) String() string {
	if n.IsZero() {
		return "node:<nil>"
	}
	return fmt.Sprintf("node:%d", n.index)
}

type node struct {
	kind     Kind
	shape    Shape
	operands []int
	released bool
}

// Graph is a DAG of tensor nodes. Nodes only refer to earlier nodes, so
// graphs are acyclic by construction. Safe for concurrent use.
type Graph struct {
	id uuid.UUID

	mu       sync.RWMutex
	released bool
	nodes    []node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{id: uuid.New()}
}

// ID identifies the graph in logs.
func (g *Graph) ID() uuid.UUID {
	return g.id
}

// Placeholder adds an input node that must be fed when the graph runs.
func (g *Graph) Placeholder(shape Shape) (Node, error) {
	if err := shape.Validate(); err != nil {
		return Node{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return Node{}, errors.Wrapf(ErrUseAfterRelease, "graph %s", g.id)
	}
	return g.appendLocked(node{kind: KindPlaceholder, shape: shape.Clone()}), nil
}

// Add adds a node computing a + b elementwise.
func (g *Graph) Add(a, b Node) (Node, error) {
	return g.binary(KindAdd, a, b)
}

// Multiply adds a node computing a * b elementwise.
func (g *Graph) Multiply(a, b Node) (Node, error) {
	return g.binary(KindMultiply, a, b)
}

func (g *Graph) binary(kind Kind, a, b Node) (Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	left, err := g.lookupLocked(a)
	if err != nil {
		return Node{}, err
	}
	right, err := g.lookupLocked(b)
	if err != nil {
		return Node{}, err
	}
	if !left.shape.Equal(right.shape) {
		return Node{}, errors.Wrapf(ErrShapeMismatch, "%s of %s and %s", kind, left.shape, right.shape)
	}
	return g.appendLocked(node{
		kind:     kind,
		shape:    left.shape,
		operands: []int{a.index, b.index},
	}), nil
}

// Release invalidates the graph and all of its nodes.
func (g *Graph) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return errors.Wrapf(ErrUseAfterRelease, "graph %s", g.id)
	}
	g.released = true
	g.nodes = nil
	return nil
}

// ReleaseNode invalidates the handle n. Nodes built on n keep computing it,
// but n itself can no longer be used as an operand, feed, output or
// gradient target. A released placeholder makes every node that depends on
// it unrunnable.
func (g *Graph) ReleaseNode(n Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	nd, err := g.lookupLocked(n)
	if err != nil {
		return err
	}
	nd.released = true
	return nil
}

// Len is the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Shape returns the shape of n.
func (g *Graph) Shape(n Node) (Shape, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nd, err := g.lookupLocked(n)
	if err != nil {
		return nil, err
	}
	return nd.shape.Clone(), nil
}

// Kind returns the operation of n.
func (g *Graph) Kind(n Node) (Kind, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nd, err := g.lookupLocked(n)
	if err != nil {
		return 0, err
	}
	return nd.kind, nil
}

// Operands returns the inputs of n. Placeholders have none.
func (g *Graph) Operands(n Node) ([]Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nd, err := g.lookupLocked(n)
	if err != nil {
		return nil, err
	}
	out := make([]Node, len(nd.operands))
	for i, idx := range nd.operands {
		out[i] = Node{graph: g.id, index: idx}
	}
	return out, nil
}

func (g *Graph) appendLocked(nd node) Node {
	g.nodes = append(g.nodes, nd)
	return Node{graph: g.id, index: len(g.nodes) - 1}
}

func (g *Graph) lookupLocked(n Node) (*node, error) {
	if g.released {
		return nil, errors.Wrapf(ErrUseAfterRelease, "graph %s", g.id)
	}
	if n.IsZero() {
		return nil, errors.Wrap(ErrInvalidNode, "zero node")
	}
	if n.graph != g.id {
		return nil, errors.Wrapf(ErrInvalidNode, "%s belongs to graph %s, not %s", n, n.graph, g.id)
	}
	if n.index < 0 || n.index >= len(g.nodes) {
		return nil, errors.Wrapf(ErrInternal, "%s out of range", n)
	}
	if g.nodes[n.index].released {
		return nil, errors.Wrapf(ErrUseAfterRelease, "%s", n)
	}
	return &g.nodes[n.index], nil
}
