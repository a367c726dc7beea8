package testtree

import (
	"github.com/ethpandaops/ercxoor/pkg/ercx"
	"github.com/ethpandaops/ercxoor/pkg/solidity"
)

// Tier is the position of a node in a test tree.
type Tier int

const (
	TierRoot Tier = iota + 1
	TierLevel
	TierIndividual
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierRoot:
		return "root"
	case TierLevel:
		return "level"
	case TierIndividual:
		return "individual"
	}

	return "unknown"
}

// Metadata describes how a node maps onto a remote report request.
type Metadata struct {
	ContractName string        `json:"contractName"`
	Tier         Tier          `json:"tier"`
	Standard     ercx.Standard `json:"standard"`
}

// Node is a test item. Nodes are plain data: run-related state lives in the
// controller's metadata table.
type Node struct {
	ID    string
	Label string
	URI   string
	Range solidity.Range

	parent   *Node
	children []*Node
	byID     map[string]*Node
}

// NewNode creates a detached node.
func NewNode(id, label, uri string, rng solidity.Range) *Node {
	return &Node{
		ID:    id,
		Label: label,
		URI:   uri,
		Range: rng,
	}
}

// Parent returns the parent node, or nil for roots.
func (n *Node) Parent() *Node {
	return n.parent
}

// Children returns the children in insertion order.
func (n *Node) Children() []*Node {
	return n.children
}

// Child returns the child with the given id.
func (n *Node) Child(id string) (*Node, bool) {
	c, ok := n.byID[id]

	return c, ok
}

// AddChild attaches child unless a child with the same id exists, in which
// case the existing child is returned.
func (n *Node) AddChild(child *Node) *Node {
	if existing, ok := n.byID[child.ID]; ok {
		return existing
	}

	if n.byID == nil {
		n.byID = make(map[string]*Node, 8)
	}

	child.parent = n
	n.byID[child.ID] = child
	n.children = append(n.children, child)

	return child
}

// IsLeaf reports whether n has no children.
func (n *Node) IsLeaf() bool {
	return len(n.children) == 0
}

// Walk visits n and its descendants in pre-order.
func Walk(n *Node, fn func(*Node)) {
	if n == nil {
		return
	}

	fn(n)

	for _, c := range n.children {
		Walk(c, fn)
	}
}

// Leaves returns the leaf descendants of n, including n itself when it has
// no children.
func Leaves(n *Node) []*Node {
	var leaves []*Node

	Walk(n, func(c *Node) {
		if c.IsLeaf() {
			leaves = append(leaves, c)
		}
	})

	return leaves
}
