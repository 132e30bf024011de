package tree

import (
	"context"

	"github.com/google/uuid"

	"flowplane/internal/store"
)

// Node is one element of a read-only tree snapshot.
type Node struct {
	Execution store.Execution
	Children  []*Node
}

// Snapshot returns a read-only copy of the tree for diagnostics. Mutating
// the snapshot has no effect on the working set.
func (t *Tree) Snapshot() *Node {
	return t.snapshotNode(t.root)
}

func (t *Tree) snapshotNode(id uuid.UUID) *Node {
	e, ok := t.nodes[id]
	if !ok {
		return nil
	}
	n := &Node{Execution: *e}
	for _, childID := range t.children[id] {
		if child := t.snapshotNode(childID); child != nil {
			n.Children = append(n.Children, child)
		}
	}
	return n
}

// GetExecutionTree loads a process instance and returns its snapshot.
func GetExecutionTree(ctx context.Context, s store.EntityStore, processInstanceID uuid.UUID) (*Node, error) {
	t, err := Load(ctx, s, processInstanceID)
	if err != nil {
		return nil, err
	}
	return t.Snapshot(), nil
}

// Walk visits every node of the snapshot depth-first.
func (n *Node) Walk(fn func(*Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}
