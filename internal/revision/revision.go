// Package revision models migration history as a graph of immutable nodes,
// each carrying a forward operation list, its derived inverse, and a link to
// its parent.
package revision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/schemi-dev/schemi/internal/op"
)

// Node is a single revision. Nodes are immutable once persisted; corrections
// are new revisions, never edits.
type Node struct {
	ID         string
	ParentID   string // empty only for the root
	Message    string
	CreatedAt  time.Time
	Operations []op.Operation
	Inverse    []op.Operation
}

// UnknownRevisionError reports a revision id absent from the graph.
type UnknownRevisionError struct {
	ID string
}

func (e *UnknownRevisionError) Error() string {
	return fmt.Sprintf("unknown revision: %s", e.ID)
}

// DisconnectedHistoryError reports that no parent chain connects two
// revisions, typically because history has diverged into branches.
type DisconnectedHistoryError struct {
	From, To string
}

func (e *DisconnectedHistoryError) Error() string {
	return fmt.Sprintf("no parent chain connects revision %s to %s", from(e.From), e.To)
}

func from(id string) string {
	if id == "" {
		return "(base)"
	}
	return id
}

// DivergentHistoryError reports that more than one revision claims the same
// parent. Divergence is reported, never silently resolved.
type DivergentHistoryError struct {
	ParentID string
	Children []string
}

func (e *DivergentHistoryError) Error() string {
	return fmt.Sprintf("divergent history: revision %s has %d children %v", from(e.ParentID), len(e.Children), e.Children)
}

// Digest computes the content hash component of a revision id from the
// parent id and the canonical serialization of the forward operations.
// Identical inputs always produce identical digests.
func Digest(parentID string, ops []op.Operation) (string, error) {
	canonical, err := op.Canonical(ops)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(parentID))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))[:12], nil
}

// idTimeFormat is the sortable timestamp prefix of revision ids.
const idTimeFormat = "20060102150405"

// MakeID builds a revision id: a sortable timestamp prefix joined with the
// content digest.
func MakeID(t time.Time, digest string) string {
	return t.UTC().Format(idTimeFormat) + "_" + digest
}

// Graph is a directed acyclic set of revisions keyed by id, with adjacency
// by parent id. Branching is representable; callers decide what to do about
// it.
type Graph struct {
	nodes    map[string]*Node
	children map[string][]string
	clock    func() time.Time
}

// NewGraph returns an empty graph using wall-clock time for new revisions.
func NewGraph() *Graph {
	return NewGraphWithClock(time.Now)
}

// NewGraphWithClock returns an empty graph with an injectable clock, for
// deterministic revision ids in tests.
func NewGraphWithClock(clock func() time.Time) *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		children: make(map[string][]string),
		clock:    clock,
	}
}

// Len returns the number of revisions in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the revision with the given id.
func (g *Graph) Node(id string) (*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, &UnknownRevisionError{ID: id}
	}
	return n, nil
}

// Add inserts an existing node, used when loading persisted history. The
// node's id must match its content digest.
func (g *Graph) Add(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("revision with empty id")
	}
	if existing, ok := g.nodes[n.ID]; ok {
		if existing.ParentID != n.ParentID {
			return fmt.Errorf("revision %s already present with different parent", n.ID)
		}
		return nil
	}
	g.nodes[n.ID] = n
	g.children[n.ParentID] = append(g.children[n.ParentID], n.ID)
	sort.Strings(g.children[n.ParentID])
	return nil
}

// Append creates a new revision from the given parent, deriving the inverse
// operation list and the content-hashed id. An empty parent id starts a new
// root. Appending a second child to a parent is allowed; the branch surfaces
// through Heads and Head.
func (g *Graph) Append(parentID string, ops []op.Operation, message string) (*Node, error) {
	if parentID != "" {
		if _, ok := g.nodes[parentID]; !ok {
			return nil, &UnknownRevisionError{ID: parentID}
		}
	}
	digest, err := Digest(parentID, ops)
	if err != nil {
		return nil, err
	}
	inverse, err := op.InverseList(ops)
	if err != nil {
		return nil, err
	}
	now := g.clock().UTC().Truncate(time.Second)
	n := &Node{
		ID:         MakeID(now, digest),
		ParentID:   parentID,
		Message:    message,
		CreatedAt:  now,
		Operations: ops,
		Inverse:    inverse,
	}
	if existing, ok := g.nodes[n.ID]; ok {
		// Same parent and operations hashed at the same instant.
		return existing, nil
	}
	if err := g.Add(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Children returns the ids of the revisions whose parent is id, sorted.
func (g *Graph) Children(id string) []string {
	return append([]string(nil), g.children[id]...)
}

// Heads returns the ids of all revisions without children, sorted. A linear
// history has exactly one head.
func (g *Graph) Heads() []string {
	var heads []string
	for id := range g.nodes {
		if len(g.children[id]) == 0 {
			heads = append(heads, id)
		}
	}
	sort.Strings(heads)
	return heads
}

// Head returns the single head of a linear history. It fails with
// DivergentHistoryError when a revision has multiple children.
func (g *Graph) Head() (string, error) {
	if len(g.nodes) == 0 {
		return "", nil
	}
	for id, kids := range g.children {
		if len(kids) > 1 {
			return "", &DivergentHistoryError{ParentID: id, Children: append([]string(nil), kids...)}
		}
	}
	heads := g.Heads()
	if len(heads) != 1 {
		// Multiple roots with no shared ancestry.
		return "", &DisconnectedHistoryError{From: heads[0], To: heads[len(heads)-1]}
	}
	return heads[0], nil
}

// Path walks parent pointers from toID back to fromID and returns the hops
// in parent-to-child order, excluding fromID itself. An empty fromID means
// the unmigrated base state. Path(X, X) is empty. It fails with
// UnknownRevisionError if either endpoint is absent and with
// DisconnectedHistoryError if toID does not descend from fromID.
func (g *Graph) Path(fromID, toID string) ([]*Node, error) {
	if fromID == toID {
		return nil, nil
	}
	if fromID != "" {
		if _, ok := g.nodes[fromID]; !ok {
			return nil, &UnknownRevisionError{ID: fromID}
		}
	}
	if toID == "" {
		// Walking to the base state is a revert, which callers express as
		// Path(base, from) applied in reverse.
		return nil, &DisconnectedHistoryError{From: fromID, To: toID}
	}
	if _, ok := g.nodes[toID]; !ok {
		return nil, &UnknownRevisionError{ID: toID}
	}

	var hops []*Node
	cursor := toID
	for cursor != fromID {
		if cursor == "" {
			return nil, &DisconnectedHistoryError{From: fromID, To: toID}
		}
		n := g.nodes[cursor]
		if n == nil {
			return nil, &DisconnectedHistoryError{From: fromID, To: toID}
		}
		hops = append(hops, n)
		cursor = n.ParentID
	}

	// Reverse into parent-to-child order.
	for i, j := 0, len(hops)-1; i < j; i, j = i+1, j-1 {
		hops[i], hops[j] = hops[j], hops[i]
	}
	return hops, nil
}

// Divergences lists every parent with more than one child.
func (g *Graph) Divergences() []DivergentHistoryError {
	var out []DivergentHistoryError
	var parents []string
	for id, kids := range g.children {
		if len(kids) > 1 {
			parents = append(parents, id)
		}
	}
	sort.Strings(parents)
	for _, id := range parents {
		out = append(out, DivergentHistoryError{ParentID: id, Children: append([]string(nil), g.children[id]...)})
	}
	return out
}
