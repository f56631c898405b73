package revision

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/schemi-dev/schemi/internal/op"
	"github.com/schemi-dev/schemi/internal/schema"
)

func createUsersOps() []op.Operation {
	return []op.Operation{
		{
			Kind:  op.CreateTable,
			Table: "users",
			TableDef: &schema.Table{
				Name: "users",
				Columns: []schema.Column{
					{Name: "id", Type: schema.LogicalType{Name: schema.TypeInteger}},
				},
				PrimaryKey: []string{"id"},
			},
		},
	}
}

func addAgeOps() []op.Operation {
	return []op.Operation{
		{
			Kind:   op.AddColumn,
			Table:  "users",
			Column: &schema.Column{Name: "age", Type: schema.LogicalType{Name: schema.TypeInteger}, Nullable: true},
		},
	}
}

// fixedClock advances one second per revision so ids stay unique and
// deterministic.
func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestAppendDeterministicIDs(t *testing.T) {
	clock := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	g1 := NewGraphWithClock(func() time.Time { return clock })
	g2 := NewGraphWithClock(func() time.Time { return clock })

	n1, err := g1.Append("", createUsersOps(), "create users")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	n2, err := g2.Append("", createUsersOps(), "different message")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if n1.ID != n2.ID {
		t.Errorf("Expected identical parent and operations to produce identical ids, got %s and %s", n1.ID, n2.ID)
	}
	if !strings.HasPrefix(n1.ID, "20260314092653_") {
		t.Errorf("Expected sortable timestamp prefix, got %s", n1.ID)
	}
}

func TestAppendDerivesInverse(t *testing.T) {
	g := NewGraphWithClock(fixedClock())
	n, err := g.Append("", createUsersOps(), "create users")
	if err != nil {
		t.Fatal(err)
	}
	if len(n.Inverse) != 1 || n.Inverse[0].Kind != op.DropTable {
		t.Errorf("Expected inverse [drop_table], got %+v", n.Inverse)
	}
}

func TestAppendUnknownParent(t *testing.T) {
	g := NewGraphWithClock(fixedClock())
	_, err := g.Append("20990101000000_deadbeef0000", createUsersOps(), "orphan")
	var unknown *UnknownRevisionError
	if !errors.As(err, &unknown) {
		t.Fatalf("Expected UnknownRevisionError, got %v", err)
	}
}

func TestPath(t *testing.T) {
	g := NewGraphWithClock(fixedClock())
	a, _ := g.Append("", createUsersOps(), "create users")
	b, _ := g.Append(a.ID, addAgeOps(), "add age")
	c, _ := g.Append(b.ID, []op.Operation{
		{Kind: op.AddIndex, Table: "users", Index: &schema.Index{Name: "idx_users_age", Columns: []string{"age"}}},
	}, "index age")

	// Path(X, X) is empty.
	hops, err := g.Path(b.ID, b.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(hops) != 0 {
		t.Errorf("Expected empty path, got %d hops", len(hops))
	}

	// Base to head covers everything in parent-to-child order.
	hops, err = g.Path("", c.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(hops) != 3 {
		t.Fatalf("Expected 3 hops, got %d", len(hops))
	}
	for i, want := range []*Node{a, b, c} {
		if hops[i].ID != want.ID {
			t.Errorf("Hop %d: expected %s, got %s", i, want.ID, hops[i].ID)
		}
	}

	// Midpoint to head excludes the starting revision.
	hops, err = g.Path(a.ID, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(hops) != 2 || hops[0].ID != b.ID || hops[1].ID != c.ID {
		t.Errorf("Expected [b c], got %d hops", len(hops))
	}

	// Walking backwards is disconnected, not a reversed path.
	_, err = g.Path(c.ID, a.ID)
	var disc *DisconnectedHistoryError
	if !errors.As(err, &disc) {
		t.Errorf("Expected DisconnectedHistoryError, got %v", err)
	}

	// Unknown endpoints are reported as such.
	_, err = g.Path("20990101000000_deadbeef0000", c.ID)
	var unknown *UnknownRevisionError
	if !errors.As(err, &unknown) {
		t.Errorf("Expected UnknownRevisionError, got %v", err)
	}
}

func TestHeadAndDivergence(t *testing.T) {
	g := NewGraphWithClock(fixedClock())
	a, _ := g.Append("", createUsersOps(), "create users")
	b, _ := g.Append(a.ID, addAgeOps(), "add age")

	head, err := g.Head()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if head != b.ID {
		t.Errorf("Expected head %s, got %s", b.ID, head)
	}

	// A second child of a is allowed but flags the history as divergent.
	c, err := g.Append(a.ID, []op.Operation{
		{Kind: op.DropColumn, Table: "users", Column: &schema.Column{Name: "name"}},
	}, "branch")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err = g.Head()
	var divergent *DivergentHistoryError
	if !errors.As(err, &divergent) {
		t.Fatalf("Expected DivergentHistoryError, got %v", err)
	}
	if divergent.ParentID != a.ID {
		t.Errorf("Expected divergence at %s, got %s", a.ID, divergent.ParentID)
	}

	divs := g.Divergences()
	if len(divs) != 1 || len(divs[0].Children) != 2 {
		t.Fatalf("Expected one divergence with two children, got %+v", divs)
	}

	heads := g.Heads()
	if len(heads) != 2 {
		t.Errorf("Expected two heads, got %v", heads)
	}
	_ = c
}

func TestEmptyGraphHead(t *testing.T) {
	g := NewGraph()
	head, err := g.Head()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if head != "" {
		t.Errorf("Expected empty head for empty graph, got %s", head)
	}
}

func TestAddRejectsConflictingParent(t *testing.T) {
	g := NewGraphWithClock(fixedClock())
	a, _ := g.Append("", createUsersOps(), "create users")

	conflicting := &Node{ID: a.ID, ParentID: "20990101000000_deadbeef0000"}
	if err := g.Add(conflicting); err == nil {
		t.Error("Expected error for conflicting re-add")
	}

	// Re-adding the same node is idempotent.
	if err := g.Add(a); err != nil {
		t.Errorf("Unexpected error on idempotent re-add: %v", err)
	}
}

func TestDigestSensitivity(t *testing.T) {
	opsA := createUsersOps()
	opsB := addAgeOps()

	d1, err := Digest("", opsA)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := Digest("", opsB)
	if err != nil {
		t.Fatal(err)
	}
	if d1 == d2 {
		t.Error("Expected different operations to produce different digests")
	}

	d3, err := Digest("someparent", opsA)
	if err != nil {
		t.Fatal(err)
	}
	if d1 == d3 {
		t.Error("Expected different parents to produce different digests")
	}

	if len(d1) != 12 {
		t.Errorf("Expected 12-character digest, got %d", len(d1))
	}
}
