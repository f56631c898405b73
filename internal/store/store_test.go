package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schemi-dev/schemi/internal/op"
	"github.com/schemi-dev/schemi/internal/revision"
	"github.com/schemi-dev/schemi/internal/schema"
)

func testClock() func() time.Time {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func createUsersOps() []op.Operation {
	return []op.Operation{
		{
			Kind:  op.CreateTable,
			Table: "users",
			TableDef: &schema.Table{
				Name:       "users",
				Columns:    []schema.Column{{Name: "id", Type: schema.LogicalType{Name: schema.TypeInteger}}},
				PrimaryKey: []string{"id"},
			},
		},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New("blog", filepath.Join(t.TempDir(), "migrations"))
	if err := s.Init(false); err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	return s
}

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "migrations")
	s := New("blog", dir)

	if err := s.Init(false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, sub := range []string{"versions", "pointers"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("Expected %s directory: %v", sub, err)
		}
	}

	if err := s.Init(false); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Expected ErrAlreadyInitialized, got %v", err)
	}
	if err := s.Init(true); err != nil {
		t.Errorf("Expected force init to succeed, got %v", err)
	}
}

func TestInitAcceptsExistingEmptyDirectory(t *testing.T) {
	dir := t.TempDir()

	if err := New("blog", dir).Init(false); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, sub := range []string{"versions", "pointers"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("Expected %s directory: %v", sub, err)
		}
	}
}

func TestPersistAndLoadAll(t *testing.T) {
	s := newTestStore(t)

	g := revision.NewGraphWithClock(testClock())
	a, err := g.Append("", createUsersOps(), "create users")
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Append(a.ID, []op.Operation{
		{Kind: op.AddColumn, Table: "users", Column: &schema.Column{Name: "age", Type: schema.LogicalType{Name: schema.TypeInteger}, Nullable: true}},
	}, "add age")
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range []*revision.Node{a, b} {
		if err := s.Persist(n); err != nil {
			t.Fatalf("Failed to persist %s: %v", n.ID, err)
		}
	}

	loaded, err := s.LoadAll()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if loaded.Len() != 2 {
		t.Fatalf("Expected 2 revisions, got %d", loaded.Len())
	}

	node, err := loaded.Node(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if node.ParentID != a.ID {
		t.Errorf("Expected parent %s, got %s", a.ID, node.ParentID)
	}
	if node.Message != "add age" {
		t.Errorf("Expected message preserved, got %q", node.Message)
	}
	if len(node.Operations) != 1 || node.Operations[0].Kind != op.AddColumn {
		t.Errorf("Expected add_column operation, got %+v", node.Operations)
	}
	if len(node.Inverse) != 1 || node.Inverse[0].Kind != op.DropColumn {
		t.Errorf("Expected drop_column inverse, got %+v", node.Inverse)
	}

	head, err := loaded.Head()
	if err != nil {
		t.Fatal(err)
	}
	if head != b.ID {
		t.Errorf("Expected head %s, got %s", b.ID, head)
	}
}

func TestPersistIsImmutable(t *testing.T) {
	s := newTestStore(t)

	g := revision.NewGraphWithClock(testClock())
	n, _ := g.Append("", createUsersOps(), "create users")
	if err := s.Persist(n); err != nil {
		t.Fatal(err)
	}

	// Persisting the same node again is a no-op.
	if err := s.Persist(n); err != nil {
		t.Errorf("Expected idempotent persist, got %v", err)
	}

	// A different node claiming the same id is rejected.
	impostor := *n
	impostor.ParentID = "20990101000000_deadbeef0000"
	if err := s.Persist(&impostor); err == nil {
		t.Error("Expected error persisting conflicting content under an existing id")
	}

	// The message is outside the content hash but still immutable.
	reworded := *n
	reworded.Message = "rewritten after the fact"
	if err := s.Persist(&reworded); err == nil {
		t.Error("Expected error persisting a different message under an existing id")
	}
}

func TestLoadAllDetectsCorruption(t *testing.T) {
	s := newTestStore(t)

	g := revision.NewGraphWithClock(testClock())
	n, _ := g.Append("", createUsersOps(), "create users")
	if err := s.Persist(n); err != nil {
		t.Fatal(err)
	}

	// Tamper with the operation payload: retarget the recorded table. The
	// digest covers parent and operations, so this must be caught.
	path := filepath.Join(s.Dir(), "versions", n.ID+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.ReplaceAll(string(data), "table: users", "table: accounts")
	if tampered == string(data) {
		t.Fatal("Tamper target not found in artifact")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = s.LoadAll()
	var corrupt *CorruptArtifactError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Expected CorruptArtifactError, got %v", err)
	}
	if corrupt.ID != n.ID {
		t.Errorf("Expected corrupt id %s, got %s", n.ID, corrupt.ID)
	}
}

func TestLoadAllDetectsRenamedArtifact(t *testing.T) {
	s := newTestStore(t)

	g := revision.NewGraphWithClock(testClock())
	n, _ := g.Append("", createUsersOps(), "create users")
	if err := s.Persist(n); err != nil {
		t.Fatal(err)
	}

	// A renamed artifact must not masquerade as a different revision.
	versions := filepath.Join(s.Dir(), "versions")
	renamed := filepath.Join(versions, "20990101000000_deadbeef0000.yaml")
	if err := os.Rename(filepath.Join(versions, n.ID+".yaml"), renamed); err != nil {
		t.Fatal(err)
	}

	_, err := s.LoadAll()
	var corrupt *CorruptArtifactError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Expected CorruptArtifactError, got %v", err)
	}
}

func TestLoadAllEmptyStore(t *testing.T) {
	s := New("blog", filepath.Join(t.TempDir(), "never-initialized"))
	g, err := s.LoadAll()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if g.Len() != 0 {
		t.Errorf("Expected empty graph, got %d revisions", g.Len())
	}
}

func TestPointers(t *testing.T) {
	s := newTestStore(t)

	// Absent pointer reads as base state.
	ptr, err := s.Pointer("dev")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ptr != "" {
		t.Errorf("Expected empty pointer, got %q", ptr)
	}

	if err := s.SetPointer("dev", "20260501120001_aabbccddeeff"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	ptr, err = s.Pointer("dev")
	if err != nil {
		t.Fatal(err)
	}
	if ptr != "20260501120001_aabbccddeeff" {
		t.Errorf("Expected pointer round trip, got %q", ptr)
	}

	// Environments are independent.
	ptr, err = s.Pointer("prod")
	if err != nil {
		t.Fatal(err)
	}
	if ptr != "" {
		t.Errorf("Expected prod pointer untouched, got %q", ptr)
	}

	// Empty revision records the base state.
	if err := s.SetPointer("dev", ""); err != nil {
		t.Fatal(err)
	}
	ptr, _ = s.Pointer("dev")
	if ptr != "" {
		t.Errorf("Expected base pointer after reset, got %q", ptr)
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetPointer("dev", "20260501120001_aabbccddeeff"); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "pointers"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("Found leftover temp file %s", e.Name())
		}
	}
}
