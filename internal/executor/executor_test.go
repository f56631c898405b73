package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/schemi-dev/schemi/internal/db"
	"github.com/schemi-dev/schemi/internal/op"
	"github.com/schemi-dev/schemi/internal/revision"
	"github.com/schemi-dev/schemi/internal/schema"
	"github.com/schemi-dev/schemi/internal/store"
)

// fakeConn records executed statements and fails any statement containing
// failOn. Transactions buffer statements until commit.
type fakeConn struct {
	executed []string
	failOn   string
}

func (c *fakeConn) Exec(ctx context.Context, sql string) error {
	if c.failOn != "" && strings.Contains(sql, c.failOn) {
		return fmt.Errorf("statement rejected")
	}
	c.executed = append(c.executed, sql)
	return nil
}

func (c *fakeConn) Begin(ctx context.Context) (db.Tx, error) {
	return &fakeTx{conn: c}, nil
}

func (c *fakeConn) Close(ctx context.Context) error { return nil }

type fakeTx struct {
	conn    *fakeConn
	pending []string
}

func (t *fakeTx) Exec(ctx context.Context, sql string) error {
	if t.conn.failOn != "" && strings.Contains(sql, t.conn.failOn) {
		return fmt.Errorf("statement rejected")
	}
	t.pending = append(t.pending, sql)
	return nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.conn.executed = append(t.conn.executed, t.pending...)
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.pending = nil
	return nil
}

// fakeDialect renders each operation as its string form, one statement per
// operation.
type fakeDialect struct {
	transactional bool
}

func (d *fakeDialect) Name() string { return "fake" }

func (d *fakeDialect) Capabilities() db.Capabilities {
	return db.Capabilities{TransactionalDDL: d.transactional}
}

func (d *fakeDialect) RenderOperation(o op.Operation) ([]string, error) {
	return []string{o.String()}, nil
}

type fakeLocker struct {
	acquired int
	released int
	err      error
}

func (l *fakeLocker) Acquire(ctx context.Context, project, env string, timeout time.Duration) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired++
	return func(context.Context) error {
		l.released++
		return nil
	}, nil
}

func testClock() func() time.Time {
	base := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	n := 0
	return func() time.Time {
		t := base.Add(time.Duration(n) * time.Second)
		n++
		return t
	}
}

func createTableOps(table string) []op.Operation {
	return []op.Operation{{
		Kind:  op.CreateTable,
		Table: table,
		TableDef: &schema.Table{
			Name:       table,
			Columns:    []schema.Column{{Name: "id", Type: schema.LogicalType{Name: schema.TypeInteger}}},
			PrimaryKey: []string{"id"},
		},
	}}
}

func addColumnOps(table string) []op.Operation {
	return []op.Operation{
		{
			Kind:   op.AddColumn,
			Table:  table,
			Column: &schema.Column{Name: "email", Type: schema.LogicalType{Name: schema.TypeText}, Nullable: true},
		},
		{
			Kind:   op.AddColumn,
			Table:  table,
			Column: &schema.Column{Name: "name", Type: schema.LogicalType{Name: schema.TypeText}, Nullable: true},
		},
	}
}

// testEnv wires an executor against fakes plus a real store and graph.
type testEnv struct {
	exec   *Executor
	conn   *fakeConn
	locker *fakeLocker
	store  *store.Store
	graph  *revision.Graph
	first  *revision.Node
	second *revision.Node
}

func newTestEnv(t *testing.T, transactional bool) *testEnv {
	t.Helper()

	st := store.New("blog", t.TempDir())
	if err := st.Init(false); err != nil {
		t.Fatal(err)
	}

	graph := revision.NewGraphWithClock(testClock())
	first, err := graph.Append("", createTableOps("users"), "create users")
	if err != nil {
		t.Fatal(err)
	}
	second, err := graph.Append(first.ID, addColumnOps("users"), "add contact columns")
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []*revision.Node{first, second} {
		if err := st.Persist(n); err != nil {
			t.Fatal(err)
		}
	}

	conn := &fakeConn{}
	locker := &fakeLocker{}
	database := &db.Database{
		Conn:    conn,
		Dialect: &fakeDialect{transactional: transactional},
		Locker:  locker,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &testEnv{
		exec:   New(database, st, graph, "blog", "dev", logger),
		conn:   conn,
		locker: locker,
		store:  st,
		graph:  graph,
		first:  first,
		second: second,
	}
}

func TestApplyForwardAdvancesPointer(t *testing.T) {
	env := newTestEnv(t, true)

	result, err := env.exec.Apply(context.Background(), env.second.ID, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if result.From != "" || result.To != env.second.ID {
		t.Errorf("Expected base -> %s, got %q -> %q", env.second.ID, result.From, result.To)
	}
	if len(result.Applied) != 2 || result.Applied[0] != env.first.ID || result.Applied[1] != env.second.ID {
		t.Errorf("Expected both revisions applied oldest-first, got %v", result.Applied)
	}
	if result.Reverted {
		t.Error("Expected forward apply, got revert")
	}

	want := []string{"create_table users", "add_column users.email", "add_column users.name"}
	if len(env.conn.executed) != len(want) {
		t.Fatalf("Expected %d statements, got %v", len(want), env.conn.executed)
	}
	for i, sql := range want {
		if env.conn.executed[i] != sql {
			t.Errorf("Statement %d: expected %q, got %q", i, sql, env.conn.executed[i])
		}
	}

	pointer, err := env.store.Pointer("dev")
	if err != nil {
		t.Fatal(err)
	}
	if pointer != env.second.ID {
		t.Errorf("Expected pointer at %s, got %s", env.second.ID, pointer)
	}
	if env.locker.acquired != 1 || env.locker.released != 1 {
		t.Errorf("Expected lock acquired and released once, got %d/%d", env.locker.acquired, env.locker.released)
	}
}

func TestApplyAlreadyAtTargetIsNoOp(t *testing.T) {
	env := newTestEnv(t, true)
	if err := env.store.SetPointer("dev", env.second.ID); err != nil {
		t.Fatal(err)
	}

	result, err := env.exec.Apply(context.Background(), env.second.ID, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.NoOp() {
		t.Error("Expected no-op result")
	}
	if len(env.conn.executed) != 0 {
		t.Errorf("Expected no statements, got %v", env.conn.executed)
	}
	if env.locker.acquired != 0 {
		t.Error("Expected no lock for a no-op")
	}
}

func TestDryRunRendersWithoutExecuting(t *testing.T) {
	env := newTestEnv(t, true)

	result, err := env.exec.Apply(context.Background(), env.second.ID, true)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !result.DryRun {
		t.Error("Expected dry run result")
	}
	if len(result.Statements) != 3 {
		t.Fatalf("Expected 3 rendered statements, got %d", len(result.Statements))
	}
	if result.Statements[0].RevisionID != env.first.ID || result.Statements[0].SQL != "create_table users" {
		t.Errorf("Unexpected first statement: %+v", result.Statements[0])
	}
	if result.Statements[2].RevisionID != env.second.ID {
		t.Errorf("Expected later statements attributed to %s, got %s", env.second.ID, result.Statements[2].RevisionID)
	}
	if result.To != env.second.ID {
		t.Errorf("Expected reported target %s, got %s", env.second.ID, result.To)
	}

	if len(env.conn.executed) != 0 {
		t.Errorf("Expected no statements executed, got %v", env.conn.executed)
	}
	if env.locker.acquired != 0 {
		t.Error("Expected no lock taken on dry run")
	}
	pointer, err := env.store.Pointer("dev")
	if err != nil {
		t.Fatal(err)
	}
	if pointer != "" {
		t.Errorf("Expected pointer untouched, got %s", pointer)
	}
}

func TestApplyFailureRollsBackHop(t *testing.T) {
	env := newTestEnv(t, true)
	env.conn.failOn = "users.name"

	_, err := env.exec.Apply(context.Background(), env.second.ID, false)

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected ExecutionError, got %v", err)
	}
	if execErr.RevisionID != env.second.ID {
		t.Errorf("Expected failure in %s, got %s", env.second.ID, execErr.RevisionID)
	}
	if execErr.OpIndex != 1 {
		t.Errorf("Expected failure at operation 1, got %d", execErr.OpIndex)
	}
	if execErr.SQL != "add_column users.name" {
		t.Errorf("Expected failing SQL recorded, got %q", execErr.SQL)
	}

	// First hop committed, second rolled back without a trace.
	if len(env.conn.executed) != 1 || env.conn.executed[0] != "create_table users" {
		t.Errorf("Expected only the first revision committed, got %v", env.conn.executed)
	}
	pointer, perr := env.store.Pointer("dev")
	if perr != nil {
		t.Fatal(perr)
	}
	if pointer != env.first.ID {
		t.Errorf("Expected pointer at %s after partial apply, got %s", env.first.ID, pointer)
	}
}

func TestRevertAppliesInversesNewestFirst(t *testing.T) {
	env := newTestEnv(t, true)
	if err := env.store.SetPointer("dev", env.second.ID); err != nil {
		t.Fatal(err)
	}

	result, err := env.exec.Apply(context.Background(), env.first.ID, false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !result.Reverted {
		t.Error("Expected revert")
	}
	if result.To != env.first.ID {
		t.Errorf("Expected pointer at %s, got %s", env.first.ID, result.To)
	}

	// Inverse of [add email, add name] drops in reverse declaration order.
	want := []string{"drop_column users.name", "drop_column users.email"}
	if len(env.conn.executed) != len(want) {
		t.Fatalf("Expected %d statements, got %v", len(want), env.conn.executed)
	}
	for i, sql := range want {
		if env.conn.executed[i] != sql {
			t.Errorf("Statement %d: expected %q, got %q", i, sql, env.conn.executed[i])
		}
	}

	pointer, err := env.store.Pointer("dev")
	if err != nil {
		t.Fatal(err)
	}
	if pointer != env.first.ID {
		t.Errorf("Expected pointer at %s, got %s", env.first.ID, pointer)
	}
}

func TestRevertToBase(t *testing.T) {
	env := newTestEnv(t, true)
	if err := env.store.SetPointer("dev", env.second.ID); err != nil {
		t.Fatal(err)
	}

	result, err := env.exec.Apply(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.To != "" {
		t.Errorf("Expected base pointer, got %s", result.To)
	}
	last := env.conn.executed[len(env.conn.executed)-1]
	if last != "drop_table users" {
		t.Errorf("Expected final statement to drop the table, got %q", last)
	}
	pointer, err := env.store.Pointer("dev")
	if err != nil {
		t.Fatal(err)
	}
	if pointer != "" {
		t.Errorf("Expected empty pointer, got %s", pointer)
	}
}

func TestNonTransactionalFailureCompensates(t *testing.T) {
	env := newTestEnv(t, false)
	if err := env.store.SetPointer("dev", env.first.ID); err != nil {
		t.Fatal(err)
	}
	env.conn.failOn = "users.name"

	_, err := env.exec.Apply(context.Background(), env.second.ID, false)

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected ExecutionError, got %v", err)
	}
	if len(execErr.Uncompensated) != 0 {
		t.Errorf("Expected full compensation, got uncompensated %v", execErr.Uncompensated)
	}

	// The applied prefix (add email) is undone by its inverse.
	want := []string{"add_column users.email", "drop_column users.email"}
	if len(env.conn.executed) != len(want) {
		t.Fatalf("Expected %d statements, got %v", len(want), env.conn.executed)
	}
	for i, sql := range want {
		if env.conn.executed[i] != sql {
			t.Errorf("Statement %d: expected %q, got %q", i, sql, env.conn.executed[i])
		}
	}

	pointer, perr := env.store.Pointer("dev")
	if perr != nil {
		t.Fatal(perr)
	}
	if pointer != env.first.ID {
		t.Errorf("Expected pointer unchanged at %s, got %s", env.first.ID, pointer)
	}
}

func TestLockFailurePropagates(t *testing.T) {
	env := newTestEnv(t, true)
	env.locker.err = &db.LockTimeoutError{Project: "blog", Environment: "dev", Timeout: time.Second}

	_, err := env.exec.Apply(context.Background(), env.second.ID, false)

	var lockErr *db.LockTimeoutError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockTimeoutError, got %v", err)
	}
	if len(env.conn.executed) != 0 {
		t.Errorf("Expected no statements without the lock, got %v", env.conn.executed)
	}
}

func TestApplyUnknownTargetFails(t *testing.T) {
	env := newTestEnv(t, true)

	_, err := env.exec.Apply(context.Background(), "20990101000000_deadbeef0000", false)
	if err == nil {
		t.Fatal("Expected error for unknown target revision")
	}
	if env.locker.acquired != 0 {
		t.Error("Expected no lock taken when path resolution fails")
	}
}
