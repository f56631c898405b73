// Package executor applies revision paths to live databases. Each call runs
// a small state machine: resolve the path from the environment pointer to
// the target, acquire the environment lock, apply each revision hop in its
// own transaction, and advance the pointer after every committed hop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schemi-dev/schemi/internal/db"
	"github.com/schemi-dev/schemi/internal/op"
	"github.com/schemi-dev/schemi/internal/revision"
	"github.com/schemi-dev/schemi/internal/store"
)

// State names an executor phase, for logs and error reports.
type State string

const (
	Idle         State = "idle"
	PathResolved State = "path_resolved"
	Applying     State = "applying"
	Committed    State = "committed"
	RolledBack   State = "rolled_back"
)

// DefaultLockTimeout bounds the wait for the environment lock.
const DefaultLockTimeout = 10 * time.Second

// ExecutionError wraps a statement failure with the revision, operation
// index, and rendered SQL that failed. Uncompensated lists operations that
// could not be undone on engines without transactional DDL.
type ExecutionError struct {
	RevisionID    string
	OpIndex       int
	Op            string
	SQL           string
	Uncompensated []string
	Err           error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("revision %s failed at operation %d (%s): %v", e.RevisionID, e.OpIndex, e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PointerDesyncError reports that a revision committed but the pointer
// write failed: the database is ahead of recorded state and needs manual
// reconciliation. Never retried automatically.
type PointerDesyncError struct {
	Project     string
	Environment string
	RevisionID  string
	Err         error
}

func (e *PointerDesyncError) Error() string {
	return fmt.Sprintf("database %s.%s is at revision %s but the pointer write failed: %v; reconcile manually",
		e.Project, e.Environment, e.RevisionID, e.Err)
}

func (e *PointerDesyncError) Unwrap() error { return e.Err }

// Statement is one rendered SQL statement attributed to its revision.
type Statement struct {
	RevisionID string
	SQL        string
}

// Result reports what an Apply call did.
type Result struct {
	From       string // pointer before the call, empty for base
	To         string // pointer after the call
	Applied    []string
	Reverted   bool
	DryRun     bool
	Statements []Statement // rendered SQL, populated on dry runs
}

// NoOp reports whether the environment was already at the target.
func (r *Result) NoOp() bool { return len(r.Applied) == 0 }

// Executor migrates one (project, environment) pair.
type Executor struct {
	database    *db.Database
	store       *store.Store
	graph       *revision.Graph
	project     string
	env         string
	logger      *slog.Logger
	lockTimeout time.Duration
}

// New creates an executor for one environment.
func New(database *db.Database, st *store.Store, graph *revision.Graph, project, env string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		database:    database,
		store:       st,
		graph:       graph,
		project:     project,
		env:         env,
		logger:      logger,
		lockTimeout: DefaultLockTimeout,
	}
}

// SetLockTimeout overrides the bounded wait for the environment lock.
func (e *Executor) SetLockTimeout(d time.Duration) {
	e.lockTimeout = d
}

// hop is one revision step with its pre-rendered statements and the pointer
// value to record once the step commits.
type hop struct {
	node       *revision.Node
	ops        []op.Operation
	statements []string
	pointer    string
	revert     bool
}

// Apply migrates the environment to the target revision. An empty target
// means the base state before any revision. If the target is behind the
// pointer, the path is applied in reverse using each revision's inverse
// operations. With dryRun set, SQL is rendered and returned but nothing is
// executed and no state is mutated.
func (e *Executor) Apply(ctx context.Context, targetID string, dryRun bool) (*Result, error) {
	pointer, err := e.store.Pointer(e.env)
	if err != nil {
		return nil, fmt.Errorf("failed to read pointer for %s.%s: %w", e.project, e.env, err)
	}

	result := &Result{From: pointer, To: pointer, DryRun: dryRun}
	if pointer == targetID {
		e.logger.Info("already at target revision", "project", e.project, "env", e.env, "revision", displayID(targetID))
		return result, nil
	}

	hops, reverted, err := e.resolvePath(pointer, targetID)
	if err != nil {
		return nil, err
	}
	result.Reverted = reverted
	e.logger.Info("resolved migration path",
		"state", string(PathResolved), "project", e.project, "env", e.env,
		"from", displayID(pointer), "to", displayID(targetID),
		"revisions", len(hops), "revert", reverted)

	if err := e.render(hops); err != nil {
		return nil, err
	}

	if dryRun {
		for _, h := range hops {
			for _, sql := range h.statements {
				result.Statements = append(result.Statements, Statement{RevisionID: h.node.ID, SQL: sql})
			}
			result.Applied = append(result.Applied, h.node.ID)
		}
		result.To = targetID
		return result, nil
	}

	release, err := e.database.Locker.Acquire(ctx, e.project, e.env, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := release(ctx); rerr != nil {
			e.logger.Warn("failed to release migration lock", "project", e.project, "env", e.env, "error", rerr)
		}
	}()

	for _, h := range hops {
		if err := e.applyHop(ctx, h); err != nil {
			return result, err
		}
		if err := e.store.SetPointer(e.env, h.pointer); err != nil {
			return result, &PointerDesyncError{
				Project:     e.project,
				Environment: e.env,
				RevisionID:  h.pointer,
				Err:         err,
			}
		}
		result.Applied = append(result.Applied, h.node.ID)
		result.To = h.pointer
	}

	e.logger.Info("migration committed",
		"state", string(Committed), "project", e.project, "env", e.env,
		"revision", displayID(targetID), "applied", len(result.Applied))
	return result, nil
}

// resolvePath orders the revisions between the pointer and the target.
// Forward paths apply each node's operations oldest-first; revert paths
// apply each node's inverse newest-first and move the pointer to the
// node's parent after each step.
func (e *Executor) resolvePath(pointer, targetID string) ([]hop, bool, error) {
	forward, ferr := e.graph.Path(pointer, targetID)
	if ferr == nil {
		hops := make([]hop, 0, len(forward))
		for _, n := range forward {
			hops = append(hops, hop{node: n, ops: n.Operations, pointer: n.ID})
		}
		return hops, false, nil
	}

	var disconnected *revision.DisconnectedHistoryError
	if !errors.As(ferr, &disconnected) {
		return nil, false, ferr
	}

	backward, berr := e.graph.Path(targetID, pointer)
	if berr != nil {
		// Neither direction connects: genuinely divergent histories.
		return nil, false, ferr
	}

	hops := make([]hop, 0, len(backward))
	for i := len(backward) - 1; i >= 0; i-- {
		n := backward[i]
		for _, o := range n.Inverse {
			if o.Lossy {
				e.logger.Warn("revert restores structure but not data",
					"revision", n.ID, "operation", o.String())
			}
		}
		hops = append(hops, hop{node: n, ops: n.Inverse, pointer: n.ParentID, revert: true})
	}
	return hops, true, nil
}

// render pre-renders every statement so failures surface before any lock
// or transaction is taken.
func (e *Executor) render(hops []hop) error {
	for i := range hops {
		h := &hops[i]
		for idx, o := range h.ops {
			stmts, err := e.database.Dialect.RenderOperation(o)
			if err != nil {
				return &ExecutionError{
					RevisionID: h.node.ID,
					OpIndex:    idx,
					Op:         o.String(),
					Err:        err,
				}
			}
			h.statements = append(h.statements, stmts...)
		}
	}
	return nil
}

// applyHop executes one revision's operations. Engines with transactional
// DDL get a single transaction per hop; others run statements sequentially
// and compensate the applied prefix on failure.
func (e *Executor) applyHop(ctx context.Context, h hop) error {
	e.logger.Info("applying revision",
		"state", string(Applying), "revision", h.node.ID,
		"operations", len(h.ops), "revert", h.revert)

	if e.database.Dialect.Capabilities().TransactionalDDL {
		return e.applyTransactional(ctx, h)
	}
	return e.applySequential(ctx, h)
}

func (e *Executor) applyTransactional(ctx context.Context, h hop) error {
	tx, err := e.database.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for idx, o := range h.ops {
		var failedStmt string
		stmts, err := e.database.Dialect.RenderOperation(o)
		if err == nil {
			for _, sql := range stmts {
				if err = tx.Exec(ctx, sql); err != nil {
					failedStmt = sql
					break
				}
			}
		}
		if err != nil {
			if rberr := tx.Rollback(ctx); rberr != nil {
				e.logger.Error("rollback failed", "revision", h.node.ID, "error", rberr)
			}
			e.logger.Error("revision rolled back",
				"state", string(RolledBack), "revision", h.node.ID, "operation", o.String())
			return &ExecutionError{
				RevisionID: h.node.ID,
				OpIndex:    idx,
				Op:         o.String(),
				SQL:        failedStmt,
				Err:        err,
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit revision %s: %w", h.node.ID, err)
	}
	return nil
}

// applySequential is the non-transactional path: statements run one at a
// time and a failure triggers compensating inverse statements for the
// operations already applied in this hop, newest first. Compensation is
// best-effort; anything that cannot be undone is reported on the error.
func (e *Executor) applySequential(ctx context.Context, h hop) error {
	for idx, o := range h.ops {
		stmts, rerr := e.database.Dialect.RenderOperation(o)
		if rerr != nil {
			return e.compensate(ctx, h, idx, o, "", rerr)
		}
		for _, sql := range stmts {
			if err := e.database.Conn.Exec(ctx, sql); err != nil {
				return e.compensate(ctx, h, idx, o, sql, err)
			}
		}
	}
	return nil
}

func (e *Executor) compensate(ctx context.Context, h hop, failedIdx int, failed op.Operation, sql string, cause error) error {
	execErr := &ExecutionError{
		RevisionID: h.node.ID,
		OpIndex:    failedIdx,
		Op:         failed.String(),
		SQL:        sql,
		Err:        cause,
	}

	inverse, err := op.InverseList(h.ops[:failedIdx])
	if err != nil {
		e.logger.Error("cannot derive compensating operations",
			"revision", h.node.ID, "error", err)
		for _, o := range h.ops[:failedIdx] {
			execErr.Uncompensated = append(execErr.Uncompensated, o.String())
		}
		return execErr
	}

	for _, inv := range inverse {
		stmts, rerr := e.database.Dialect.RenderOperation(inv)
		if rerr != nil {
			execErr.Uncompensated = append(execErr.Uncompensated, inv.String())
			continue
		}
		failedStmt := false
		for _, s := range stmts {
			if err := e.database.Conn.Exec(ctx, s); err != nil {
				e.logger.Error("compensating statement failed",
					"revision", h.node.ID, "operation", inv.String(), "error", err)
				failedStmt = true
				break
			}
		}
		if failedStmt {
			execErr.Uncompensated = append(execErr.Uncompensated, inv.String())
		}
	}

	if len(execErr.Uncompensated) > 0 {
		e.logger.Error("revision partially applied",
			"state", string(RolledBack), "revision", h.node.ID,
			"uncompensated", len(execErr.Uncompensated))
	} else {
		e.logger.Error("revision rolled back",
			"state", string(RolledBack), "revision", h.node.ID)
	}
	return execErr
}

func displayID(id string) string {
	if id == "" {
		return "(base)"
	}
	return id
}
