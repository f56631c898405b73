// Package db provides the database connection abstraction the migration
// engine runs against: per-engine clients, catalog inspectors, SQL dialects,
// and advisory locks for SQLite, PostgreSQL, and MySQL.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/schemi-dev/schemi/internal/op"
	"github.com/schemi-dev/schemi/internal/schema"
)

// Conn is the minimal connection surface the executor needs: statement
// execution and transactions. Engine clients implement it.
type Conn interface {
	Exec(ctx context.Context, sql string) error
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
}

// Tx is an open transaction.
type Tx interface {
	Exec(ctx context.Context, sql string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Inspector reads the live catalog into a canonical schema. Implementations
// issue read-only queries against system catalogs and never lock application
// tables.
type Inspector interface {
	InspectSchema(ctx context.Context) (*schema.Schema, error)
}

// Capabilities describes what an engine supports. Engines without
// transactional DDL get best-effort sequential execution with compensating
// statements on failure.
type Capabilities struct {
	TransactionalDDL bool
}

// Dialect renders operations into engine-specific SQL statements.
type Dialect interface {
	Name() string
	Capabilities() Capabilities
	RenderOperation(o op.Operation) ([]string, error)
}

// Locker serializes concurrent migration attempts against the same
// (project, environment). Acquire blocks up to timeout, then fails with
// LockTimeoutError. The returned release function must be called exactly
// once.
type Locker interface {
	Acquire(ctx context.Context, project, env string, timeout time.Duration) (release func(context.Context) error, err error)
}

// Database bundles everything the engine needs for one live database.
type Database struct {
	Conn      Conn
	Inspector Inspector
	Dialect   Dialect
	Locker    Locker
}

// Close releases the underlying connection.
func (d *Database) Close(ctx context.Context) error {
	if d.Conn == nil {
		return nil
	}
	return d.Conn.Close(ctx)
}

// ConnectionError reports an unreachable database.
type ConnectionError struct {
	Engine string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Engine, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PermissionError reports unreadable catalog metadata.
type PermissionError struct {
	Engine string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("catalog metadata unreadable on %s: %v", e.Engine, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// LockTimeoutError reports that another migration holds the environment
// lock and the bounded wait expired.
type LockTimeoutError struct {
	Project     string
	Environment string
	Timeout     time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for migration lock on %s.%s", e.Timeout, e.Project, e.Environment)
}

// lockName derives the advisory lock identifier for an environment.
func lockName(project, env string) string {
	return "schemi:" + project + ":" + env
}
