package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteClient manages a connection to SQLite.
type SQLiteClient struct {
	db *sql.DB
}

// NewSQLiteClient opens a SQLite database file and verifies the connection.
func NewSQLiteClient(ctx context.Context, path string) (*SQLiteClient, error) {
	sqldb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &ConnectionError{Engine: "sqlite", Err: err}
	}

	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, &ConnectionError{Engine: "sqlite", Err: err}
	}

	return &SQLiteClient{db: sqldb}, nil
}

// Exec executes a single statement.
func (c *SQLiteClient) Exec(ctx context.Context, query string) error {
	_, err := c.db.ExecContext(ctx, query)
	return err
}

// Begin opens a transaction.
func (c *SQLiteClient) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

// Close closes the database connection.
func (c *SQLiteClient) Close(context.Context) error {
	return c.db.Close()
}

// GetDB returns the underlying database handle.
func (c *SQLiteClient) GetDB() *sql.DB {
	return c.db
}

// sqlTx adapts database/sql transactions, shared by the SQLite and MySQL
// clients.
type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) Exec(ctx context.Context, query string) error {
	_, err := t.tx.ExecContext(ctx, query)
	return err
}

func (t *sqlTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }

// SQLiteLocker serializes migrations through a dedicated lock table.
// SQLite has no advisory lock primitive, so each attempt inserts a uniquely
// tokened row; the primary key guarantees only one holder per lock name.
type SQLiteLocker struct {
	client *SQLiteClient
}

// NewSQLiteLocker returns a locker using the client's database file.
func NewSQLiteLocker(client *SQLiteClient) *SQLiteLocker {
	return &SQLiteLocker{client: client}
}

const sqliteLockTable = `CREATE TABLE IF NOT EXISTS schemi_lock (
	name TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	acquired_at TIMESTAMP NOT NULL
)`

// Acquire inserts a lock row, retrying until the timeout expires.
func (l *SQLiteLocker) Acquire(ctx context.Context, project, env string, timeout time.Duration) (func(context.Context) error, error) {
	if _, err := l.client.db.ExecContext(ctx, sqliteLockTable); err != nil {
		return nil, &ConnectionError{Engine: "sqlite", Err: err}
	}

	name := lockName(project, env)
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		_, err := l.client.db.ExecContext(ctx,
			"INSERT INTO schemi_lock (name, token, acquired_at) VALUES (?, ?, ?)",
			name, token, time.Now().UTC())
		if err == nil {
			release := func(ctx context.Context) error {
				_, err := l.client.db.ExecContext(ctx,
					"DELETE FROM schemi_lock WHERE name = ? AND token = ?", name, token)
				return err
			}
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, &LockTimeoutError{Project: project, Environment: env, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}
