package db

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresClient manages a connection to PostgreSQL.
type PostgresClient struct {
	conn *pgx.Conn
}

// NewPostgresClient connects to PostgreSQL and verifies the connection.
func NewPostgresClient(ctx context.Context, connString string) (*PostgresClient, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, &ConnectionError{Engine: "postgres", Err: err}
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, &ConnectionError{Engine: "postgres", Err: err}
	}

	return &PostgresClient{conn: conn}, nil
}

// Exec executes a single statement.
func (c *PostgresClient) Exec(ctx context.Context, sql string) error {
	_, err := c.conn.Exec(ctx, sql)
	return err
}

// Begin opens a transaction.
func (c *PostgresClient) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

// Close closes the database connection.
func (c *PostgresClient) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// GetConnection returns the underlying connection.
func (c *PostgresClient) GetConnection() *pgx.Conn {
	return c.conn
}

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, sql string) error {
	_, err := t.tx.Exec(ctx, sql)
	return err
}

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// lockRetryInterval is how often blocked lockers re-attempt acquisition.
const lockRetryInterval = 250 * time.Millisecond

// PostgresLocker serializes migrations through session-scoped advisory
// locks, keyed by a hash of the project and environment names.
type PostgresLocker struct {
	client *PostgresClient
}

// NewPostgresLocker returns a locker bound to the client's session.
func NewPostgresLocker(client *PostgresClient) *PostgresLocker {
	return &PostgresLocker{client: client}
}

// Acquire polls pg_try_advisory_lock until it succeeds or the timeout
// expires.
func (l *PostgresLocker) Acquire(ctx context.Context, project, env string, timeout time.Duration) (func(context.Context) error, error) {
	key := advisoryLockKey(project, env)
	deadline := time.Now().Add(timeout)

	for {
		var acquired bool
		err := l.client.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired)
		if err != nil {
			return nil, &ConnectionError{Engine: "postgres", Err: err}
		}
		if acquired {
			release := func(ctx context.Context) error {
				var released bool
				return l.client.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&released)
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

// advisoryLockKey hashes the lock name into the signed 64-bit key space
// PostgreSQL advisory locks use.
func advisoryLockKey(project, env string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(lockName(project, env)))
	return int64(h.Sum64())
}

// isPermissionDenied reports whether an error is a PostgreSQL
// insufficient_privilege failure.
func isPermissionDenied(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "42501"
	}
	return false
}
