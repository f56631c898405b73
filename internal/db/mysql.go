package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLClient manages a connection to MySQL.
type MySQLClient struct {
	db *sql.DB
}

// NewMySQLClient opens a MySQL connection and verifies it.
func NewMySQLClient(ctx context.Context, connString string) (*MySQLClient, error) {
	sqldb, err := sql.Open("mysql", connString)
	if err != nil {
		return nil, &ConnectionError{Engine: "mysql", Err: err}
	}

	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, &ConnectionError{Engine: "mysql", Err: err}
	}

	return &MySQLClient{db: sqldb}, nil
}

// Exec executes a single statement.
func (c *MySQLClient) Exec(ctx context.Context, query string) error {
	_, err := c.db.ExecContext(ctx, query)
	return err
}

// Begin opens a transaction. MySQL commits DDL implicitly, so the executor
// treats this engine as non-transactional for schema changes.
func (c *MySQLClient) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

// Close closes the database connection.
func (c *MySQLClient) Close(context.Context) error {
	return c.db.Close()
}

// GetDB returns the underlying database handle.
func (c *MySQLClient) GetDB() *sql.DB {
	return c.db
}

// ParseDatabaseName extracts the database name from a MySQL connection
// string of the form user:pass@tcp(host:port)/dbname.
func ParseDatabaseName(connString string) (string, error) {
	idx := strings.LastIndex(connString, "/")
	if idx == -1 || idx == len(connString)-1 {
		return "", fmt.Errorf("no database name in connection string")
	}
	name := connString[idx+1:]
	if q := strings.Index(name, "?"); q != -1 {
		name = name[:q]
	}
	if name == "" {
		return "", fmt.Errorf("no database name in connection string")
	}
	return name, nil
}

// MySQLLocker serializes migrations through GET_LOCK, which blocks
// server-side for the requested timeout.
type MySQLLocker struct {
	client *MySQLClient
}

// NewMySQLLocker returns a locker bound to the client's session.
func NewMySQLLocker(client *MySQLClient) *MySQLLocker {
	return &MySQLLocker{client: client}
}

// Acquire requests a named server lock with a bounded wait. GET_LOCK is
// session-scoped, so the lock is pinned to one pooled connection for its
// whole lifetime; releasing on a different session would silently fail and
// the pool recycling the holding session would drop the lock mid-migration.
func (l *MySQLLocker) Acquire(ctx context.Context, project, env string, timeout time.Duration) (func(context.Context) error, error) {
	name := lockName(project, env)
	seconds := int(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	session, err := l.client.db.Conn(ctx)
	if err != nil {
		return nil, &ConnectionError{Engine: "mysql", Err: err}
	}

	var acquired sql.NullInt64
	if err := session.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, seconds).Scan(&acquired); err != nil {
		_ = session.Close()
		return nil, &ConnectionError{Engine: "mysql", Err: err}
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		_ = session.Close()
		return nil, &LockTimeoutError{Project: project, Environment: env, Timeout: timeout}
	}

	release := func(ctx context.Context) error {
		var released sql.NullInt64
		err := session.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", name).Scan(&released)
		if cerr := session.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return release, nil
}
