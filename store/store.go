package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnknownDriver is returned by Open for unsupported drivers.
var ErrUnknownDriver = errors.New("unknown database driver")

// dialect captures the SQL differences between the drivers.
type dialect struct {
	driver string
	blob   string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

var dialects = map[string]dialect{
	DriverSQLite:   {driver: DriverSQLite, blob: "BLOB"},
	DriverPostgres: {driver: DriverPostgres, blob: "BYTEA", numbered: true},
}

// rebind rewrites ? placeholders for the dialect.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Store is a SQL backed buddy and message store.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database and applies the schema. For SQLite dsn
// is a file path.
func Open(driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	source := dsn
	if driver == DriverSQLite {
		source = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dsn)
	}

	db, err := sql.Open(d.driver, source)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// a single writer avoids SQLITE_BUSY under concurrent access
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db, dialect: d}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"driver":   driver,
	}).Info("Database opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	blob := s.dialect.blob
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS buddies (
			public_key ` + blob + ` PRIMARY KEY,
			subsystem INTEGER NOT NULL,
			nickname TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			tcp_port INTEGER NOT NULL DEFAULT 0,
			udp_port INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			last_online BIGINT NOT NULL DEFAULT 0,
			last_message BIGINT NOT NULL DEFAULT 0,
			categories TEXT NOT NULL DEFAULT '',
			ygm_markers TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS persistent_messages (
			buddy ` + blob + ` NOT NULL,
			id BIGINT NOT NULL,
			queue TEXT NOT NULL,
			position BIGINT NOT NULL,
			subsystem INTEGER NOT NULL,
			timeout_ms BIGINT NOT NULL,
			created BIGINT NOT NULL,
			sealed_by ` + blob + ` NOT NULL,
			request ` + blob + ` NOT NULL,
			reply ` + blob + `,
			PRIMARY KEY (buddy, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_persistent_messages_queue
			ON persistent_messages (buddy, queue, position)`,
		`CREATE TABLE IF NOT EXISTS banned_hosts (
			host TEXT PRIMARY KEY,
			reason TEXT NOT NULL DEFAULT '',
			created BIGINT NOT NULL
		)`,
	}

	for i, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (sql.Result, error) {
	return tx.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) *sql.Row {
	return tx.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

// inTx runs fn in a transaction and commits unless it fails.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
