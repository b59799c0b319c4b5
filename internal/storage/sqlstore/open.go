// Package sqlstore implements the storage contract on a relational
// database via sqlx. Postgres (pgx) and sqlite (modernc) drivers are
// supported; the DSN scheme selects between them.
package sqlstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	Logger          *zap.Logger
}

func (o *Options) fill() {
	if o.MaxOpenConns == 0 {
		o.MaxOpenConns = 16
	}
	if o.MaxIdleConns == 0 {
		o.MaxIdleConns = 4
	}
	if o.ConnMaxLifetime == 0 {
		o.ConnMaxLifetime = 30 * time.Minute
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Store is a SQL-backed storage implementation.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
}

// DriverFor maps a DSN to a registered driver name.
func DriverFor(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx"
	}
	return "sqlite"
}

// Open connects to the database named by dsn, pinging until the connect
// timeout elapses.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	opts.fill()
	driver := DriverFor(dsn)
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	// sqlite serializes writers; a single connection avoids lock errors.
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = opts.ConnectTimeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return &Store{db: db, log: opts.Logger}, nil
}

// NewWithDB wraps an already-open connection. Used by tests and by callers
// that manage the pool themselves.
func NewWithDB(db *sqlx.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// tableName scopes a base table with the opaque prefix. The prefix is
// interpolated into SQL, so it must be a bare identifier.
func tableName(prefix, base string) (string, error) {
	if prefix == "" {
		return base, nil
	}
	if !tableNameRe.MatchString(prefix) {
		return "", fmt.Errorf("invalid prefix %q", prefix)
	}
	return prefix + "_" + base, nil
}

// Timestamps are stored as microseconds since the Unix epoch. An integer
// column compares identically under sqlite and postgres, which the claim
// predicates depend on.

func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
