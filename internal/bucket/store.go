package bucket

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"github.com/marshallengine/marshall/internal/config"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("bucket: not found")

// Store is the marshall database. For SQLite it keeps the single-writer /
// read-pool split: all writes go through one connection whose transactions
// start with BEGIN IMMEDIATE, so concurrent processes queue on the database
// lock instead of interleaving. MySQL uses one pool for both.
type Store struct {
	db      *sql.DB // Write connection
	readDB  *sql.DB // Read connection pool
	dialect Dialect
	mu      sync.Mutex // Serialises writers within the process

	now func() time.Time
}

// Open opens the configured database and initialises the catalog schema.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("bucket: empty dsn")
	}

	var db, readDB *sql.DB
	switch dialect.Name {
	case SQLite.Name:
		db, err = sql.Open("sqlite3", sqliteDSN(cfg.DSN, "_txlock=immediate"))
		if err != nil {
			return nil, fmt.Errorf("bucket: failed to open database: %w", err)
		}
		db.SetMaxOpenConns(1) // Single writer
		db.SetMaxIdleConns(1)

		readDB, err = sql.Open("sqlite3", sqliteDSN(cfg.DSN, "_query_only=1"))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("bucket: failed to open read database: %w", err)
		}
		readers := cfg.MaxOpenConns
		if readers < 1 {
			readers = 4
		}
		readDB.SetMaxOpenConns(readers)
		readDB.SetMaxIdleConns(readers)
		readDB.SetConnMaxLifetime(5 * time.Minute)

	case MySQL.Name:
		db, err = sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("bucket: failed to open database: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
			db.SetMaxIdleConns(cfg.MaxOpenConns)
		}
		db.SetConnMaxLifetime(5 * time.Minute)
		readDB = db
	}

	s := &Store{
		db:      db,
		readDB:  readDB,
		dialect: dialect,
		now:     time.Now,
	}

	if err := s.initSchema(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("bucket: failed to initialize schema: %w", err)
	}

	return s, nil
}

// sqliteDSN appends the connection parameters every SQLite connection needs.
func sqliteDSN(path, extra string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_busy_timeout=10000&" + extra
}

// initSchema creates all catalog tables and indexes.
func (s *Store) initSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connections.
func (s *Store) Close() error {
	var firstErr error
	if s.readDB != nil && s.readDB != s.db {
		if err := s.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// withTx runs fn inside a write transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("bucket: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("bucket: failed to commit transaction: %w", err)
	}
	return nil
}

// exec runs a single write statement and returns the rows affected.
func (s *Store) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
