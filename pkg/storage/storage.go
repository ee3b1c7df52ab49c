package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rubiojr/chirper/pkg/log"
	"golang.org/x/text/cases"
)

var logger = log.ForService("storage")

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Store is the relational backing for users, the social graph, posts and
// persisted notifications.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath and applies
// pending migrations.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := NewMigrationManager(db).ApplyPending(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// OpenWithoutMigrations opens the database leaving the schema untouched,
// for inspecting migration status.
func OpenWithoutMigrations(ctx context.Context, dbPath string) (*Store, error) {
	db, err := openDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func openDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	// Connection-scoped pragmas go in the DSN so every pooled connection
	// gets them.
	dsn := "file:" + (&url.URL{Path: dbPath}).EscapedPath() +
		"?_pragma=busy_timeout(30000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = memory",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection, used by the migrate command.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				logger.Warnf("failed to rollback transaction: %v", err)
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		logger.Warnf("failed to close rows: %v", err)
	}
}

func isConstraint(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY)
}

// usernameKey folds a username for case-insensitive uniqueness. Casers are
// stateful, so a fresh one is used per call.
func usernameKey(username string) string {
	return cases.Fold().String(username)
}
