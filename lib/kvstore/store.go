// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package kvstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Errors returned by transaction operations.
var (
	ErrNotFound      = errors.New("kvstore: record not found")
	ErrIndexConflict = errors.New("kvstore: unique index conflict")
	ErrReadOnly      = errors.New("kvstore: write inside read-only transaction")
	ErrUnknownModel  = errors.New("kvstore: model not registered")
	ErrUnknownIndex  = errors.New("kvstore: index not declared for model")
)

// Record is a typed value that knows where it is stored. Implemented
// by every persisted model (accounts, groups, credentials, bearer
// tokens, endpoints).
type Record interface {
	// Model names the record's model, as registered with Register.
	Model() string

	// Key returns the primary key bytes. Numeric identifiers use
	// KeyUint64 so keys sort in identifier order.
	Key() []byte

	// Indexes returns unique secondary index values by index name.
	// Empty values are skipped (no index entry maintained).
	Indexes() map[string]string
}

// KeyUint64 encodes a numeric identifier as a big-endian primary key.
func KeyUint64(id uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], id)
	return key[:]
}

// schema is created once at open. Records and index entries for all
// models share two tables; model names partition them.
const schema = `
CREATE TABLE IF NOT EXISTS records (
	model TEXT NOT NULL,
	key   BLOB NOT NULL,
	data  BLOB NOT NULL,
	PRIMARY KEY (model, key)
);
CREATE TABLE IF NOT EXISTS record_index (
	model TEXT NOT NULL,
	name  TEXT NOT NULL,
	value TEXT NOT NULL,
	key   BLOB NOT NULL,
	PRIMARY KEY (model, name, value)
);
CREATE INDEX IF NOT EXISTS record_index_by_key ON record_index (model, key);
CREATE TABLE IF NOT EXISTS sequences (
	model TEXT PRIMARY KEY,
	next  INTEGER NOT NULL
);
`

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. Use ":memory:" in tests
	// (forces a single-connection pool).
	Path string

	// PoolSize is the number of pooled connections. Zero means
	// max(NumCPU, 4). SQLite serializes writes regardless; extra
	// connections only help concurrent readers.
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// DB is a pooled, transactional record store. Safe for concurrent
// use; each transaction runs on its own borrowed connection.
type DB struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string

	mu     sync.Mutex
	models map[string]map[string]bool
}

// Open opens (creating if necessary) the store at cfg.Path and
// applies the standard pragmas to every connection.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("kvstore: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	// Each in-memory connection is an independent database; the
	// pool must not hand out more than one.
	if cfg.Path == ":memory:" {
		poolSize = 1
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: opening %s: %w", cfg.Path, err)
	}

	logger.Info("record store opened", "path", cfg.Path, "pool_size", poolSize)

	return &DB{
		pool:   pool,
		logger: logger,
		path:   cfg.Path,
		models: make(map[string]map[string]bool),
	}, nil
}

// prepareConnection applies the standard pragmas and ensures the
// schema exists. Runs once per pooled connection on first use.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("kvstore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("kvstore: creating schema: %w", err)
	}
	return nil
}

// Register declares a model and its unique secondary indexes.
// Idempotent: registering the same model again (with any index set
// that is a subset or superset) merges the declarations and never
// errors, so repeated startups are safe.
func (db *DB) Register(model string, indexes ...string) error {
	if model == "" {
		return fmt.Errorf("kvstore: model name must not be empty")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	declared, ok := db.models[model]
	if !ok {
		declared = make(map[string]bool, len(indexes))
		db.models[model] = declared
	}
	for _, index := range indexes {
		declared[index] = true
	}
	return nil
}

// indexDeclared reports whether index is declared for model. An empty
// index name checks only model registration.
func (db *DB) indexDeclared(model, index string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	declared, ok := db.models[model]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	if index != "" && !declared[index] {
		return fmt.Errorf("%w: %q on %q", ErrUnknownIndex, index, model)
	}
	return nil
}

// View runs fn inside a read-only snapshot transaction. The callback
// must not retain the Tx beyond its return.
func (db *DB) View(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("kvstore: view: %w", err)
	}
	defer db.pool.Put(conn)

	endSavepoint := sqlitex.Save(conn)
	tx := &Tx{db: db, conn: conn}
	err = fn(tx)
	endSavepoint(&err)
	return err
}

// Update runs fn inside one IMMEDIATE write transaction. The
// transaction commits when fn returns nil and rolls back otherwise,
// so a check-then-write sequence in fn is atomic against every other
// Update.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("kvstore: update: %w", err)
	}
	defer db.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("kvstore: begin transaction: %w", err)
	}
	tx := &Tx{db: db, conn: conn, writable: true}
	err = fn(tx)
	endTransaction(&err)
	return err
}

// Close closes the connection pool. Blocks until all borrowed
// connections are returned.
func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		return fmt.Errorf("kvstore: closing %s: %w", db.path, err)
	}
	db.logger.Info("record store closed", "path", db.path)
	return nil
}

// sortedIndexNames returns a record's index names in deterministic
// order, so index maintenance statements run in a stable sequence.
func sortedIndexNames(indexes map[string]string) []string {
	names := make([]string, 0, len(indexes))
	for name := range indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
