// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package kvstore

import (
	"bytes"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/serpent-os/moss-service/lib/codec"
)

// Tx is a transaction over the record store. Obtained from View or
// Update; never constructed directly. A Tx is bound to one connection
// and must not escape its callback or be shared across goroutines.
type Tx struct {
	db       *DB
	conn     *sqlite.Conn
	writable bool
}

// Get loads the record stored under (model, key) into out.
func (tx *Tx) Get(model string, key []byte, out any) error {
	if err := tx.db.indexDeclared(model, ""); err != nil {
		return err
	}

	var data []byte
	err := sqlitex.Execute(tx.conn,
		"SELECT data FROM records WHERE model = ? AND key = ?",
		&sqlitex.ExecOptions{
			Args: []any{model, key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				data = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, data)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("kvstore: get %s: %w", model, err)
	}
	if data == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, model)
	}
	return codec.Unmarshal(data, out)
}

// Lookup loads a record through one of its declared unique indexes.
func (tx *Tx) Lookup(model, index, value string, out any) error {
	if err := tx.db.indexDeclared(model, index); err != nil {
		return err
	}

	var key []byte
	err := sqlitex.Execute(tx.conn,
		"SELECT key FROM record_index WHERE model = ? AND name = ? AND value = ?",
		&sqlitex.ExecOptions{
			Args: []any{model, index, value},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				key = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, key)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("kvstore: lookup %s by %s: %w", model, index, err)
	}
	if key == nil {
		return fmt.Errorf("%w: %s with %s=%q", ErrNotFound, model, index, value)
	}
	return tx.Get(model, key, out)
}

// Put stores a record, replacing any previous value under the same
// key and refreshing its index entries. Fails with ErrIndexConflict
// when a declared unique index value is already held by a different
// key. This is the uniqueness backstop beneath the application-layer
// check-then-write.
func (tx *Tx) Put(record Record) error {
	if !tx.writable {
		return ErrReadOnly
	}
	model := record.Model()
	key := record.Key()
	indexes := record.Indexes()

	for _, name := range sortedIndexNames(indexes) {
		if err := tx.db.indexDeclared(model, name); err != nil {
			return err
		}
	}

	// Reject index values owned by another key before writing
	// anything.
	for _, name := range sortedIndexNames(indexes) {
		value := indexes[name]
		if value == "" {
			continue
		}
		var holder []byte
		err := sqlitex.Execute(tx.conn,
			"SELECT key FROM record_index WHERE model = ? AND name = ? AND value = ?",
			&sqlitex.ExecOptions{
				Args: []any{model, name, value},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					holder = make([]byte, stmt.ColumnLen(0))
					stmt.ColumnBytes(0, holder)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("kvstore: put %s: checking index %s: %w", model, name, err)
		}
		if holder != nil && !bytes.Equal(holder, key) {
			return fmt.Errorf("%w: %s %s=%q", ErrIndexConflict, model, name, value)
		}
	}

	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("kvstore: put %s: %w", model, err)
	}

	err = sqlitex.Execute(tx.conn,
		"INSERT OR REPLACE INTO records (model, key, data) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{model, key, data}})
	if err != nil {
		return fmt.Errorf("kvstore: put %s: %w", model, err)
	}

	// Rebuild the key's index entries from scratch; stale values
	// (e.g. after a rename) must not linger.
	err = sqlitex.Execute(tx.conn,
		"DELETE FROM record_index WHERE model = ? AND key = ?",
		&sqlitex.ExecOptions{Args: []any{model, key}})
	if err != nil {
		return fmt.Errorf("kvstore: put %s: clearing indexes: %w", model, err)
	}
	for _, name := range sortedIndexNames(indexes) {
		value := indexes[name]
		if value == "" {
			continue
		}
		err = sqlitex.Execute(tx.conn,
			"INSERT INTO record_index (model, name, value, key) VALUES (?, ?, ?, ?)",
			&sqlitex.ExecOptions{Args: []any{model, name, value, key}})
		if err != nil {
			return fmt.Errorf("kvstore: put %s: writing index %s: %w", model, name, err)
		}
	}
	return nil
}

// Delete removes the record under (model, key) and its index entries.
// Deleting an absent record is a no-op.
func (tx *Tx) Delete(model string, key []byte) error {
	if !tx.writable {
		return ErrReadOnly
	}
	if err := tx.db.indexDeclared(model, ""); err != nil {
		return err
	}

	err := sqlitex.Execute(tx.conn,
		"DELETE FROM records WHERE model = ? AND key = ?",
		&sqlitex.ExecOptions{Args: []any{model, key}})
	if err != nil {
		return fmt.Errorf("kvstore: delete %s: %w", model, err)
	}
	err = sqlitex.Execute(tx.conn,
		"DELETE FROM record_index WHERE model = ? AND key = ?",
		&sqlitex.ExecOptions{Args: []any{model, key}})
	if err != nil {
		return fmt.Errorf("kvstore: delete %s: clearing indexes: %w", model, err)
	}
	return nil
}

// NextID allocates the next identifier in the model's sequence,
// starting from 1. Allocation is transactional: an aborted Update
// returns the identifier to the sequence.
func (tx *Tx) NextID(model string) (uint64, error) {
	if !tx.writable {
		return 0, ErrReadOnly
	}
	if err := tx.db.indexDeclared(model, ""); err != nil {
		return 0, err
	}

	var id int64
	err := sqlitex.Execute(tx.conn,
		`INSERT INTO sequences (model, next) VALUES (?, 2)
		 ON CONFLICT (model) DO UPDATE SET next = next + 1
		 RETURNING next - 1`,
		&sqlitex.ExecOptions{
			Args: []any{model},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("kvstore: next id for %s: %w", model, err)
	}
	return uint64(id), nil
}

// Each scans every record of a model in key order. The data slice
// passed to fn is only valid for the duration of the call; decode it
// (codec.Unmarshal) before returning. Returning an error from fn
// stops the scan.
func (tx *Tx) Each(model string, fn func(key, data []byte) error) error {
	if err := tx.db.indexDeclared(model, ""); err != nil {
		return err
	}

	err := sqlitex.Execute(tx.conn,
		"SELECT key, data FROM records WHERE model = ? ORDER BY key",
		&sqlitex.ExecOptions{
			Args: []any{model},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				key := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, key)
				data := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, data)
				return fn(key, data)
			},
		})
	if err != nil {
		return fmt.Errorf("kvstore: scanning %s: %w", model, err)
	}
	return nil
}
