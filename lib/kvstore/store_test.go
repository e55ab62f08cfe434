// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/serpent-os/moss-service/lib/codec"
)

// widget is a minimal record for exercising the store.
type widget struct {
	ID    uint64 `cbor:"1,keyasint"`
	Name  string `cbor:"2,keyasint"`
	Color string `cbor:"3,keyasint"`
}

func (w *widget) Model() string { return "widget" }
func (w *widget) Key() []byte   { return KeyUint64(w.ID) }
func (w *widget) Indexes() map[string]string {
	return map[string]string{"name": w.Name}
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Register("widget", "name"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return db
}

func TestPutGetLookup(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	stored := widget{ID: 1, Name: "gadget", Color: "teal"}
	err := db.Update(ctx, func(tx *Tx) error {
		return tx.Put(&stored)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	var byKey, byIndex widget
	err = db.View(ctx, func(tx *Tx) error {
		if err := tx.Get("widget", KeyUint64(1), &byKey); err != nil {
			return err
		}
		return tx.Lookup("widget", "name", "gadget", &byIndex)
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if byKey != stored {
		t.Errorf("Get = %+v, want %+v", byKey, stored)
	}
	if byIndex != stored {
		t.Errorf("Lookup = %+v, want %+v", byIndex, stored)
	}
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)

	err := db.View(context.Background(), func(tx *Tx) error {
		var out widget
		return tx.Get("widget", KeyUint64(99), &out)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing record: error = %v, want ErrNotFound", err)
	}
}

func TestPut_IndexConflict(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Update(ctx, func(tx *Tx) error {
		return tx.Put(&widget{ID: 1, Name: "taken"})
	}); err != nil {
		t.Fatalf("first Put: %v", err)
	}

	err := db.Update(ctx, func(tx *Tx) error {
		return tx.Put(&widget{ID: 2, Name: "taken"})
	})
	if !errors.Is(err, ErrIndexConflict) {
		t.Errorf("conflicting Put: error = %v, want ErrIndexConflict", err)
	}

	// Same key re-claiming its own index value is fine.
	if err := db.Update(ctx, func(tx *Tx) error {
		return tx.Put(&widget{ID: 1, Name: "taken", Color: "red"})
	}); err != nil {
		t.Errorf("re-Put of same key: %v", err)
	}
}

func TestPut_RenameReleasesIndexValue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Update(ctx, func(tx *Tx) error {
		return tx.Put(&widget{ID: 1, Name: "before"})
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Update(ctx, func(tx *Tx) error {
		return tx.Put(&widget{ID: 1, Name: "after"})
	}); err != nil {
		t.Fatalf("rename Put: %v", err)
	}

	err := db.View(ctx, func(tx *Tx) error {
		var out widget
		return tx.Lookup("widget", "name", "before", &out)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup of stale index value: error = %v, want ErrNotFound", err)
	}

	// The released value is claimable by a different key.
	if err := db.Update(ctx, func(tx *Tx) error {
		return tx.Put(&widget{ID: 2, Name: "before"})
	}); err != nil {
		t.Errorf("Put reclaiming released value: %v", err)
	}
}

func TestView_RejectsWrites(t *testing.T) {
	db := openTestDB(t)

	err := db.View(context.Background(), func(tx *Tx) error {
		return tx.Put(&widget{ID: 1, Name: "nope"})
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Errorf("Put in View: error = %v, want ErrReadOnly", err)
	}

	err = db.View(context.Background(), func(tx *Tx) error {
		_, err := tx.NextID("widget")
		return err
	})
	if !errors.Is(err, ErrReadOnly) {
		t.Errorf("NextID in View: error = %v, want ErrReadOnly", err)
	}
}

func TestNextID_SequentialAndRolledBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	allocate := func() (uint64, error) {
		var id uint64
		err := db.Update(ctx, func(tx *Tx) (txErr error) {
			id, txErr = tx.NextID("widget")
			return txErr
		})
		return id, err
	}

	first, err := allocate()
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if first != 1 {
		t.Errorf("first id = %d, want 1", first)
	}

	// An aborted transaction returns its identifier to the sequence.
	fail := errors.New("abort")
	err = db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.NextID("widget"); err != nil {
			return err
		}
		return fail
	})
	if !errors.Is(err, fail) {
		t.Fatalf("aborting Update: error = %v, want %v", err, fail)
	}

	second, err := allocate()
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if second != 2 {
		t.Errorf("id after rollback = %d, want 2", second)
	}
}

func TestUnregisteredModel(t *testing.T) {
	db := openTestDB(t)

	err := db.View(context.Background(), func(tx *Tx) error {
		var out widget
		return tx.Get("nonesuch", KeyUint64(1), &out)
	})
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Get on unregistered model: error = %v, want ErrUnknownModel", err)
	}
}

func TestEach_ScansInKeyOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.Update(ctx, func(tx *Tx) error {
		for _, id := range []uint64{3, 1, 2} {
			if err := tx.Put(&widget{ID: id, Name: fmt.Sprintf("w%d", id)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	var ids []uint64
	err = db.View(ctx, func(tx *Tx) error {
		return tx.Each("widget", func(key, data []byte) error {
			var out widget
			if err := codec.Unmarshal(data, &out); err != nil {
				return err
			}
			ids = append(ids, out.ID)
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Errorf("scan order = %v, want [1 2 3]", ids)
	}
}

func TestConcurrentCheckThenWrite(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Simulate concurrent registration of the same unique name with
	// the application-layer check-then-write pattern. Exactly one
	// writer must succeed.
	const writers = 8
	var successes, conflicts int
	var mu sync.Mutex
	var group sync.WaitGroup

	for worker := 0; worker < writers; worker++ {
		group.Add(1)
		go func(worker int) {
			defer group.Done()
			err := db.Update(ctx, func(tx *Tx) error {
				var existing widget
				err := tx.Lookup("widget", "name", "contested", &existing)
				if err == nil {
					return ErrIndexConflict
				}
				if !errors.Is(err, ErrNotFound) {
					return err
				}
				return tx.Put(&widget{ID: uint64(worker + 1), Name: "contested"})
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrIndexConflict):
				conflicts++
			default:
				t.Errorf("worker %d: unexpected error %v", worker, err)
			}
		}(worker)
	}
	group.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if conflicts != writers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, writers-1)
	}
}
