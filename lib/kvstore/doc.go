// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Package kvstore is the transactional record store backing the
// identity core.
//
// Records are typed Go values serialized with the canonical CBOR
// codec and stored under a (model, key) pair, with optional unique
// secondary indexes (username, group slug). The storage engine is a
// SQLite connection pool with the project-standard pragmas; callers
// see only transactions over typed records:
//
//	err := db.Update(ctx, func(tx *kvstore.Tx) error {
//	    var account Account
//	    if err := tx.Lookup("account", "username", name, &account); err != nil {
//	        return err
//	    }
//	    account.Email = email
//	    return tx.Put(&account)
//	})
//
// View runs a read-only snapshot transaction; Update runs a single
// IMMEDIATE write transaction that commits if the callback returns
// nil and rolls back otherwise. Check-then-write sequences inside one
// Update callback are atomic with respect to every other Update:
// concurrent registrations of the same username cannot both succeed.
//
// Models must be registered before use. Registration is idempotent:
// repeated registration of the same model with the same indexes is a
// no-op, so every startup can register unconditionally.
package kvstore
