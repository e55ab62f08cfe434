// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Package identity persists accounts, groups, credentials, and bearer
// tokens for a service instance.
//
// # Records
//
// Accounts carry the public identity (username, email, kind, group
// memberships). Credentials live in a separate record keyed by
// account identifier so that a leak of the account listing does not
// expose password hashes. Groups hold member sets mirrored into each
// member account's group set; both sides are updated in the same
// transaction, deduplicated and sorted after every mutation. Bearer
// tokens are the one-per-account persisted remote-access token,
// overwritten on reissue.
//
// # Uniqueness
//
// Username and group-slug uniqueness are enforced with application
// level check-then-write inside a single Update transaction, with the
// store's unique indexes as a backstop. The loser of a concurrent
// registration race observes ErrAlreadyExists.
//
// # Service accounts
//
// Accounts representing peer instances use the reserved "svc/"
// username prefix. They cannot be created through RegisterUser and
// never hold a credential; they authenticate exclusively through
// issued tokens.
//
// # Anti-enumeration
//
// AuthenticateUser reports the same ErrInvalidCredentials for an
// unknown username and a wrong password, and burns a password hash
// verification in both cases so response timing does not reveal
// which.
package identity
