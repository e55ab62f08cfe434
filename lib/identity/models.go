// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package identity

import (
	"github.com/serpent-os/moss-service/lib/kvstore"
)

// ServiceAccountPrefix is reserved for accounts that represent peer
// service instances. RegisterUser rejects it; RegisterService
// requires it.
const ServiceAccountPrefix = "svc/"

// Built-in groups guaranteed to exist after EnsureBuiltinGroups.
const (
	GroupUsers = "users"
	GroupAdmin = "admin"
)

// AccountKind classifies an account.
type AccountKind uint8

const (
	// Standard is a human account with password authentication.
	Standard AccountKind = iota

	// Bot is an automation account acting within one instance.
	Bot

	// Service represents a peer service instance. Authenticates
	// only via issued tokens.
	Service
)

// String returns the kind as it appears in token act claims.
func (k AccountKind) String() string {
	switch k {
	case Standard:
		return "standard"
	case Bot:
		return "bot"
	case Service:
		return "service"
	default:
		return "unknown"
	}
}

// Account is the public identity record. The identifier is assigned
// at registration and immutable afterwards.
type Account struct {
	ID       uint64      `cbor:"1,keyasint"`
	Username string      `cbor:"2,keyasint"`
	Email    string      `cbor:"3,keyasint,omitempty"`
	Kind     AccountKind `cbor:"4,keyasint"`

	// Groups holds the identifiers of every group the account
	// belongs to. Kept deduplicated and sorted, mirrored by the
	// group's member set.
	Groups []uint64 `cbor:"5,keyasint,omitempty"`
}

func (a *Account) Model() string { return "account" }
func (a *Account) Key() []byte   { return kvstore.KeyUint64(a.ID) }
func (a *Account) Indexes() map[string]string {
	return map[string]string{"username": a.Username}
}

// Credential stores the password hash for one account, in a record
// separate from the account itself.
type Credential struct {
	AccountID      uint64 `cbor:"1,keyasint"`
	HashedPassword string `cbor:"2,keyasint"`
}

func (c *Credential) Model() string            { return "credential" }
func (c *Credential) Key() []byte              { return kvstore.KeyUint64(c.AccountID) }
func (c *Credential) Indexes() map[string]string { return nil }

// Group is a named collection of accounts.
type Group struct {
	ID   uint64 `cbor:"1,keyasint"`
	Slug string `cbor:"2,keyasint"`
	Name string `cbor:"3,keyasint"`

	// Members holds member account identifiers, deduplicated and
	// sorted.
	Members []uint64 `cbor:"4,keyasint,omitempty"`
}

func (g *Group) Model() string { return "group" }
func (g *Group) Key() []byte   { return kvstore.KeyUint64(g.ID) }
func (g *Group) Indexes() map[string]string {
	return map[string]string{"slug": g.Slug}
}

// BearerToken is the persisted long-lived remote-access token for one
// account. One active token per account; reissue overwrites.
type BearerToken struct {
	AccountID uint64 `cbor:"1,keyasint"`

	// Raw is the encoded signed token string.
	Raw string `cbor:"2,keyasint"`

	// Expiry is the UTC expiry in epoch seconds. Redundant with the
	// token's own exp claim; kept for pre-checks without a decode.
	Expiry int64 `cbor:"3,keyasint"`
}

func (b *BearerToken) Model() string              { return "bearer-token" }
func (b *BearerToken) Key() []byte                { return kvstore.KeyUint64(b.AccountID) }
func (b *BearerToken) Indexes() map[string]string { return nil }

// registerModels declares every identity model with the store.
// Idempotent; called from NewStore.
func registerModels(db *kvstore.DB) error {
	if err := db.Register("account", "username"); err != nil {
		return err
	}
	if err := db.Register("credential"); err != nil {
		return err
	}
	if err := db.Register("group", "slug"); err != nil {
		return err
	}
	return db.Register("bearer-token")
}
