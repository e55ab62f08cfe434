// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/serpent-os/moss-service/lib/kvstore"
)

// Errors returned by store operations.
var (
	ErrInvalidIdentity    = errors.New("identity: username uses a reserved form")
	ErrAlreadyExists      = errors.New("identity: record already exists")
	ErrNotFound           = errors.New("identity: record not found")
	ErrInvalidArgument    = errors.New("identity: invalid argument")
	ErrInvalidCredentials = errors.New("identity: invalid username or password")
)

// Store provides account, credential, group, and bearer-token
// operations over the record store. Safe for concurrent use.
type Store struct {
	db     *kvstore.DB
	logger *slog.Logger
}

// NewStore registers the identity models and returns a store.
func NewStore(db *kvstore.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := registerModels(db); err != nil {
		return nil, fmt.Errorf("identity: registering models: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// RegisterUser creates a standard account with a hashed credential.
// The username must not use the reserved service prefix and must be
// unique across all accounts regardless of kind. Account and
// credential are written in one transaction.
func (s *Store) RegisterUser(ctx context.Context, username, password, email string) (Account, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Account{}, fmt.Errorf("%w: empty username", ErrInvalidArgument)
	}
	if password == "" {
		return Account{}, fmt.Errorf("%w: empty password", ErrInvalidArgument)
	}
	if strings.HasPrefix(username, ServiceAccountPrefix) {
		return Account{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, username)
	}

	// Hash outside the transaction; the KDF is deliberately slow
	// and must not hold a write lock.
	hashed, err := hashPassword(password)
	if err != nil {
		return Account{}, err
	}

	var account Account
	err = s.db.Update(ctx, func(tx *kvstore.Tx) error {
		if err := usernameFree(tx, username); err != nil {
			return err
		}

		id, err := tx.NextID("account")
		if err != nil {
			return err
		}
		account = Account{
			ID:       id,
			Username: username,
			Email:    email,
			Kind:     Standard,
		}
		if err := tx.Put(&account); err != nil {
			return err
		}
		return tx.Put(&Credential{AccountID: id, HashedPassword: hashed})
	})
	if err != nil {
		return Account{}, err
	}

	s.logger.Info("account registered", "username", username, "id", account.ID)
	return account, nil
}

// RegisterService creates a service account for a peer instance. The
// username must carry the reserved prefix. No credential is created;
// service accounts authenticate only via issued tokens.
func (s *Store) RegisterService(ctx context.Context, username, email string) (Account, error) {
	username = strings.TrimSpace(username)
	if !strings.HasPrefix(username, ServiceAccountPrefix) {
		return Account{}, fmt.Errorf("%w: %q lacks the service prefix", ErrInvalidIdentity, username)
	}
	if username == ServiceAccountPrefix {
		return Account{}, fmt.Errorf("%w: empty service name", ErrInvalidArgument)
	}

	var account Account
	err := s.db.Update(ctx, func(tx *kvstore.Tx) error {
		if err := usernameFree(tx, username); err != nil {
			return err
		}

		id, err := tx.NextID("account")
		if err != nil {
			return err
		}
		account = Account{
			ID:       id,
			Username: username,
			Email:    email,
			Kind:     Service,
		}
		return tx.Put(&account)
	})
	if err != nil {
		return Account{}, err
	}

	s.logger.Info("service account registered", "username", username, "id", account.ID)
	return account, nil
}

// AuthenticateUser verifies a username/password pair. The result
// never distinguishes an unknown username from a wrong password, and
// non-standard account kinds always fail even when a stray credential
// record exists for them.
func (s *Store) AuthenticateUser(ctx context.Context, username, password string) (Account, error) {
	var account Account
	var credential Credential

	err := s.db.View(ctx, func(tx *kvstore.Tx) error {
		if err := tx.Lookup("account", "username", username, &account); err != nil {
			return err
		}
		return tx.Get("credential", kvstore.KeyUint64(account.ID), &credential)
	})
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			burnHash(password)
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, err
	}

	if account.Kind != Standard {
		burnHash(password)
		return Account{}, ErrInvalidCredentials
	}

	match, err := verifyPassword(credential.HashedPassword, password)
	if err != nil {
		// A corrupt stored hash is an operational problem, but to
		// the caller it is still just a failed authentication.
		s.logger.Error("credential verification error", "username", username, "error", err)
		return Account{}, ErrInvalidCredentials
	}
	if !match {
		return Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// AccountByID loads an account by identifier.
func (s *Store) AccountByID(ctx context.Context, id uint64) (Account, error) {
	var account Account
	err := s.db.View(ctx, func(tx *kvstore.Tx) error {
		return tx.Get("account", kvstore.KeyUint64(id), &account)
	})
	return account, translateNotFound(err)
}

// AccountByUsername loads an account through the username index.
func (s *Store) AccountByUsername(ctx context.Context, username string) (Account, error) {
	var account Account
	err := s.db.View(ctx, func(tx *kvstore.Tx) error {
		return tx.Lookup("account", "username", username, &account)
	})
	return account, translateNotFound(err)
}

// SetBearerToken overwrites the account's single active bearer token.
// The account must already exist.
func (s *Store) SetBearerToken(ctx context.Context, accountID uint64, raw string, expiry time.Time) error {
	err := s.db.Update(ctx, func(tx *kvstore.Tx) error {
		var account Account
		if err := tx.Get("account", kvstore.KeyUint64(accountID), &account); err != nil {
			return err
		}
		return tx.Put(&BearerToken{
			AccountID: accountID,
			Raw:       raw,
			Expiry:    expiry.UTC().Unix(),
		})
	})
	return translateNotFound(err)
}

// BearerTokenFor returns the account's current bearer token record.
func (s *Store) BearerTokenFor(ctx context.Context, accountID uint64) (BearerToken, error) {
	var bearer BearerToken
	err := s.db.View(ctx, func(tx *kvstore.Tx) error {
		return tx.Get("bearer-token", kvstore.KeyUint64(accountID), &bearer)
	})
	return bearer, translateNotFound(err)
}

// GetGroup loads a group by slug.
func (s *Store) GetGroup(ctx context.Context, slug string) (Group, error) {
	var group Group
	err := s.db.View(ctx, func(tx *kvstore.Tx) error {
		return tx.Lookup("group", "slug", slug, &group)
	})
	return group, translateNotFound(err)
}

// CreateGroup creates a new group. Slug and name are trimmed and must
// be non-empty; the slug must be unique.
func (s *Store) CreateGroup(ctx context.Context, slug, name string) (Group, error) {
	slug = strings.TrimSpace(slug)
	name = strings.TrimSpace(name)
	if slug == "" {
		return Group{}, fmt.Errorf("%w: empty group slug", ErrInvalidArgument)
	}
	if name == "" {
		return Group{}, fmt.Errorf("%w: empty group name", ErrInvalidArgument)
	}

	var group Group
	err := s.db.Update(ctx, func(tx *kvstore.Tx) error {
		var existing Group
		err := tx.Lookup("group", "slug", slug, &existing)
		if err == nil {
			return fmt.Errorf("%w: group %q", ErrAlreadyExists, slug)
		}
		if !errors.Is(err, kvstore.ErrNotFound) {
			return err
		}

		id, err := tx.NextID("group")
		if err != nil {
			return err
		}
		group = Group{ID: id, Slug: slug, Name: name}
		return tx.Put(&group)
	})
	if err != nil {
		return Group{}, err
	}

	s.logger.Info("group created", "slug", slug, "id", group.ID)
	return group, nil
}

// EnsureGroup returns the group with the given slug, creating it if
// absent. Losing a creation race to another instance thread is fine;
// the winner's group is returned.
func (s *Store) EnsureGroup(ctx context.Context, slug, name string) (Group, error) {
	group, err := s.GetGroup(ctx, slug)
	if err == nil {
		return group, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Group{}, err
	}

	group, err = s.CreateGroup(ctx, slug, name)
	if errors.Is(err, ErrAlreadyExists) {
		return s.GetGroup(ctx, slug)
	}
	return group, err
}

// EnsureBuiltinGroups guarantees the built-in groups exist. Called at
// every startup; idempotent.
func (s *Store) EnsureBuiltinGroups(ctx context.Context) error {
	builtins := []struct{ slug, name string }{
		{GroupUsers, "Users"},
		{GroupAdmin, "Administrators"},
	}
	for _, builtin := range builtins {
		if _, err := s.EnsureGroup(ctx, builtin.slug, builtin.name); err != nil {
			return fmt.Errorf("identity: ensuring group %q: %w", builtin.slug, err)
		}
	}
	return nil
}

// AccountInGroup reports whether the account belongs to the group.
// Both the group and the account must exist.
func (s *Store) AccountInGroup(ctx context.Context, accountID uint64, slug string) (bool, error) {
	var member bool
	err := s.db.View(ctx, func(tx *kvstore.Tx) error {
		var group Group
		if err := tx.Lookup("group", "slug", slug, &group); err != nil {
			return err
		}
		var account Account
		if err := tx.Get("account", kvstore.KeyUint64(accountID), &account); err != nil {
			return err
		}
		member = slices.Contains(group.Members, accountID)
		return nil
	})
	return member, translateNotFound(err)
}

// IsAdmin reports membership of the built-in admin group. Used when
// stamping the admin claim on issued tokens.
func (s *Store) IsAdmin(ctx context.Context, accountID uint64) (bool, error) {
	return s.AccountInGroup(ctx, accountID, GroupAdmin)
}

// AddAccountToGroups adds the account to each named group. Each slug
// is one transaction updating both sides of the membership relation.
// Processing stops at the first failing slug; groups already updated
// are not rolled back.
func (s *Store) AddAccountToGroups(ctx context.Context, accountID uint64, slugs []string) error {
	for _, slug := range slugs {
		if err := s.mutateMembership(ctx, accountID, slug, addMember); err != nil {
			return fmt.Errorf("identity: adding account %d to group %q: %w", accountID, slug, err)
		}
	}
	return nil
}

// RemoveAccountFromGroups removes the account from each named group,
// with the same per-slug transaction and stop-at-first-failure
// semantics as AddAccountToGroups.
func (s *Store) RemoveAccountFromGroups(ctx context.Context, accountID uint64, slugs []string) error {
	for _, slug := range slugs {
		if err := s.mutateMembership(ctx, accountID, slug, removeMember); err != nil {
			return fmt.Errorf("identity: removing account %d from group %q: %w", accountID, slug, err)
		}
	}
	return nil
}

type membershipOp int

const (
	addMember membershipOp = iota
	removeMember
)

// mutateMembership updates one group/account pair symmetrically: the
// group's member set and the account's group set are written together
// or not at all. Both sets come out deduplicated and sorted.
func (s *Store) mutateMembership(ctx context.Context, accountID uint64, slug string, op membershipOp) error {
	err := s.db.Update(ctx, func(tx *kvstore.Tx) error {
		var group Group
		if err := tx.Lookup("group", "slug", slug, &group); err != nil {
			return err
		}
		var account Account
		if err := tx.Get("account", kvstore.KeyUint64(accountID), &account); err != nil {
			return err
		}

		switch op {
		case addMember:
			group.Members = insertSorted(group.Members, accountID)
			account.Groups = insertSorted(account.Groups, group.ID)
		case removeMember:
			group.Members = removeValue(group.Members, accountID)
			account.Groups = removeValue(account.Groups, group.ID)
		}

		if err := tx.Put(&group); err != nil {
			return err
		}
		return tx.Put(&account)
	})
	return translateNotFound(err)
}

// insertSorted returns the set with value present exactly once, in
// ascending order. Idempotent.
func insertSorted(set []uint64, value uint64) []uint64 {
	if slices.Contains(set, value) {
		set = slices.Clone(set)
	} else {
		set = append(slices.Clone(set), value)
	}
	slices.Sort(set)
	return slices.Compact(set)
}

// removeValue returns the set without value, deduplicated and sorted.
func removeValue(set []uint64, value uint64) []uint64 {
	result := make([]uint64, 0, len(set))
	for _, element := range set {
		if element != value {
			result = append(result, element)
		}
	}
	slices.Sort(result)
	return slices.Compact(result)
}

// usernameFree fails with ErrAlreadyExists when the username is
// taken. Must run inside the registration's write transaction.
func usernameFree(tx *kvstore.Tx, username string) error {
	var existing Account
	err := tx.Lookup("account", "username", username, &existing)
	if err == nil {
		return fmt.Errorf("%w: username %q", ErrAlreadyExists, username)
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return err
	}
	return nil
}

// translateNotFound maps the store's not-found to this package's
// sentinel so callers match one error regardless of layer.
func translateNotFound(err error) error {
	if errors.Is(err, kvstore.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
