// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package keymanager

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/serpent-os/moss-service/lib/clock"
	"github.com/serpent-os/moss-service/lib/secret"
	"github.com/serpent-os/moss-service/lib/token"
)

const (
	seedFile       = "seed"
	publicKeyFile  = "ed25519.public"
	privateKeyFile = "ed25519.private"
)

// Token validity windows. API tokens authenticate a single session;
// bearer tokens carry trust between instances across restarts.
const (
	APITokenValidity    = time.Hour
	BearerTokenValidity = 7 * 24 * time.Hour
)

// ErrCorruptKeyMaterial indicates on-disk key or seed files of the
// wrong length, or a key pair with only one half present. Fatal to
// construction: regenerating over existing material would silently
// change the instance's identity.
var ErrCorruptKeyMaterial = errors.New("keymanager: corrupt key material in state directory")

// Config configures a Manager.
type Config struct {
	// StateDir is the private directory holding the seed and key
	// files. Created with 0700 if missing. Required.
	StateDir string

	// Clock stamps issued-at and expiry claims. Defaults to the
	// real clock.
	Clock clock.Clock

	// Logger receives key lifecycle messages. If nil, a no-op
	// logger is used.
	Logger *slog.Logger
}

// Manager holds the instance's Ed25519 key pair. The private half
// lives in swap-locked memory until Close. All cryptographic
// operations are serialized by one mutex.
type Manager struct {
	mu        sync.Mutex
	publicKey ed25519.PublicKey
	private   *secret.Buffer
	clock     clock.Clock
	logger    *slog.Logger
}

// New establishes the instance key pair from the state directory,
// generating seed and keys on first run. See the package comment for
// the exact load/generate/corrupt rules.
func New(cfg Config) (*Manager, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("keymanager: StateDir is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(cfg.StateDir, 0700); err != nil {
		return nil, fmt.Errorf("keymanager: creating state directory: %w", err)
	}

	seed, generatedSeed, err := loadOrGenerateSeed(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	// The seed is only needed for derivation; zero it before
	// returning on every path.
	defer zero(seed)

	publicKey, privateKey, generatedKeys, err := loadOrDeriveKeypair(cfg.StateDir, seed)
	if err != nil {
		return nil, err
	}

	// Move the private key into locked memory. NewFromBytes zeroes
	// the heap copy.
	privateBuffer, err := secret.NewFromBytes(privateKey)
	if err != nil {
		return nil, fmt.Errorf("keymanager: protecting private key: %w", err)
	}

	if generatedSeed || generatedKeys {
		logger.Info("generated instance signing key",
			"state_dir", cfg.StateDir,
			"public_key", base64.RawURLEncoding.EncodeToString(publicKey),
		)
	}

	return &Manager{
		publicKey: publicKey,
		private:   privateBuffer,
		clock:     clk,
		logger:    logger,
	}, nil
}

// loadOrGenerateSeed returns the persisted random seed, creating and
// persisting a fresh one when the file does not exist. Reports
// whether the seed was newly generated.
func loadOrGenerateSeed(stateDir string) ([]byte, bool, error) {
	path := filepath.Join(stateDir, seedFile)

	seed, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(seed) != ed25519.SeedSize {
			return nil, false, fmt.Errorf("%w: seed has %d bytes, want %d",
				ErrCorruptKeyMaterial, len(seed), ed25519.SeedSize)
		}
		return seed, false, nil
	case os.IsNotExist(err):
		// First run.
	default:
		return nil, false, fmt.Errorf("keymanager: reading seed: %w", err)
	}

	seed = make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, false, fmt.Errorf("keymanager: generating seed: %w", err)
	}
	if err := os.WriteFile(path, seed, 0600); err != nil {
		return nil, false, fmt.Errorf("keymanager: writing seed: %w", err)
	}
	return seed, true, nil
}

// loadOrDeriveKeypair loads both key halves when both files exist,
// derives the pair from the seed when both are missing, and treats
// every other combination as corruption.
func loadOrDeriveKeypair(stateDir string, seed []byte) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	publicPath := filepath.Join(stateDir, publicKeyFile)
	privatePath := filepath.Join(stateDir, privateKeyFile)

	publicBytes, publicErr := os.ReadFile(publicPath)
	privateBytes, privateErr := os.ReadFile(privatePath)

	switch {
	case publicErr == nil && privateErr == nil:
		if len(publicBytes) != ed25519.PublicKeySize {
			return nil, nil, false, fmt.Errorf("%w: public key has %d bytes, want %d",
				ErrCorruptKeyMaterial, len(publicBytes), ed25519.PublicKeySize)
		}
		if len(privateBytes) != ed25519.PrivateKeySize {
			return nil, nil, false, fmt.Errorf("%w: private key has %d bytes, want %d",
				ErrCorruptKeyMaterial, len(privateBytes), ed25519.PrivateKeySize)
		}
		return ed25519.PublicKey(publicBytes), ed25519.PrivateKey(privateBytes), false, nil

	case os.IsNotExist(publicErr) && os.IsNotExist(privateErr):
		// First run: derive deterministically from the seed.
		privateKey := ed25519.NewKeyFromSeed(seed)
		publicKey := privateKey.Public().(ed25519.PublicKey)

		if err := os.WriteFile(privatePath, privateKey, 0600); err != nil {
			return nil, nil, false, fmt.Errorf("keymanager: writing private key: %w", err)
		}
		if err := os.WriteFile(publicPath, publicKey, 0644); err != nil {
			return nil, nil, false, fmt.Errorf("keymanager: writing public key: %w", err)
		}
		return publicKey, privateKey, true, nil

	case publicErr == nil && os.IsNotExist(privateErr):
		return nil, nil, false, fmt.Errorf("%w: public key present but private key missing", ErrCorruptKeyMaterial)

	case os.IsNotExist(publicErr) && privateErr == nil:
		return nil, nil, false, fmt.Errorf("%w: private key present but public key missing", ErrCorruptKeyMaterial)

	case publicErr != nil && !os.IsNotExist(publicErr):
		return nil, nil, false, fmt.Errorf("keymanager: reading public key: %w", publicErr)

	default:
		return nil, nil, false, fmt.Errorf("keymanager: reading private key: %w", privateErr)
	}
}

// PublicKey returns the base64url-no-pad encoding of the public key.
// This string is the identity the instance presents to peers during
// pairing.
func (m *Manager) PublicKey() string {
	return base64.RawURLEncoding.EncodeToString(m.publicKey)
}

// PublicKeyBytes returns a copy of the raw public key.
func (m *Manager) PublicKeyBytes() ed25519.PublicKey {
	key := make(ed25519.PublicKey, len(m.publicKey))
	copy(key, m.publicKey)
	return key
}

// Fingerprint returns the hex-encoded BLAKE3 digest of the raw public
// key. Shorter-lived than the full key in operator output and logs.
func (m *Manager) Fingerprint() string {
	digest := blake3.Sum256(m.publicKey)
	return hex.EncodeToString(digest[:])
}

// NewAPIToken builds an unsigned short-lived token around the given
// claims, stamping purpose, issued-at, and expiry. Call SignToken to
// produce the wire string.
func (m *Manager) NewAPIToken(payload token.Payload) *token.Token {
	now := m.clock.Now().UTC()
	payload.Purpose = token.PurposeAuthentication
	payload.IssuedAt = now.Unix()
	payload.Expiry = now.Add(APITokenValidity).Unix()
	return token.New(payload)
}

// NewBearerToken builds an unsigned long-lived token around the given
// claims, stamping purpose, issued-at, and expiry.
func (m *Manager) NewBearerToken(payload token.Payload) *token.Token {
	now := m.clock.Now().UTC()
	payload.Purpose = token.PurposeAuthorization
	payload.IssuedAt = now.Unix()
	payload.Expiry = now.Add(BearerTokenValidity).Unix()
	return token.New(payload)
}

// SignToken signs tok with the instance private key and returns the
// encoded wire string. Safe for concurrent use; the key material is
// only touched under the manager's lock.
func (m *Manager) SignToken(tok *token.Token) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tok.Sign(ed25519.PrivateKey(m.private.Bytes()))
}

// VerifyToken checks tok's signature against an arbitrary public key.
func (m *Manager) VerifyToken(tok *token.Token, publicKey ed25519.PublicKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tok.Verify(publicKey)
}

// VerifyOurs reports whether tok was signed by this instance's own
// key. Only locally-issued tokens are honored for local
// authorization; a structurally valid token signed by some other
// instance fails this check.
func (m *Manager) VerifyOurs(tok *token.Token) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tok.Verify(m.publicKey)
}

// Close releases the locked private key memory. The manager must not
// be used afterwards; sign calls will panic. Call exactly once at
// instance shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.private.Close()
}

func zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
