// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package keymanager

import (
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/serpent-os/moss-service/lib/clock"
	"github.com/serpent-os/moss-service/lib/token"
)

func newTestManager(t *testing.T, stateDir string) *Manager {
	t.Helper()
	manager, err := New(Config{
		StateDir: stateDir,
		Clock:    clock.Fake(time.Unix(1_700_000_000, 0)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestNew_FirstRunCreatesKeyFiles(t *testing.T) {
	stateDir := t.TempDir()
	manager := newTestManager(t, stateDir)

	for _, fixture := range []struct {
		name string
		size int
		perm os.FileMode
	}{
		{seedFile, ed25519.SeedSize, 0600},
		{publicKeyFile, ed25519.PublicKeySize, 0644},
		{privateKeyFile, ed25519.PrivateKeySize, 0600},
	} {
		info, err := os.Stat(filepath.Join(stateDir, fixture.name))
		if err != nil {
			t.Fatalf("stat %s: %v", fixture.name, err)
		}
		if info.Size() != int64(fixture.size) {
			t.Errorf("%s size = %d, want %d", fixture.name, info.Size(), fixture.size)
		}
		if mode := info.Mode().Perm(); mode != fixture.perm {
			t.Errorf("%s permissions = %o, want %o", fixture.name, mode, fixture.perm)
		}
	}

	if manager.PublicKey() == "" {
		t.Error("PublicKey is empty")
	}
	if manager.Fingerprint() == "" {
		t.Error("Fingerprint is empty")
	}
}

func TestNew_PublicKeyStableAcrossRestarts(t *testing.T) {
	stateDir := t.TempDir()

	first, err := New(Config{StateDir: stateDir})
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	publicKey := first.PublicKey()
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := newTestManager(t, stateDir)
	if second.PublicKey() != publicKey {
		t.Errorf("public key changed across restart: %q then %q", publicKey, second.PublicKey())
	}
}

func TestNew_CorruptSeed(t *testing.T) {
	stateDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stateDir, seedFile), []byte("short"), 0600); err != nil {
		t.Fatalf("writing seed: %v", err)
	}

	_, err := New(Config{StateDir: stateDir})
	if !errors.Is(err, ErrCorruptKeyMaterial) {
		t.Errorf("New with truncated seed: error = %v, want ErrCorruptKeyMaterial", err)
	}
}

func TestNew_PartialKeypairIsCorrupt(t *testing.T) {
	stateDir := t.TempDir()
	manager := newTestManager(t, stateDir)
	_ = manager.Close()

	// Remove one half; the survivor must not be silently replaced.
	if err := os.Remove(filepath.Join(stateDir, privateKeyFile)); err != nil {
		t.Fatalf("removing private key: %v", err)
	}

	_, err := New(Config{StateDir: stateDir})
	if !errors.Is(err, ErrCorruptKeyMaterial) {
		t.Errorf("New with missing private half: error = %v, want ErrCorruptKeyMaterial", err)
	}
}

func TestNew_TruncatedPrivateKey(t *testing.T) {
	stateDir := t.TempDir()
	manager := newTestManager(t, stateDir)
	_ = manager.Close()

	if err := os.WriteFile(filepath.Join(stateDir, privateKeyFile), []byte("truncated"), 0600); err != nil {
		t.Fatalf("truncating private key: %v", err)
	}

	_, err := New(Config{StateDir: stateDir})
	if !errors.Is(err, ErrCorruptKeyMaterial) {
		t.Errorf("New with truncated private key: error = %v, want ErrCorruptKeyMaterial", err)
	}
}

func TestTokenStamping(t *testing.T) {
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	manager, err := New(Config{StateDir: t.TempDir(), Clock: fake})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer manager.Close()

	claims := token.Payload{Subject: "ikey", Issuer: "summit", AccountID: 7}

	api := manager.NewAPIToken(claims)
	if api.Payload.Purpose != token.PurposeAuthentication {
		t.Errorf("API token purpose = %q, want authentication", api.Payload.Purpose)
	}
	if got, want := api.Payload.Expiry-api.Payload.IssuedAt, int64(APITokenValidity/time.Second); got != want {
		t.Errorf("API token validity = %ds, want %ds", got, want)
	}

	bearer := manager.NewBearerToken(claims)
	if bearer.Payload.Purpose != token.PurposeAuthorization {
		t.Errorf("bearer token purpose = %q, want authorization", bearer.Payload.Purpose)
	}
	if got, want := bearer.Payload.Expiry-bearer.Payload.IssuedAt, int64(BearerTokenValidity/time.Second); got != want {
		t.Errorf("bearer token validity = %ds, want %ds", got, want)
	}
	if bearer.Payload.IssuedAt != fake.Now().Unix() {
		t.Errorf("issued-at = %d, want %d", bearer.Payload.IssuedAt, fake.Now().Unix())
	}
}

func TestVerifyOurs(t *testing.T) {
	ours := newTestManager(t, t.TempDir())
	theirs := newTestManager(t, t.TempDir())

	encoded, err := ours.SignToken(ours.NewAPIToken(token.Payload{Subject: "ikey"}))
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	decoded, err := token.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !ours.VerifyOurs(decoded) {
		t.Error("VerifyOurs on own token = false, want true")
	}
	if theirs.VerifyOurs(decoded) {
		t.Error("VerifyOurs on another instance's token = true, want false")
	}
	if !theirs.VerifyToken(decoded, ours.PublicKeyBytes()) {
		t.Error("VerifyToken against issuing key = false, want true")
	}
}

func TestSignToken_Concurrent(t *testing.T) {
	manager := newTestManager(t, t.TempDir())

	var group sync.WaitGroup
	for worker := 0; worker < 16; worker++ {
		group.Add(1)
		go func() {
			defer group.Done()
			for iteration := 0; iteration < 25; iteration++ {
				encoded, err := manager.SignToken(manager.NewAPIToken(token.Payload{Subject: "ikey"}))
				if err != nil {
					t.Errorf("SignToken: %v", err)
					return
				}
				decoded, err := token.Decode(encoded)
				if err != nil {
					t.Errorf("Decode: %v", err)
					return
				}
				if !manager.VerifyOurs(decoded) {
					t.Error("VerifyOurs = false under concurrency")
					return
				}
			}
		}()
	}
	group.Wait()
}
