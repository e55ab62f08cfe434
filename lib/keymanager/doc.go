// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Package keymanager owns the one Ed25519 signing key pair of a
// running service instance.
//
// # Key material on disk
//
// Three fixed-length files live in a private state directory:
//
//	seed             32 bytes, random, 0600
//	ed25519.public   32 bytes, 0644
//	ed25519.private  64 bytes, 0600
//
// On construction the manager loads the seed if present, otherwise
// generates and persists a fresh one. It then loads the key pair if
// both halves are present and well-formed, otherwise derives the pair
// deterministically from the seed and persists both halves. Partial
// presence or a wrong file length is treated as corruption and fails
// construction; an instance must never run with an unverifiable
// identity, and must never silently regenerate over existing files.
//
// # Memory protection
//
// The private key is held in an mlock-backed secret buffer from the
// moment the pair is established until Close, so it is never swapped
// to disk or written to core dumps. All sign and verify calls are
// serialized by a single mutex; the key material is only ever touched
// under that lock.
//
// # Ownership
//
// One manager owns one state directory for the process lifetime.
// First-run initialization is not safe against multiple processes
// racing on the same directory; deployment gives each instance its
// own.
package keymanager
