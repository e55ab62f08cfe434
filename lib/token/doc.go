// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Package token implements the signed-token wire format shared by all
// serpent-os infrastructure services (Summit, Avalanche, Vessel).
//
// # Wire format
//
// A token is a three-segment dot-delimited string, each segment
// URL-safe base64 without padding:
//
//	base64url(header JSON) "." base64url(payload JSON) "." base64url(signature)
//
// The header is constant: {"alg":"EdDSA","typ":"JWT"}. Exactly one
// algorithm and one token type are supported; anything else is
// rejected at decode time. The signature is a raw 64-byte Ed25519
// detached signature computed over the first two segments joined by
// their separator. Verification always runs over the exact bytes
// received on the wire, never a re-serialization, so canonicalization
// differences between JSON encoders cannot break it.
//
// # Phases
//
// Decode and Verify are deliberately independent: Decode checks only
// structure (segment count, header contents, base64 validity) and
// retains the signed byte range; Verify checks only the signature.
// Temporal validity (the exp claim) and claim semantics are checked
// separately by the access resolver. A token can therefore decode
// successfully, verify successfully, and still be expired.
//
// # Purposes
//
// The pur claim distinguishes the two token classes: short-lived API
// tokens (purpose "authentication", on the order of one hour) used
// for single sessions, and long-lived bearer tokens (purpose
// "authorization", on the order of one week) exchanged between
// service instances during pairing.
package token
