// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Supported header values. The format pins exactly one signature
// algorithm and one token type; agility is a non-goal.
const (
	AlgorithmEdDSA = "EdDSA"
	TypeJWT        = "JWT"
)

// Purpose distinguishes the two token classes. The value travels in
// the pur claim.
type Purpose string

const (
	// PurposeAuthentication marks a short-lived API token used to
	// authenticate a single session or connection.
	PurposeAuthentication Purpose = "authentication"

	// PurposeAuthorization marks a long-lived bearer token used for
	// trust between service instances.
	PurposeAuthorization Purpose = "authorization"
)

// Errors returned by Decode and Sign.
var (
	ErrMalformedFormat      = errors.New("token: input is not a three-segment signed token")
	ErrUnsupportedType      = errors.New("token: unsupported token type")
	ErrUnsupportedAlgorithm = errors.New("token: unsupported signature algorithm")
	ErrBadSignatureEncoding = errors.New("token: signature segment is not valid base64url")
	ErrSigningFailed        = errors.New("token: signing failed")
)

// encoding is the segment encoding: URL-safe base64, no padding.
var encoding = base64.RawURLEncoding

// Header is the fixed first segment of every token.
type Header struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

// Payload carries the token claims. Field names follow the registered
// JWT claim names where one exists.
type Payload struct {
	// Expiry is the UTC expiry timestamp in epoch seconds.
	Expiry int64 `json:"exp"`

	// IssuedAt is the UTC creation timestamp in epoch seconds.
	IssuedAt int64 `json:"iat"`

	// Subject is the username the token was issued to.
	Subject string `json:"sub"`

	// Issuer names the instance that signed the token.
	Issuer string `json:"iss"`

	// Audience names the consumer the token is intended for.
	Audience string `json:"aud"`

	// AccountKind mirrors the account's kind ("standard", "bot",
	// "service") so authorization checks need no store lookup.
	AccountKind string `json:"act"`

	// AccountID is the numeric account identifier.
	AccountID uint64 `json:"uid"`

	// Admin is copied from the account's admin standing at issue
	// time. Trust in this claim derives transitively from trust in
	// the signature.
	Admin bool `json:"admin"`

	// Purpose separates bearer tokens from API tokens.
	Purpose Purpose `json:"pur"`
}

// ExpiredAt reports whether the payload's expiry has passed at the
// given time. The boundary instant itself counts as expired.
func (p *Payload) ExpiredAt(now time.Time) bool {
	return now.Unix() >= p.Expiry
}

// Token is the in-memory form of a signed token. It is constructed
// either locally (New, then Sign) or from the wire (Decode). The
// persisted artifact is always the encoded string.
type Token struct {
	Header    Header
	Payload   Payload
	Signature []byte

	// signed is the exact byte range covered by the signature: the
	// first two wire segments joined by '.'. Decode retains the bytes
	// as received so Verify never depends on re-serialization.
	signed []byte
}

// New builds an unsigned token around the given payload with the one
// supported header.
func New(payload Payload) *Token {
	return &Token{
		Header:  Header{Algorithm: AlgorithmEdDSA, Type: TypeJWT},
		Payload: payload,
	}
}

// Sign encodes the header and payload, signs the joined segments with
// the given Ed25519 private key, and returns the full three-segment
// wire string. The token retains the signature and signed range, so a
// subsequent Verify against the matching public key succeeds.
//
// Returns ErrSigningFailed only on primitive-level failure (a key of
// the wrong length). That should be unreachable with keys produced by
// the key manager, but it is reported rather than panicking: token
// signing runs on request paths where an abort is not acceptable.
func (t *Token) Sign(secretKey ed25519.PrivateKey) (string, error) {
	if len(secretKey) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("%w: private key has %d bytes, want %d",
			ErrSigningFailed, len(secretKey), ed25519.PrivateKeySize)
	}

	headerJSON, err := json.Marshal(t.Header)
	if err != nil {
		return "", fmt.Errorf("%w: encoding header: %v", ErrSigningFailed, err)
	}
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: encoding payload: %v", ErrSigningFailed, err)
	}

	signed := encoding.EncodeToString(headerJSON) + "." + encoding.EncodeToString(payloadJSON)
	t.signed = []byte(signed)
	t.Signature = ed25519.Sign(secretKey, t.signed)

	return signed + "." + encoding.EncodeToString(t.Signature), nil
}

// Verify checks the Ed25519 signature over the retained signed byte
// range. It performs no time or claim validation; expiry, purpose,
// and issuer checks belong to the caller. Returns false for a token
// that has never been signed or decoded.
func (t *Token) Verify(publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(t.signed) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, t.signed, t.Signature)
}

// Decode parses a wire-format token string. It validates structure
// only: three non-empty segments, the one supported header, decodable
// base64. The signature is not checked; call Verify for that.
func Decode(input string) (*Token, error) {
	segments := strings.Split(input, ".")
	if len(segments) != 3 {
		return nil, fmt.Errorf("%w: got %d segments", ErrMalformedFormat, len(segments))
	}
	for _, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("%w: empty segment", ErrMalformedFormat)
		}
	}

	headerJSON, err := encoding.DecodeString(segments[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header segment: %v", ErrMalformedFormat, err)
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: header JSON: %v", ErrMalformedFormat, err)
	}
	if header.Type != TypeJWT {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, header.Type)
	}
	if header.Algorithm != AlgorithmEdDSA {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, header.Algorithm)
	}

	payloadJSON, err := encoding.DecodeString(segments[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload segment: %v", ErrMalformedFormat, err)
	}
	var payload Payload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload JSON: %v", ErrMalformedFormat, err)
	}

	signature, err := encoding.DecodeString(segments[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignatureEncoding, err)
	}

	// Retain the signed range exactly as received. The split above
	// guarantees input[:signedLength] is segment0 '.' segment1.
	signedLength := len(segments[0]) + 1 + len(segments[1])

	return &Token{
		Header:    header,
		Payload:   payload,
		Signature: signature,
		signed:    []byte(input[:signedLength]),
	}, nil
}
