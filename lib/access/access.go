// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Package access turns an inbound connection into an immutable set of
// authorization facts.
//
// Resolution extracts a candidate token from the Authorization header
// (API class) or the server-side session (web class), decodes it,
// requires it to be signed by this instance's own key, and derives a
// fact bitmask from the validated claims. Tokens signed by any other
// instance are rejected outright; tokens are not globally valid, and
// only locally-issued ones are honored for local authorization.
//
// The resulting Authentication exposes read-only predicates which are
// the sole authorization primitive consumed by route guards:
//
//	guard := access.Guard{access.NotExpired, access.API, access.ServiceAccount, access.AccessToken}
//	if err := guard.Check(auth); err != nil { ... }
//
// Expiry is a fact like any other: a structurally valid, correctly
// signed token whose exp claim has passed resolves successfully with
// the expired fact set, and guards reject it via NotExpired.
package access

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/serpent-os/moss-service/lib/clock"
	"github.com/serpent-os/moss-service/lib/keymanager"
	"github.com/serpent-os/moss-service/lib/token"
)

// Errors returned by Resolve and Guard.Check.
var (
	ErrMissingCredential   = errors.New("access: no credential presented")
	ErrMalformedCredential = errors.New("access: credential is not a valid token")
	ErrUntrustedCredential = errors.New("access: credential was not issued by this instance")
	ErrForbidden           = errors.New("access: forbidden")
)

// Flag is one derived authorization fact.
type Flag uint16

const (
	// FlagBearerToken: the token's purpose claim is authorization.
	FlagBearerToken Flag = 1 << iota

	// FlagAccessToken: the purpose claim is authentication.
	FlagAccessToken

	// FlagWeb: the credential came from a server-side session.
	FlagWeb

	// FlagAPI: the credential came from the Authorization header.
	FlagAPI

	// FlagServiceAccount, FlagBotAccount, FlagUserAccount mirror the
	// act claim.
	FlagServiceAccount
	FlagBotAccount
	FlagUserAccount

	// FlagExpired: the exp claim is in the past at resolution time.
	FlagExpired

	// FlagAdmin is copied verbatim from the admin claim; trust in it
	// derives transitively from trust in the signature.
	FlagAdmin
)

// Connection carries the two credential sources of one inbound
// request.
type Connection struct {
	// AuthorizationHeader is the raw Authorization header value,
	// expected as "Bearer <token>".
	AuthorizationHeader string

	// SessionToken is the token held in the server-side session, if
	// the request belongs to a web session.
	SessionToken string
}

// FromRequest builds a Connection from an HTTP request and the
// session-held token (empty when no session exists).
func FromRequest(request *http.Request, sessionToken string) Connection {
	return Connection{
		AuthorizationHeader: request.Header.Get("Authorization"),
		SessionToken:        sessionToken,
	}
}

// Authentication is the immutable fact set for one resolved
// connection.
type Authentication struct {
	flags   Flag
	payload token.Payload
}

// Resolve derives the authorization facts for one connection.
func Resolve(manager *keymanager.Manager, clk clock.Clock, conn Connection) (Authentication, error) {
	candidate, classFlag, err := extractCandidate(conn)
	if err != nil {
		return Authentication{}, err
	}

	decoded, err := token.Decode(candidate)
	if err != nil {
		return Authentication{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	if !manager.VerifyOurs(decoded) {
		return Authentication{}, ErrUntrustedCredential
	}

	flags := classFlag
	switch decoded.Payload.Purpose {
	case token.PurposeAuthorization:
		flags |= FlagBearerToken
	case token.PurposeAuthentication:
		flags |= FlagAccessToken
	}
	switch decoded.Payload.AccountKind {
	case "service":
		flags |= FlagServiceAccount
	case "bot":
		flags |= FlagBotAccount
	default:
		flags |= FlagUserAccount
	}
	if decoded.Payload.ExpiredAt(clk.Now()) {
		flags |= FlagExpired
	}
	if decoded.Payload.Admin {
		flags |= FlagAdmin
	}

	return Authentication{flags: flags, payload: decoded.Payload}, nil
}

// extractCandidate picks the token string and connection class. The
// Authorization header wins over a session token when both are
// present.
func extractCandidate(conn Connection) (string, Flag, error) {
	if conn.AuthorizationHeader != "" {
		candidate, ok := strings.CutPrefix(conn.AuthorizationHeader, "Bearer ")
		if !ok || candidate == "" {
			return "", 0, fmt.Errorf("%w: Authorization header is not a Bearer credential", ErrMalformedCredential)
		}
		return candidate, FlagAPI, nil
	}
	if conn.SessionToken != "" {
		return conn.SessionToken, FlagWeb, nil
	}
	return "", 0, ErrMissingCredential
}

// Payload returns the validated token claims.
func (a Authentication) Payload() token.Payload { return a.payload }

// Fact predicates.
func (a Authentication) IsBearerToken() bool    { return a.flags&FlagBearerToken != 0 }
func (a Authentication) IsAccessToken() bool    { return a.flags&FlagAccessToken != 0 }
func (a Authentication) IsWeb() bool            { return a.flags&FlagWeb != 0 }
func (a Authentication) IsAPI() bool            { return a.flags&FlagAPI != 0 }
func (a Authentication) IsServiceAccount() bool { return a.flags&FlagServiceAccount != 0 }
func (a Authentication) IsBotAccount() bool     { return a.flags&FlagBotAccount != 0 }
func (a Authentication) IsUserAccount() bool    { return a.flags&FlagUserAccount != 0 }
func (a Authentication) IsExpired() bool        { return a.flags&FlagExpired != 0 }
func (a Authentication) IsAdmin() bool          { return a.flags&FlagAdmin != 0 }

// Rule is one boolean requirement over a resolved connection.
type Rule func(Authentication) bool

// Named rules for guard composition.
func NotExpired(a Authentication) bool     { return !a.IsExpired() }
func API(a Authentication) bool            { return a.IsAPI() }
func Web(a Authentication) bool            { return a.IsWeb() }
func AccessToken(a Authentication) bool    { return a.IsAccessToken() }
func BearerToken(a Authentication) bool    { return a.IsBearerToken() }
func ServiceAccount(a Authentication) bool { return a.IsServiceAccount() }
func UserAccount(a Authentication) bool    { return a.IsUserAccount() }
func Admin(a Authentication) bool          { return a.IsAdmin() }

// Not inverts a rule.
func Not(rule Rule) Rule {
	return func(a Authentication) bool { return !rule(a) }
}

// Guard is a conjunction of rules evaluated per request at the HTTP
// boundary.
type Guard []Rule

// Check returns ErrForbidden unless every rule holds. The error
// deliberately carries no detail about which rule failed; route
// handlers surface it as a generic forbidden outcome.
func (g Guard) Check(a Authentication) error {
	for _, rule := range g {
		if !rule(a) {
			return ErrForbidden
		}
	}
	return nil
}
