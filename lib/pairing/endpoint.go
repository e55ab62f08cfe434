// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package pairing

import "fmt"

// endpointModel names the kvstore model under which endpoints are kept.
const endpointModel = "endpoint"

// Kind discriminates the peer variants an endpoint record can describe.
type Kind string

const (
	// KindSummit is a dashboard instance coordinating builds.
	KindSummit Kind = "summit"

	// KindAvalanche is a builder instance executing build jobs.
	KindAvalanche Kind = "avalanche"

	// KindVessel is a repository manager holding built artefacts.
	KindVessel Kind = "vessel"
)

// Role identifies the function an instance advertises during
// enrolment. Roles travel on the wire; kinds are how we file the
// resulting endpoint locally.
type Role string

const (
	RoleHub               Role = "hub"
	RoleBuilder           Role = "builder"
	RoleRepositoryManager Role = "repository-manager"
)

// KindForRole maps an advertised role to the endpoint kind used to
// record a peer of that role.
func KindForRole(role Role) (Kind, error) {
	switch role {
	case RoleHub:
		return KindSummit, nil
	case RoleBuilder:
		return KindAvalanche, nil
	case RoleRepositoryManager:
		return KindVessel, nil
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}

// RoleForKind is the inverse of KindForRole.
func RoleForKind(kind Kind) (Role, error) {
	switch kind {
	case KindSummit:
		return RoleHub, nil
	case KindAvalanche:
		return RoleBuilder, nil
	case KindVessel:
		return RoleRepositoryManager, nil
	default:
		return "", fmt.Errorf("unknown endpoint kind %q", kind)
	}
}

// Status is the pairing lifecycle state of an endpoint.
type Status uint8

const (
	// StatusAwaitingAcceptance means we initiated enrolment and are
	// waiting for the peer's operator to accept.
	StatusAwaitingAcceptance Status = iota

	// StatusAwaitingEnrolment means the peer initiated enrolment and
	// our operator has not yet accepted or declined.
	StatusAwaitingEnrolment

	// StatusOperational means the handshake completed and both sides
	// hold each other's tokens.
	StatusOperational

	// StatusFailed means the last pairing attempt failed. The status
	// text carries the reason. Retryable.
	StatusFailed

	// StatusForbidden means the endpoint is banned, either by the
	// operator or because its public key changed. Terminal without
	// operator intervention.
	StatusForbidden

	// StatusUnreachable means an Operational peer could not be
	// contacted. Recoverable once contact resumes.
	StatusUnreachable
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusAwaitingAcceptance:
		return "awaiting-acceptance"
	case StatusAwaitingEnrolment:
		return "awaiting-enrolment"
	case StatusOperational:
		return "operational"
	case StatusFailed:
		return "failed"
	case StatusForbidden:
		return "forbidden"
	case StatusUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Endpoint is the persisted record of a remote peer instance.
//
// BearerToken and APIToken are credentials issued by the PEER and
// presented by us on outbound calls. The tokens we issue to the peer
// live in the identity store against the peer's service account.
type Endpoint struct {
	ID          string `cbor:"1,keyasint"`
	Kind        Kind   `cbor:"2,keyasint"`
	HostAddress string `cbor:"3,keyasint"`
	PublicKey   string `cbor:"4,keyasint"`
	Description string `cbor:"5,keyasint,omitempty"`
	AdminName   string `cbor:"6,keyasint,omitempty"`
	AdminEmail  string `cbor:"7,keyasint,omitempty"`

	// AccountID is the local service account backing the peer.
	AccountID uint64 `cbor:"8,keyasint,omitempty"`

	BearerToken string `cbor:"9,keyasint,omitempty"`
	APIToken    string `cbor:"10,keyasint,omitempty"`

	Status     Status `cbor:"11,keyasint"`
	StatusText string `cbor:"12,keyasint,omitempty"`
}

// Model implements kvstore.Record.
func (e Endpoint) Model() string { return endpointModel }

// Key implements kvstore.Record.
func (e Endpoint) Key() []byte { return []byte(e.ID) }

// Indexes implements kvstore.Record.
func (e Endpoint) Indexes() map[string]string { return nil }
