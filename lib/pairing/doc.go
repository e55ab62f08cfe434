// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

// Package pairing bootstraps and maintains trust between this
// instance and remote peer instances (Summit dashboards, Avalanche
// builders, Vessel repository managers).
//
// # Handshake
//
// Pairing is a two-step exchange of public keys and bearer tokens:
//
//  1. The initiating instance registers a local service account for
//     the peer, mints and persists a bearer token for that account,
//     and sends an unauthenticated enrolment request carrying its
//     public key, URL, role, and that token (the "issue token" the
//     peer will present on future calls). The initiator's endpoint
//     record moves to AwaitingAcceptance; the receiver records the
//     peer as AwaitingEnrolment pending an operator decision.
//
//  2. The operator on the receiving side accepts: the receiver mints
//     its own reciprocal bearer token and sends an accept request to
//     the initiator, authenticated with the issue token from step 1.
//     Both sides end up Operational, each holding a token issued and
//     signed by the other.
//
// Either side may instead decline, and an established peer may later
// leave or be banned (Forbidden; e.g. when a peer re-enrols with a
// changed public key). Losing contact with an Operational peer is the
// recoverable Unreachable state, not a terminal failure.
//
// # Failure semantics
//
// Every externally-observable state transition is persisted in the
// same step as the attempt that caused it, whether the attempt
// succeeded or failed. Transport and peer errors are captured into
// the endpoint's status text rather than thrown past the coordinator;
// callers observe failure through the returned error and the
// endpoint's new status. Failed is retryable; Forbidden requires
// operator intervention.
package pairing
