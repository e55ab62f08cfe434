// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package pairing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/serpent-os/moss-service/lib/identity"
	"github.com/serpent-os/moss-service/lib/keymanager"
	"github.com/serpent-os/moss-service/lib/kvstore"
)

// instance is a complete in-process peer: key material, storage,
// identity store, coordinator, and a public HTTP listener.
type instance struct {
	keys        *keymanager.Manager
	db          *kvstore.DB
	identities  *identity.Store
	coordinator *Coordinator
	server      *httptest.Server
	role        Role
}

func newInstance(t *testing.T, name string, role Role) *instance {
	t.Helper()
	dir := t.TempDir()

	keys, err := keymanager.New(keymanager.Config{StateDir: filepath.Join(dir, "state")})
	if err != nil {
		t.Fatalf("keymanager.New: %v", err)
	}
	t.Cleanup(func() { _ = keys.Close() })

	db, err := kvstore.Open(kvstore.Config{Path: filepath.Join(dir, "service.db")})
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	identities, err := identity.NewStore(db, nil)
	if err != nil {
		t.Fatalf("identity.NewStore: %v", err)
	}
	if err := identities.EnsureBuiltinGroups(context.Background()); err != nil {
		t.Fatalf("EnsureBuiltinGroups: %v", err)
	}

	coordinator, err := New(Config{
		KeyManager: keys,
		DB:         db,
		Identities: identities,
		InstanceID: name,
		Role:       role,
	})
	if err != nil {
		t.Fatalf("pairing.New: %v", err)
	}

	server := httptest.NewServer(NewAPI(coordinator))
	t.Cleanup(server.Close)
	coordinator.publicURL = server.URL

	return &instance{
		keys:        keys,
		db:          db,
		identities:  identities,
		coordinator: coordinator,
		server:      server,
		role:        role,
	}
}

// enrolWith drives the initiating half of the handshake from one
// instance toward another, returning the initiator's endpoint record.
func enrolWith(t *testing.T, from, to *instance) *Endpoint {
	t.Helper()
	ctx := context.Background()

	kind, err := KindForRole(to.role)
	if err != nil {
		t.Fatalf("KindForRole: %v", err)
	}
	id, err := EndpointID(to.server.URL)
	if err != nil {
		t.Fatalf("EndpointID: %v", err)
	}
	endpoint := &Endpoint{
		ID:          id,
		Kind:        kind,
		HostAddress: to.server.URL,
		PublicKey:   to.keys.PublicKey(),
	}

	account, err := from.coordinator.CreateEndpointAccount(ctx, endpoint)
	if err != nil {
		t.Fatalf("CreateEndpointAccount: %v", err)
	}
	issueToken, err := from.coordinator.CreateBearerToken(ctx, account, account.Username)
	if err != nil {
		t.Fatalf("CreateBearerToken: %v", err)
	}
	if err := from.coordinator.EnrolWith(ctx, endpoint, issueToken); err != nil {
		t.Fatalf("EnrolWith: %v", err)
	}
	return endpoint
}

// acceptFrom drives the accepting half on the receiving instance.
func acceptFrom(t *testing.T, on, from *instance) *Endpoint {
	t.Helper()
	ctx := context.Background()

	id, err := EndpointID(from.server.URL)
	if err != nil {
		t.Fatalf("EndpointID: %v", err)
	}
	endpoint, err := on.coordinator.Endpoint(ctx, id)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if endpoint.Status != StatusAwaitingEnrolment {
		t.Fatalf("status = %v, want awaiting-enrolment", endpoint.Status)
	}

	account, err := on.coordinator.CreateEndpointAccount(ctx, &endpoint)
	if err != nil {
		t.Fatalf("CreateEndpointAccount: %v", err)
	}
	issueToken, err := on.coordinator.CreateBearerToken(ctx, account, account.Username)
	if err != nil {
		t.Fatalf("CreateBearerToken: %v", err)
	}
	if err := on.coordinator.AcceptFrom(ctx, &endpoint, issueToken); err != nil {
		t.Fatalf("AcceptFrom: %v", err)
	}
	return &endpoint
}

func TestHandshake(t *testing.T) {
	ctx := context.Background()
	summit := newInstance(t, "summit", RoleHub)
	vessel := newInstance(t, "vessel", RoleRepositoryManager)

	local := enrolWith(t, summit, vessel)
	if local.Status != StatusAwaitingAcceptance {
		t.Fatalf("initiator status = %v, want awaiting-acceptance", local.Status)
	}
	if local.BearerToken != "" {
		t.Errorf("initiator holds a bearer token before acceptance")
	}

	remote := acceptFrom(t, vessel, summit)
	if remote.Status != StatusOperational {
		t.Errorf("acceptor status = %v, want operational", remote.Status)
	}
	if remote.BearerToken == "" {
		t.Error("acceptor holds no bearer token after accepting")
	}

	// The accept call landed on the initiator and flipped its record.
	refreshed, err := summit.coordinator.Endpoint(ctx, local.ID)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if refreshed.Status != StatusOperational {
		t.Errorf("initiator status = %v, want operational", refreshed.Status)
	}
	if refreshed.BearerToken == "" {
		t.Error("initiator holds no bearer token after acceptance")
	}
	if refreshed.BearerToken == remote.BearerToken {
		t.Error("both sides hold the same token; expected one per issuer")
	}
}

func TestEnrolUnreachablePeer(t *testing.T) {
	ctx := context.Background()
	summit := newInstance(t, "summit", RoleHub)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	id, err := EndpointID(deadURL)
	if err != nil {
		t.Fatalf("EndpointID: %v", err)
	}
	endpoint := &Endpoint{
		ID:          id,
		Kind:        KindVessel,
		HostAddress: deadURL,
	}
	account, err := summit.coordinator.CreateEndpointAccount(ctx, endpoint)
	if err != nil {
		t.Fatalf("CreateEndpointAccount: %v", err)
	}
	issueToken, err := summit.coordinator.CreateBearerToken(ctx, account, account.Username)
	if err != nil {
		t.Fatalf("CreateBearerToken: %v", err)
	}

	if err := summit.coordinator.EnrolWith(ctx, endpoint, issueToken); err == nil {
		t.Fatal("EnrolWith succeeded against a dead peer")
	}
	if endpoint.Status != StatusFailed {
		t.Errorf("status = %v, want failed", endpoint.Status)
	}
	if endpoint.StatusText == "" {
		t.Error("failed endpoint has empty status text")
	}

	// The failure was persisted, not just reported.
	stored, err := summit.coordinator.Endpoint(ctx, endpoint.ID)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if stored.Status != StatusFailed || stored.StatusText == "" {
		t.Errorf("persisted status = %v %q, want failed with text", stored.Status, stored.StatusText)
	}
}

func TestDecline(t *testing.T) {
	ctx := context.Background()
	summit := newInstance(t, "summit", RoleHub)
	vessel := newInstance(t, "vessel", RoleRepositoryManager)

	local := enrolWith(t, summit, vessel)

	id, err := EndpointID(summit.server.URL)
	if err != nil {
		t.Fatalf("EndpointID: %v", err)
	}
	remote, err := vessel.coordinator.Endpoint(ctx, id)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if err := vessel.coordinator.Decline(ctx, &remote); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if remote.Status != StatusFailed {
		t.Errorf("receiver status = %v, want failed", remote.Status)
	}

	refreshed, err := summit.coordinator.Endpoint(ctx, local.ID)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if refreshed.Status != StatusFailed {
		t.Errorf("initiator status = %v, want failed", refreshed.Status)
	}
	if !strings.Contains(refreshed.StatusText, "declined") {
		t.Errorf("initiator status text = %q, want decline reason", refreshed.StatusText)
	}
}

func TestPublicKeyChangeForbidsEndpoint(t *testing.T) {
	ctx := context.Background()
	summit := newInstance(t, "summit", RoleHub)
	vessel := newInstance(t, "vessel", RoleRepositoryManager)

	enrolWith(t, summit, vessel)

	// The same host shows up again with different key material.
	impostor := newInstance(t, "impostor", RoleHub)
	request := EnrolmentRequest{
		Issuer: Issuer{
			PublicKey: impostor.keys.PublicKey(),
			URL:       summit.server.URL,
			Role:      RoleHub,
		},
		Role:       RoleRepositoryManager,
		IssueToken: "anything",
	}
	err := NewClient().Enrol(ctx, vessel.server.URL, request)
	var peerErr *PeerError
	if !errors.As(err, &peerErr) || peerErr.StatusCode != http.StatusForbidden {
		t.Fatalf("Enrol error = %v, want 403 PeerError", err)
	}

	id, err := EndpointID(summit.server.URL)
	if err != nil {
		t.Fatalf("EndpointID: %v", err)
	}
	remote, err := vessel.coordinator.Endpoint(ctx, id)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if remote.Status != StatusForbidden {
		t.Errorf("status = %v, want forbidden", remote.Status)
	}

	// Forbidden is sticky: even the true peer is refused now.
	localID, err := EndpointID(vessel.server.URL)
	if err != nil {
		t.Fatalf("EndpointID: %v", err)
	}
	local, err := summit.coordinator.Endpoint(ctx, localID)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	bearer, err := summit.identities.BearerTokenFor(ctx, local.AccountID)
	if err != nil {
		t.Fatalf("BearerTokenFor: %v", err)
	}
	if err := summit.coordinator.EnrolWith(ctx, &local, bearer.Raw); err == nil {
		t.Error("EnrolWith succeeded against a forbidding peer")
	}
}

func TestTokenRefresh(t *testing.T) {
	ctx := context.Background()
	summit := newInstance(t, "summit", RoleHub)
	avalanche := newInstance(t, "avalanche", RoleBuilder)

	local := enrolWith(t, summit, avalanche)
	acceptFrom(t, avalanche, summit)

	endpoint, err := summit.coordinator.Endpoint(ctx, local.ID)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if err := summit.coordinator.RefreshAPIToken(ctx, &endpoint); err != nil {
		t.Fatalf("RefreshAPIToken: %v", err)
	}
	if endpoint.APIToken == "" {
		t.Fatal("no API token after refresh")
	}
	if endpoint.Status != StatusOperational {
		t.Errorf("status = %v, want operational", endpoint.Status)
	}

	if err := summit.coordinator.RefreshBearerToken(ctx, &endpoint); err != nil {
		t.Fatalf("RefreshBearerToken: %v", err)
	}
	if endpoint.BearerToken == "" {
		t.Error("no bearer token after refresh")
	}
}

func TestRefreshMarksUnreachable(t *testing.T) {
	ctx := context.Background()
	summit := newInstance(t, "summit", RoleHub)
	avalanche := newInstance(t, "avalanche", RoleBuilder)

	local := enrolWith(t, summit, avalanche)
	acceptFrom(t, avalanche, summit)

	endpoint, err := summit.coordinator.Endpoint(ctx, local.ID)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}

	avalanche.server.Close()
	if err := summit.coordinator.RefreshAPIToken(ctx, &endpoint); err == nil {
		t.Fatal("RefreshAPIToken succeeded against a closed peer")
	}
	if endpoint.Status != StatusUnreachable {
		t.Errorf("status = %v, want unreachable", endpoint.Status)
	}
	if endpoint.StatusText == "" {
		t.Error("unreachable endpoint has empty status text")
	}
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	summit := newInstance(t, "summit", RoleHub)
	vessel := newInstance(t, "vessel", RoleRepositoryManager)

	local := enrolWith(t, summit, vessel)
	acceptFrom(t, vessel, summit)

	endpoint, err := summit.coordinator.Endpoint(ctx, local.ID)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if err := summit.coordinator.Leave(ctx, &endpoint); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	if _, err := summit.coordinator.Endpoint(ctx, local.ID); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("departed endpoint still present, err = %v", err)
	}

	id, err := EndpointID(summit.server.URL)
	if err != nil {
		t.Fatalf("EndpointID: %v", err)
	}
	remote, err := vessel.coordinator.Endpoint(ctx, id)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if remote.Status != StatusUnreachable {
		t.Errorf("peer status = %v, want unreachable", remote.Status)
	}
}

func TestEnumerate(t *testing.T) {
	ctx := context.Background()
	summit := newInstance(t, "summit", RoleHub)
	vessel := newInstance(t, "vessel", RoleRepositoryManager)

	local := enrolWith(t, summit, vessel)
	acceptFrom(t, vessel, summit)

	endpoint, err := summit.coordinator.Endpoint(ctx, local.ID)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if err := summit.coordinator.RefreshAPIToken(ctx, &endpoint); err != nil {
		t.Fatalf("RefreshAPIToken: %v", err)
	}

	summaries, err := NewClient().Enumerate(ctx, vessel.server.URL, endpoint.APIToken)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(summaries))
	}
	if summaries[0].Status != "operational" {
		t.Errorf("summary status = %q, want operational", summaries[0].Status)
	}
	if summaries[0].ID == "" || summaries[0].HostAddress == "" {
		t.Errorf("summary incomplete: %+v", summaries[0])
	}
}

func TestAcceptRequiresAwaitingEnrolment(t *testing.T) {
	ctx := context.Background()
	summit := newInstance(t, "summit", RoleHub)
	vessel := newInstance(t, "vessel", RoleRepositoryManager)

	local := enrolWith(t, summit, vessel)
	acceptFrom(t, vessel, summit)

	endpoint, err := summit.coordinator.Endpoint(ctx, local.ID)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if err := summit.coordinator.AcceptFrom(ctx, &endpoint, "token"); !errors.Is(err, ErrBadState) {
		t.Errorf("AcceptFrom on operational endpoint: err = %v, want ErrBadState", err)
	}
}

func TestEnrolRejectsRoleMismatch(t *testing.T) {
	ctx := context.Background()
	vessel := newInstance(t, "vessel", RoleRepositoryManager)
	summit := newInstance(t, "summit", RoleHub)

	request := EnrolmentRequest{
		Issuer: Issuer{
			PublicKey: summit.keys.PublicKey(),
			URL:       summit.server.URL,
			Role:      RoleHub,
		},
		// The sender believes the receiver is a builder; it is not.
		Role:       RoleBuilder,
		IssueToken: "token",
	}
	err := NewClient().Enrol(ctx, vessel.server.URL, request)
	var peerErr *PeerError
	if !errors.As(err, &peerErr) || peerErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("Enrol error = %v, want 400 PeerError", err)
	}
}

func TestProtectedRoutesRejectForeignTokens(t *testing.T) {
	ctx := context.Background()
	summit := newInstance(t, "summit", RoleHub)
	vessel := newInstance(t, "vessel", RoleRepositoryManager)
	outsider := newInstance(t, "outsider", RoleHub)

	enrolWith(t, summit, vessel)
	acceptFrom(t, vessel, summit)

	// A token signed by some other instance must not open vessel's
	// protected routes, even though it is structurally valid.
	account, err := outsider.identities.RegisterService(ctx, identity.ServiceAccountPrefix+"mole", "")
	if err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	foreign, err := outsider.coordinator.CreateBearerToken(ctx, account, "vessel")
	if err != nil {
		t.Fatalf("CreateBearerToken: %v", err)
	}

	_, err = NewClient().RefreshToken(ctx, vessel.server.URL, foreign)
	var peerErr *PeerError
	if !errors.As(err, &peerErr) || peerErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("RefreshToken error = %v, want 401 PeerError", err)
	}
}

func TestReissuedBearerTokenRevokesPredecessor(t *testing.T) {
	ctx := context.Background()
	summit := newInstance(t, "summit", RoleHub)
	vessel := newInstance(t, "vessel", RoleRepositoryManager)

	local := enrolWith(t, summit, vessel)
	acceptFrom(t, vessel, summit)

	endpoint, err := summit.coordinator.Endpoint(ctx, local.ID)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	oldToken := endpoint.BearerToken

	// Vessel reissues summit's bearer token out of band. The stored
	// record changes, so the old token stops matching.
	id, err := EndpointID(summit.server.URL)
	if err != nil {
		t.Fatalf("EndpointID: %v", err)
	}
	account, err := vessel.identities.AccountByUsername(ctx, identity.ServiceAccountPrefix+id)
	if err != nil {
		t.Fatalf("AccountByUsername: %v", err)
	}
	if err := vessel.identities.SetBearerToken(ctx, account.ID, "replacement", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SetBearerToken: %v", err)
	}

	_, err = NewClient().RefreshToken(ctx, vessel.server.URL, oldToken)
	var peerErr *PeerError
	if !errors.As(err, &peerErr) || peerErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("RefreshToken error = %v, want 401 PeerError", err)
	}
}
