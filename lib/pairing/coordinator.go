// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/serpent-os/moss-service/lib/clock"
	"github.com/serpent-os/moss-service/lib/codec"
	"github.com/serpent-os/moss-service/lib/identity"
	"github.com/serpent-os/moss-service/lib/keymanager"
	"github.com/serpent-os/moss-service/lib/kvstore"
	"github.com/serpent-os/moss-service/lib/token"
)

var (
	// ErrUnknownEndpoint is returned when no endpoint record exists
	// for the requested identifier.
	ErrUnknownEndpoint = errors.New("pairing: unknown endpoint")

	// ErrEndpointForbidden is returned for any operation against a
	// banned endpoint.
	ErrEndpointForbidden = errors.New("pairing: endpoint is forbidden")

	// ErrBadState is returned when an operation does not apply to the
	// endpoint's current lifecycle state.
	ErrBadState = errors.New("pairing: operation not valid in current state")
)

// Config assembles a Coordinator's collaborators.
type Config struct {
	KeyManager *keymanager.Manager
	DB         *kvstore.DB
	Identities *identity.Store
	Client     *Client

	// InstanceID names this instance in tokens it issues.
	InstanceID string

	// PublicURL is the externally reachable base URL advertised to
	// peers during enrolment.
	PublicURL string

	// Role is the function this instance fills.
	Role Role

	// Clock defaults to the real clock when nil.
	Clock clock.Clock

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Coordinator drives the pairing state machine: it owns the endpoint
// records, the service accounts backing them, and the token exchange
// with peers.
type Coordinator struct {
	keys       *keymanager.Manager
	db         *kvstore.DB
	identities *identity.Store
	client     *Client
	clock      clock.Clock
	logger     *slog.Logger

	instanceID string
	publicURL  string
	role       Role
}

// New validates cfg and returns a Coordinator. The endpoint model is
// registered with the store on construction.
func New(cfg Config) (*Coordinator, error) {
	if cfg.KeyManager == nil {
		return nil, errors.New("pairing: Config.KeyManager is required")
	}
	if cfg.DB == nil {
		return nil, errors.New("pairing: Config.DB is required")
	}
	if cfg.Identities == nil {
		return nil, errors.New("pairing: Config.Identities is required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("pairing: Config.InstanceID is required")
	}
	if _, err := KindForRole(cfg.Role); err != nil {
		return nil, err
	}
	if err := cfg.DB.Register(endpointModel); err != nil {
		return nil, err
	}
	client := cfg.Client
	if client == nil {
		client = NewClient()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		keys:       cfg.KeyManager,
		db:         cfg.DB,
		identities: cfg.Identities,
		client:     client,
		clock:      clk,
		logger:     logger.With("component", "pairing"),
		instanceID: cfg.InstanceID,
		publicURL:  cfg.PublicURL,
		role:       cfg.Role,
	}, nil
}

// EndpointID derives the stable identifier for a peer from its base
// URL. Keyed by address, a peer that re-enrols under the same host
// with a different public key collides with its existing record and
// the key change is caught.
func EndpointID(baseURL string) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("pairing: parsing endpoint URL: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("pairing: endpoint URL %q has no host", baseURL)
	}
	return strings.ReplaceAll(parsed.Host, ":", "-"), nil
}

// Endpoint loads one endpoint record.
func (c *Coordinator) Endpoint(ctx context.Context, id string) (Endpoint, error) {
	var endpoint Endpoint
	err := c.db.View(ctx, func(tx *kvstore.Tx) error {
		return tx.Get(endpointModel, []byte(id), &endpoint)
	})
	if errors.Is(err, kvstore.ErrNotFound) {
		return Endpoint{}, ErrUnknownEndpoint
	}
	if err != nil {
		return Endpoint{}, err
	}
	return endpoint, nil
}

// Endpoints lists every known endpoint.
func (c *Coordinator) Endpoints(ctx context.Context) ([]Endpoint, error) {
	var endpoints []Endpoint
	err := c.db.View(ctx, func(tx *kvstore.Tx) error {
		return tx.Each(endpointModel, func(key, data []byte) error {
			var endpoint Endpoint
			if err := codec.Unmarshal(data, &endpoint); err != nil {
				return err
			}
			endpoints = append(endpoints, endpoint)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

// endpointByAccount finds the endpoint backed by the given service
// account, as established during CreateEndpointAccount.
func (c *Coordinator) endpointByAccount(ctx context.Context, accountID uint64) (Endpoint, error) {
	endpoints, err := c.Endpoints(ctx)
	if err != nil {
		return Endpoint{}, err
	}
	for _, endpoint := range endpoints {
		if endpoint.AccountID == accountID && accountID != 0 {
			return endpoint, nil
		}
	}
	return Endpoint{}, ErrUnknownEndpoint
}

func (c *Coordinator) save(ctx context.Context, endpoint *Endpoint) error {
	return c.db.Update(ctx, func(tx *kvstore.Tx) error {
		return tx.Put(endpoint)
	})
}

// CreateEndpointAccount registers the service account backing the
// endpoint and stamps its ID into the record. A second call for the
// same endpoint fails with identity.ErrAlreadyExists; callers
// retrying a handshake look the existing account up instead.
func (c *Coordinator) CreateEndpointAccount(ctx context.Context, endpoint *Endpoint) (identity.Account, error) {
	account, err := c.identities.RegisterService(ctx, identity.ServiceAccountPrefix+endpoint.ID, endpoint.AdminEmail)
	if err != nil {
		return identity.Account{}, err
	}
	endpoint.AccountID = account.ID
	return account, nil
}

// EndpointAccount looks up the service account backing an endpoint.
func (c *Coordinator) EndpointAccount(ctx context.Context, endpoint *Endpoint) (identity.Account, error) {
	return c.identities.AccountByUsername(ctx, identity.ServiceAccountPrefix+endpoint.ID)
}

// claimsFor assembles the account-derived claims shared by bearer and
// API tokens. The manager stamps purpose and timestamps.
func claimsFor(account identity.Account, issuer, audience string, admin bool) token.Payload {
	return token.Payload{
		Subject:     account.Username,
		Issuer:      issuer,
		Audience:    audience,
		AccountKind: account.Kind.String(),
		AccountID:   account.ID,
		Admin:       admin,
	}
}

// CreateBearerToken mints, signs, and persists a bearer token for the
// endpoint's service account. Nothing is recorded unless every step
// succeeds, so a failure leaves no half-issued state behind.
func (c *Coordinator) CreateBearerToken(ctx context.Context, account identity.Account, audience string) (string, error) {
	admin, err := c.identities.IsAdmin(ctx, account.ID)
	if err != nil {
		return "", err
	}
	tok := c.keys.NewBearerToken(claimsFor(account, c.instanceID, audience, admin))
	encoded, err := c.keys.SignToken(tok)
	if err != nil {
		return "", err
	}
	expiry := time.Unix(tok.Payload.Expiry, 0).UTC()
	if err := c.identities.SetBearerToken(ctx, account.ID, encoded, expiry); err != nil {
		return "", err
	}
	return encoded, nil
}

// CreateAPIToken mints and signs a short-lived API token for the
// endpoint's service account. API tokens are not persisted; the
// caller hands the string straight to the peer.
func (c *Coordinator) CreateAPIToken(ctx context.Context, account identity.Account, audience string) (string, error) {
	admin, err := c.identities.IsAdmin(ctx, account.ID)
	if err != nil {
		return "", err
	}
	return c.keys.SignToken(c.keys.NewAPIToken(claimsFor(account, c.instanceID, audience, admin)))
}

// EnrolWith initiates pairing with the peer described by endpoint.
// issueToken is the bearer token previously minted for the peer's
// local service account; the peer presents it on calls back to us.
// The outcome, success or failure, is persisted before returning.
func (c *Coordinator) EnrolWith(ctx context.Context, endpoint *Endpoint, issueToken string) error {
	if endpoint.Status == StatusForbidden {
		return ErrEndpointForbidden
	}
	request, err := c.handshakeRequest(endpoint.Kind, issueToken)
	if err != nil {
		return err
	}

	callErr := c.client.Enrol(ctx, endpoint.HostAddress, request)
	if callErr != nil {
		endpoint.Status = StatusFailed
		endpoint.StatusText = callErr.Error()
		c.logger.Warn("enrolment failed", "endpoint", endpoint.ID, "error", callErr)
	} else {
		endpoint.Status = StatusAwaitingAcceptance
		endpoint.StatusText = ""
		c.logger.Info("enrolment sent", "endpoint", endpoint.ID, "host", endpoint.HostAddress)
	}
	if err := c.save(ctx, endpoint); err != nil {
		return err
	}
	return callErr
}

// AcceptFrom completes a handshake the peer initiated. The endpoint
// must be AwaitingEnrolment; issueToken is the reciprocal bearer
// token minted for the peer's service account. The call back to the
// peer is authenticated with the issue token it gave us.
func (c *Coordinator) AcceptFrom(ctx context.Context, endpoint *Endpoint, issueToken string) error {
	if endpoint.Status == StatusForbidden {
		return ErrEndpointForbidden
	}
	if endpoint.Status != StatusAwaitingEnrolment {
		return fmt.Errorf("%w: accept requires awaiting-enrolment, endpoint is %s", ErrBadState, endpoint.Status)
	}
	request, err := c.handshakeRequest(endpoint.Kind, issueToken)
	if err != nil {
		return err
	}

	callErr := c.client.Accept(ctx, endpoint.HostAddress, endpoint.BearerToken, request)
	if callErr != nil {
		endpoint.Status = StatusFailed
		endpoint.StatusText = callErr.Error()
		c.logger.Warn("accept failed", "endpoint", endpoint.ID, "error", callErr)
	} else {
		endpoint.Status = StatusOperational
		endpoint.StatusText = ""
		c.logger.Info("endpoint operational", "endpoint", endpoint.ID)
	}
	if err := c.save(ctx, endpoint); err != nil {
		return err
	}
	return callErr
}

// Decline rejects a handshake the peer initiated and records the
// rejection. The notification is best effort; the endpoint ends up
// Failed locally even when the peer cannot be reached.
func (c *Coordinator) Decline(ctx context.Context, endpoint *Endpoint) error {
	if endpoint.Status != StatusAwaitingEnrolment {
		return fmt.Errorf("%w: decline requires awaiting-enrolment, endpoint is %s", ErrBadState, endpoint.Status)
	}
	if err := c.client.Decline(ctx, endpoint.HostAddress, endpoint.BearerToken); err != nil {
		c.logger.Warn("decline notification failed", "endpoint", endpoint.ID, "error", err)
	}
	endpoint.Status = StatusFailed
	endpoint.StatusText = "declined by operator"
	return c.save(ctx, endpoint)
}

// Leave departs an established pairing: the peer is notified, then
// the endpoint record is removed. The backing service account stays;
// its bearer token is simply never renewed.
func (c *Coordinator) Leave(ctx context.Context, endpoint *Endpoint) error {
	if endpoint.Status != StatusOperational && endpoint.Status != StatusUnreachable {
		return fmt.Errorf("%w: leave requires an established pairing, endpoint is %s", ErrBadState, endpoint.Status)
	}
	if err := c.client.Leave(ctx, endpoint.HostAddress, endpoint.BearerToken); err != nil {
		c.logger.Warn("leave notification failed", "endpoint", endpoint.ID, "error", err)
	}
	c.logger.Info("left pairing", "endpoint", endpoint.ID)
	return c.db.Update(ctx, func(tx *kvstore.Tx) error {
		return tx.Delete(endpointModel, endpoint.Key())
	})
}

// RefreshAPIToken exchanges the endpoint's bearer token for a fresh
// API token from the peer. Success restores an Unreachable endpoint
// to Operational; failure demotes an Operational one to Unreachable.
func (c *Coordinator) RefreshAPIToken(ctx context.Context, endpoint *Endpoint) error {
	if endpoint.Status != StatusOperational && endpoint.Status != StatusUnreachable {
		return fmt.Errorf("%w: token refresh requires an established pairing, endpoint is %s", ErrBadState, endpoint.Status)
	}
	fresh, callErr := c.client.RefreshToken(ctx, endpoint.HostAddress, endpoint.BearerToken)
	if callErr != nil {
		endpoint.Status = StatusUnreachable
		endpoint.StatusText = callErr.Error()
		c.logger.Warn("api token refresh failed", "endpoint", endpoint.ID, "error", callErr)
	} else {
		endpoint.APIToken = fresh
		endpoint.Status = StatusOperational
		endpoint.StatusText = ""
	}
	if err := c.save(ctx, endpoint); err != nil {
		return err
	}
	return callErr
}

// RefreshBearerToken exchanges the endpoint's current API token for a
// fresh bearer token, rolling the long-lived trust forward without
// operator involvement.
func (c *Coordinator) RefreshBearerToken(ctx context.Context, endpoint *Endpoint) error {
	if endpoint.Status != StatusOperational && endpoint.Status != StatusUnreachable {
		return fmt.Errorf("%w: token refresh requires an established pairing, endpoint is %s", ErrBadState, endpoint.Status)
	}
	fresh, callErr := c.client.RefreshIssueToken(ctx, endpoint.HostAddress, endpoint.APIToken)
	if callErr != nil {
		endpoint.Status = StatusUnreachable
		endpoint.StatusText = callErr.Error()
		c.logger.Warn("bearer token refresh failed", "endpoint", endpoint.ID, "error", callErr)
	} else {
		endpoint.BearerToken = fresh
		endpoint.Status = StatusOperational
		endpoint.StatusText = ""
	}
	if err := c.save(ctx, endpoint); err != nil {
		return err
	}
	return callErr
}

// Forbid bans the endpoint. Used by the operator, and automatically
// when a known peer shows up with a different public key.
func (c *Coordinator) Forbid(ctx context.Context, endpoint *Endpoint, reason string) error {
	endpoint.Status = StatusForbidden
	endpoint.StatusText = reason
	c.logger.Warn("endpoint forbidden", "endpoint", endpoint.ID, "reason", reason)
	return c.save(ctx, endpoint)
}

// handshakeRequest builds the enrol/accept body sent to a peer of the
// given kind.
func (c *Coordinator) handshakeRequest(kind Kind, issueToken string) (EnrolmentRequest, error) {
	theirRole, err := RoleForKind(kind)
	if err != nil {
		return EnrolmentRequest{}, err
	}
	return EnrolmentRequest{
		Issuer: Issuer{
			PublicKey: c.keys.PublicKey(),
			URL:       c.publicURL,
			Role:      c.role,
		},
		Role:       theirRole,
		IssueToken: issueToken,
	}, nil
}
