// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package pairing

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/serpent-os/moss-service/lib/access"
)

// maxRequestSize caps inbound pairing request bodies.
const maxRequestSize = 256 * 1024

// API serves the receiving side of the pairing protocol. Mount it on
// the instance's public listener; it claims everything under
// /api/v1/services/.
type API struct {
	coordinator *Coordinator
	mux         *http.ServeMux
}

// NewAPI wires the pairing routes around the coordinator.
func NewAPI(coordinator *Coordinator) *API {
	a := &API{
		coordinator: coordinator,
		mux:         http.NewServeMux(),
	}
	a.mux.HandleFunc("POST "+apiPrefix+"/enrol", a.handleEnrol)
	a.mux.HandleFunc("POST "+apiPrefix+"/accept", a.withBearer(a.handleAccept))
	a.mux.HandleFunc("POST "+apiPrefix+"/decline", a.withBearer(a.handleDecline))
	a.mux.HandleFunc("POST "+apiPrefix+"/leave", a.withBearer(a.handleLeave))
	a.mux.HandleFunc("GET "+apiPrefix+"/refresh_token", a.withBearer(a.handleRefreshToken))
	a.mux.HandleFunc("GET "+apiPrefix+"/refresh_issue_token", a.withAPIToken(a.handleRefreshIssueToken))
	a.mux.HandleFunc("GET "+apiPrefix+"/enumerate", a.withAPIToken(a.handleEnumerate))
	return a
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// bearerGuard admits only service peers presenting a long-lived
// bearer token over the Authorization header.
var bearerGuard = access.Guard{
	access.NotExpired,
	access.API,
	access.BearerToken,
	access.ServiceAccount,
}

// apiGuard admits only service peers presenting a short-lived API
// token.
var apiGuard = access.Guard{
	access.NotExpired,
	access.API,
	access.AccessToken,
	access.ServiceAccount,
}

type authedHandler func(w http.ResponseWriter, r *http.Request, auth access.Authentication)

func (a *API) withBearer(next authedHandler) http.HandlerFunc {
	return a.authenticate(bearerGuard, true, next)
}

func (a *API) withAPIToken(next authedHandler) http.HandlerFunc {
	return a.authenticate(apiGuard, false, next)
}

// authenticate resolves the caller's credential and applies the
// guard. Bearer-authenticated routes additionally require that the
// presented token is the one currently on record for the account, so
// reissuing a bearer token revokes its predecessor.
func (a *API) authenticate(guard access.Guard, checkStored bool, next authedHandler) http.HandlerFunc {
	c := a.coordinator
	return func(w http.ResponseWriter, r *http.Request) {
		conn := access.FromRequest(r, "")
		auth, err := access.Resolve(c.keys, c.clock, conn)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid credential")
			return
		}
		if err := guard.Check(auth); err != nil {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		if checkStored {
			presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			stored, err := c.identities.BearerTokenFor(r.Context(), auth.Payload().AccountID)
			if err != nil || stored.Raw != presented {
				writeError(w, http.StatusUnauthorized, "invalid credential")
				return
			}
		}
		next(w, r, auth)
	}
}

func (a *API) handleEnrol(w http.ResponseWriter, r *http.Request) {
	c := a.coordinator
	var request EnrolmentRequest
	if !decodeRequest(w, r, &request) {
		return
	}
	if request.Issuer.PublicKey == "" || request.Issuer.URL == "" || request.IssueToken == "" {
		writeError(w, http.StatusBadRequest, "incomplete enrolment request")
		return
	}
	if request.Role != c.role {
		writeError(w, http.StatusBadRequest, "enrolment targets a different role")
		return
	}
	kind, err := KindForRole(request.Issuer.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown issuer role")
		return
	}
	id, err := EndpointID(request.Issuer.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid issuer URL")
		return
	}

	ctx := r.Context()
	endpoint, err := c.Endpoint(ctx, id)
	switch {
	case err == nil:
		if endpoint.Status == StatusForbidden {
			writeError(w, http.StatusForbidden, "endpoint is forbidden")
			return
		}
		if endpoint.PublicKey != request.Issuer.PublicKey {
			if err := c.Forbid(ctx, &endpoint, "public key changed"); err != nil {
				writeError(w, http.StatusInternalServerError, "storage failure")
				return
			}
			writeError(w, http.StatusForbidden, "public key changed")
			return
		}
		// Same peer retrying. Refresh the issue token and queue the
		// request for the operator again.
		endpoint.BearerToken = request.IssueToken
		endpoint.Status = StatusAwaitingEnrolment
		endpoint.StatusText = ""
	case errors.Is(err, ErrUnknownEndpoint):
		endpoint = Endpoint{
			ID:          id,
			Kind:        kind,
			HostAddress: request.Issuer.URL,
			PublicKey:   request.Issuer.PublicKey,
			BearerToken: request.IssueToken,
			Status:      StatusAwaitingEnrolment,
		}
	default:
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	if err := c.save(ctx, &endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	c.logger.Info("enrolment received", "endpoint", endpoint.ID, "role", request.Issuer.Role)
	writeJSON(w, struct{}{})
}

// handleAccept finalizes a handshake this instance initiated. The
// caller proves possession of the issue token we minted during
// EnrolWith; the body carries its reciprocal token.
func (a *API) handleAccept(w http.ResponseWriter, r *http.Request, auth access.Authentication) {
	c := a.coordinator
	var request EnrolmentRequest
	if !decodeRequest(w, r, &request) {
		return
	}

	ctx := r.Context()
	endpoint, err := c.endpointByAccount(ctx, auth.Payload().AccountID)
	if err != nil {
		writeError(w, http.StatusForbidden, "no endpoint for account")
		return
	}
	if endpoint.Status != StatusAwaitingAcceptance {
		writeError(w, http.StatusConflict, "endpoint is not awaiting acceptance")
		return
	}
	if endpoint.PublicKey != "" && endpoint.PublicKey != request.Issuer.PublicKey {
		if err := c.Forbid(ctx, &endpoint, "public key changed"); err != nil {
			writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}
		writeError(w, http.StatusForbidden, "public key changed")
		return
	}

	endpoint.BearerToken = request.IssueToken
	endpoint.Status = StatusOperational
	endpoint.StatusText = ""
	if err := c.save(ctx, &endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	c.logger.Info("endpoint operational", "endpoint", endpoint.ID)
	writeJSON(w, struct{}{})
}

func (a *API) handleDecline(w http.ResponseWriter, r *http.Request, auth access.Authentication) {
	c := a.coordinator
	ctx := r.Context()
	endpoint, err := c.endpointByAccount(ctx, auth.Payload().AccountID)
	if err != nil {
		writeError(w, http.StatusForbidden, "no endpoint for account")
		return
	}
	if endpoint.Status != StatusAwaitingAcceptance {
		writeError(w, http.StatusConflict, "endpoint is not awaiting acceptance")
		return
	}
	endpoint.Status = StatusFailed
	endpoint.StatusText = "declined by peer"
	if err := c.save(ctx, &endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	c.logger.Info("enrolment declined by peer", "endpoint", endpoint.ID)
	writeJSON(w, struct{}{})
}

func (a *API) handleLeave(w http.ResponseWriter, r *http.Request, auth access.Authentication) {
	c := a.coordinator
	ctx := r.Context()
	endpoint, err := c.endpointByAccount(ctx, auth.Payload().AccountID)
	if err != nil {
		writeError(w, http.StatusForbidden, "no endpoint for account")
		return
	}
	endpoint.Status = StatusUnreachable
	endpoint.StatusText = "peer departed"
	if err := c.save(ctx, &endpoint); err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	c.logger.Info("peer departed", "endpoint", endpoint.ID)
	writeJSON(w, struct{}{})
}

// handleRefreshToken exchanges a valid bearer token for a fresh API
// token.
func (a *API) handleRefreshToken(w http.ResponseWriter, r *http.Request, auth access.Authentication) {
	c := a.coordinator
	ctx := r.Context()
	account, err := c.identities.AccountByID(ctx, auth.Payload().AccountID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown account")
		return
	}
	fresh, err := c.CreateAPIToken(ctx, account, auth.Payload().Issuer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, TokenResponse{Token: fresh})
}

// handleRefreshIssueToken exchanges a valid API token for a fresh
// bearer token, replacing the one on record.
func (a *API) handleRefreshIssueToken(w http.ResponseWriter, r *http.Request, auth access.Authentication) {
	c := a.coordinator
	ctx := r.Context()
	account, err := c.identities.AccountByID(ctx, auth.Payload().AccountID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown account")
		return
	}
	fresh, err := c.CreateBearerToken(ctx, account, auth.Payload().Issuer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, TokenResponse{Token: fresh})
}

func (a *API) handleEnumerate(w http.ResponseWriter, r *http.Request, _ access.Authentication) {
	endpoints, err := a.coordinator.Endpoints(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	summaries := make([]EndpointSummary, 0, len(endpoints))
	for _, endpoint := range endpoints {
		summaries = append(summaries, endpoint.Summary())
	}
	writeJSON(w, summaries)
}

func decodeRequest(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}
