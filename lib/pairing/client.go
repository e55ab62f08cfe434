// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// requestTimeout bounds a single pairing call end to end: connect,
// request, handler execution, response.
const requestTimeout = 30 * time.Second

// maxResponseSize caps how much of a peer's reply we are willing to
// read. Pairing responses are small; anything larger is a broken or
// hostile peer.
const maxResponseSize = 1 * 1024 * 1024

// apiPrefix is the path under which every pairing route is mounted,
// on both the serving and calling side.
const apiPrefix = "/api/v1/services"

// PeerError is returned when a peer answered with a non-200 status.
// It carries the peer's own error text so the operator can see what
// the other side objected to.
type PeerError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *PeerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("peer rejected %q with status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("peer rejected %q: %s", e.Operation, e.Message)
}

// Client speaks the pairing API to a remote instance. Each call is a
// single JSON request against the peer's base URL; credentials are
// supplied per call because one client serves every endpoint.
type Client struct {
	http *http.Client
}

// NewClient returns a pairing client with the default timeout.
func NewClient() *Client {
	return &Client{
		http: &http.Client{Timeout: requestTimeout},
	}
}

// Enrol sends the initial, unauthenticated enrolment request to the
// peer at baseURL.
func (c *Client) Enrol(ctx context.Context, baseURL string, request EnrolmentRequest) error {
	return c.call(ctx, baseURL, http.MethodPost, "enrol", "", request, nil)
}

// Accept completes a handshake the peer initiated, authenticated with
// the issue token the peer supplied during enrolment.
func (c *Client) Accept(ctx context.Context, baseURL, bearer string, request EnrolmentRequest) error {
	return c.call(ctx, baseURL, http.MethodPost, "accept", bearer, request, nil)
}

// Decline rejects a handshake the peer initiated.
func (c *Client) Decline(ctx context.Context, baseURL, bearer string) error {
	return c.call(ctx, baseURL, http.MethodPost, "decline", bearer, nil, nil)
}

// Leave informs an established peer that this instance is departing
// the relationship.
func (c *Client) Leave(ctx context.Context, baseURL, bearer string) error {
	return c.call(ctx, baseURL, http.MethodPost, "leave", bearer, nil, nil)
}

// RefreshToken exchanges a bearer token for a fresh short-lived API
// token.
func (c *Client) RefreshToken(ctx context.Context, baseURL, bearer string) (string, error) {
	var response TokenResponse
	if err := c.call(ctx, baseURL, http.MethodGet, "refresh_token", bearer, nil, &response); err != nil {
		return "", err
	}
	return response.Token, nil
}

// RefreshIssueToken exchanges a valid API token for a fresh bearer
// token, extending the pairing without operator involvement.
func (c *Client) RefreshIssueToken(ctx context.Context, baseURL, apiToken string) (string, error) {
	var response TokenResponse
	if err := c.call(ctx, baseURL, http.MethodGet, "refresh_issue_token", apiToken, nil, &response); err != nil {
		return "", err
	}
	return response.Token, nil
}

// Enumerate lists the peer's own endpoints.
func (c *Client) Enumerate(ctx context.Context, baseURL, apiToken string) ([]EndpointSummary, error) {
	var summaries []EndpointSummary
	if err := c.call(ctx, baseURL, http.MethodGet, "enumerate", apiToken, nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// call performs one JSON round trip. A non-200 reply becomes a
// *PeerError carrying the peer's error text; transport and decoding
// failures come back as plain errors.
func (c *Client) call(ctx context.Context, baseURL, method, operation, credential string, body, result any) error {
	url := strings.TrimSuffix(baseURL, "/") + apiPrefix + "/" + operation

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %q request: %w", operation, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building %q request: %w", operation, err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		request.Header.Set("Authorization", "Bearer "+credential)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", operation, baseURL, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading %q response: %w", operation, err)
	}

	if response.StatusCode != http.StatusOK {
		var failure errorResponse
		_ = json.Unmarshal(payload, &failure)
		return &PeerError{
			Operation:  operation,
			StatusCode: response.StatusCode,
			Message:    failure.Error,
		}
	}

	if result != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, result); err != nil {
			return fmt.Errorf("decoding %q response: %w", operation, err)
		}
	}
	return nil
}
