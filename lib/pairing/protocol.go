// Copyright © 2026 Serpent OS Developers
// SPDX-License-Identifier: Zlib

package pairing

// Wire types for the pairing API. All bodies are JSON.

// Issuer describes the instance sending an enrolment or accept
// request: who to call back, with which key, in which capacity.
type Issuer struct {
	// PublicKey is the sender's Ed25519 public key, base64url
	// encoded without padding.
	PublicKey string `json:"publicKey"`

	// URL is the sender's externally reachable base URL.
	URL string `json:"url"`

	// Role is the function the sender advertises.
	Role Role `json:"role"`
}

// EnrolmentRequest is the body of both the enrol and accept calls.
type EnrolmentRequest struct {
	Issuer Issuer `json:"issuer"`

	// Role is the function the sender expects the receiver to fill.
	Role Role `json:"role"`

	// IssueToken is a bearer token minted by the sender for the
	// receiver's service account. The receiver presents it on calls
	// back to the sender.
	IssueToken string `json:"issueToken"`
}

// TokenResponse carries a freshly minted token back to the caller.
type TokenResponse struct {
	Token string `json:"token"`
}

// EndpointSummary is the enumeration view of an endpoint. Credentials
// never leave the instance that holds them.
type EndpointSummary struct {
	ID          string `json:"id"`
	Kind        Kind   `json:"kind"`
	HostAddress string `json:"hostAddress"`
	PublicKey   string `json:"publicKey"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	StatusText  string `json:"statusText,omitempty"`
}

// errorResponse is the JSON body of any non-200 reply.
type errorResponse struct {
	Error string `json:"error"`
}

// Summary derives the enumeration view of an endpoint.
func (e Endpoint) Summary() EndpointSummary {
	return EndpointSummary{
		ID:          e.ID,
		Kind:        e.Kind,
		HostAddress: e.HostAddress,
		PublicKey:   e.PublicKey,
		Description: e.Description,
		Status:      e.Status.String(),
		StatusText:  e.StatusText,
	}
}
