// Package auth implements the Request Router's credential resolution
// chain (spec.md §4.2): bearer JWT validated against a JWKS endpoint,
// a static API key compared in constant time, and trusted-upstream-proxy
// headers gated behind an explicit config flag. The three validators are
// tried in that order and the first success wins.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/apierr"
)

// Identity is the resolved caller identity, regardless of which
// validator produced it.
type Identity struct {
	UserID string
	Method string // "jwt" | "api_key" | "trusted_proxy"
}

// Validator resolves an Identity from an inbound request, or reports
// ErrNoCredential when the request carries none of the credential shapes
// it understands (so the Resolver can try the next validator).
type Validator interface {
	Validate(ctx context.Context, r *http.Request) (Identity, error)
}

// ErrNoCredential signals that a Validator found none of its credential
// shape in the request; it is not itself an authentication failure.
var ErrNoCredential = apierr.Unauthorized("no credential")

// Resolver tries each Validator in order and returns the first success.
// If every validator reports ErrNoCredential, or all fail, the caller is
// unauthorized (spec.md §4.2: "single opaque unauthorized response,
// never distinguishing which validator failed").
type Resolver struct {
	validators []Validator
}

func NewResolver(validators ...Validator) *Resolver {
	return &Resolver{validators: validators}
}

func (r *Resolver) Resolve(ctx context.Context, req *http.Request) (Identity, error) {
	for _, v := range r.validators {
		id, err := v.Validate(ctx, req)
		if err == nil {
			return id, nil
		}
		if isNoCredential(err) {
			continue
		}
		return Identity{}, apierr.Unauthorized("authentication failed")
	}
	return Identity{}, apierr.Unauthorized("no credential presented")
}

func isNoCredential(err error) bool {
	return err == ErrNoCredential
}

// APIKeyValidator checks the X-API-Key header (or Authorization: ApiKey
// <key>) against a fixed set of per-key identities, using a
// constant-time comparison to avoid timing side-channels.
type APIKeyValidator struct {
	// Keys maps an API key value to the identity it authenticates as.
	Keys map[string]string
}

func NewAPIKeyValidator(keys map[string]string) *APIKeyValidator {
	return &APIKeyValidator{Keys: keys}
}

func (v *APIKeyValidator) Validate(_ context.Context, r *http.Request) (Identity, error) {
	presented := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if presented == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "ApiKey ") {
			presented = strings.TrimSpace(strings.TrimPrefix(auth, "ApiKey "))
		}
	}
	if presented == "" {
		return Identity{}, ErrNoCredential
	}
	for key, userID := range v.Keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			return Identity{UserID: userID, Method: "api_key"}, nil
		}
	}
	return Identity{}, apierr.Unauthorized("unrecognized api key")
}

// TrustedProxyValidator trusts an upstream reverse proxy's identity
// headers outright. It must only be wired in when the deployment
// guarantees the proxy strips these headers from untrusted clients
// (spec.md §4.2 "gated behind trusted_proxy_enabled").
type TrustedProxyValidator struct {
	Enabled    bool
	HeaderName string
}

func NewTrustedProxyValidator(enabled bool, headerName string) *TrustedProxyValidator {
	if headerName == "" {
		headerName = "X-Forwarded-User"
	}
	return &TrustedProxyValidator{Enabled: enabled, HeaderName: headerName}
}

func (v *TrustedProxyValidator) Validate(_ context.Context, r *http.Request) (Identity, error) {
	if !v.Enabled {
		return Identity{}, ErrNoCredential
	}
	userID := strings.TrimSpace(r.Header.Get(v.HeaderName))
	if userID == "" {
		return Identity{}, ErrNoCredential
	}
	return Identity{UserID: userID, Method: "trusted_proxy"}, nil
}
