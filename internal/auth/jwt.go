package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/apierr"
)

// JWKSFetcher retrieves the raw JWKS document for a key set URL. Exists
// so tests can substitute a fixed document instead of a live HTTP call.
type JWKSFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPJWKSFetcher fetches a JWKS document over HTTP.
type HTTPJWKSFetcher struct {
	Client *http.Client
}

func (f *HTTPJWKSFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks fetch: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// JWKSCache resolves a signing key by kid, lazily refreshing the set on
// a cache miss and otherwise serving from memory until TTL expires. It
// follows the teacher's mutex-guarded map idiom from model/registry.go.
type JWKSCache struct {
	url     string
	fetcher JWKSFetcher
	ttl     time.Duration

	mu        sync.Mutex
	keys      map[string]any
	fetchedAt time.Time
}

func NewJWKSCache(url string, fetcher JWKSFetcher, ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &JWKSCache{url: url, fetcher: fetcher, ttl: ttl, keys: map[string]any{}}
}

func (c *JWKSCache) keyFor(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	key, ok := c.keys[kid]
	stale := time.Since(c.fetchedAt) > c.ttl
	c.mu.Unlock()
	if ok && !stale {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		if ok {
			// serve the stale key rather than fail a request because the
			// JWKS endpoint is temporarily unreachable
			return key, nil
		}
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no jwks key for kid %q", kid)
	}
	return key, nil
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	raw, err := c.fetcher.Fetch(ctx, c.url)
	if err != nil {
		return err
	}
	var doc jwksDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	parsed := make(map[string]any, len(doc.Keys))
	for _, k := range doc.Keys {
		pub, err := parseJWK(k)
		if err != nil {
			continue
		}
		parsed[k.Kid] = pub
	}
	c.mu.Lock()
	c.keys = parsed
	c.fetchedAt = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

func parseJWK(k jwksKey) (any, error) {
	switch strings.ToUpper(k.Kty) {
	case "RSA":
		nBytes, err := decodeBase64URL(k.N)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: decode n: %w", k.Kid, err)
		}
		eBytes, err := decodeBase64URL(k.E)
		if err != nil {
			return nil, fmt.Errorf("jwk %s: decode e: %w", k.Kid, err)
		}
		return &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: int(new(big.Int).SetBytes(eBytes).Int64()),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported jwk kty %q", k.Kty)
	}
}

// JWTValidator authenticates requests carrying a bearer JWT, resolving
// the signing key via a JWKSCache (spec.md §4.2).
type JWTValidator struct {
	Cache    *JWKSCache
	Audience string
	Issuer   string
}

func NewJWTValidator(cache *JWKSCache, audience, issuer string) *JWTValidator {
	return &JWTValidator{Cache: cache, Audience: audience, Issuer: issuer}
}

func (v *JWTValidator) Validate(ctx context.Context, r *http.Request) (Identity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return Identity{}, ErrNoCredential
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return Identity{}, ErrNoCredential
	}

	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{}
	if v.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.Audience))
	}
	if v.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.Issuer))
	}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token is missing kid header")
		}
		return v.Cache.keyFor(ctx, kid)
	}, parserOpts...)
	if err != nil {
		return Identity{}, apierr.Unauthorized("invalid bearer token")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, apierr.Unauthorized("token missing sub claim")
	}
	return Identity{UserID: sub, Method: "jwt"}, nil
}

func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
