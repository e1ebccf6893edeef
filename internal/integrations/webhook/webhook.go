// Package webhook implements the webhook delivery handler (spec.md
// §4.6): configurable method, headers, auth scheme, TLS verification,
// and timeout, adapted from the teacher's internal/subscribers/webhook
// generic event-forwarding subscriber into a per-kind delivery handler.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/dispatcher"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/httpclient"
	"github.com/RHEcosystemAppEng/self-service-agent-blueprint/internal/store"
)

const maxErrorBodyBytes = 1 << 20

// Config is the per-user/per-default webhook delivery configuration,
// unmarshaled from EffectiveConfig.ConfigJSON.
type Config struct {
	URL                string            `json:"url"`
	Method             string            `json:"method,omitempty"`
	Headers            map[string]string `json:"headers,omitempty"`
	Auth               AuthConfig        `json:"auth,omitempty"`
	InsecureSkipVerify bool              `json:"insecure_skip_verify,omitempty"`
	TimeoutSeconds     int               `json:"timeout_seconds,omitempty"`
}

// AuthConfig selects the outbound authentication scheme (spec.md §4.6
// "auth (bearer | api_key | basic)").
type AuthConfig struct {
	Type         string `json:"type,omitempty"` // "bearer" | "api_key" | "basic"
	Token        string `json:"token,omitempty"`
	APIKeyHeader string `json:"api_key_header,omitempty"`
	APIKeyValue  string `json:"api_key_value,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
}

// Handler delivers DeliveryPayloads to a configurable webhook endpoint,
// rate-limited per destination host.
type Handler struct {
	limiter *httpclient.Client
}

// New builds a Handler whose outbound requests are throttled to
// ratePerSec per destination host (spec.md §4.6's webhook rate limit).
func New(ratePerSec float64) *Handler {
	return &Handler{limiter: httpclient.New(10*time.Second, ratePerSec)}
}

func (h *Handler) Deliver(ctx context.Context, cfg store.EffectiveConfig, payload dispatcher.DeliveryPayload) dispatcher.Outcome {
	var whCfg Config
	if cfg.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(cfg.ConfigJSON), &whCfg); err != nil {
			return dispatcher.Outcome{Success: false, Retryable: false, Error: fmt.Sprintf("invalid webhook config: %v", err)}
		}
	}
	if strings.TrimSpace(whCfg.URL) == "" {
		return dispatcher.Outcome{Success: false, Retryable: false, Error: "webhook config is missing a url"}
	}
	method := whCfg.Method
	if method == "" {
		method = http.MethodPost
	}
	timeout := time.Duration(whCfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return dispatcher.Outcome{Success: false, Retryable: false, Error: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, method, whCfg.URL, bytes.NewReader(body))
	if err != nil {
		return dispatcher.Outcome{Success: false, Retryable: false, Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", payload.IdempotencyKey)
	for k, v := range whCfg.Headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, whCfg.Auth)

	if err := h.limiter.Wait(ctx, req.URL.Hostname()); err != nil {
		return dispatcher.Outcome{Success: false, Retryable: true, Error: fmt.Sprintf("rate limit wait: %v", err)}
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: whCfg.InsecureSkipVerify}},
	}
	resp, err := client.Do(req)
	if err != nil {
		return dispatcher.Outcome{Success: false, Retryable: true, Error: fmt.Sprintf("post webhook: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return dispatcher.Outcome{Success: true}
	}

	errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	// 4xx beyond a rate limit or a conflict is a caller-configuration
	// problem, not transient; everything else (5xx, 429) is retryable.
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return dispatcher.Outcome{
		Success:   false,
		Retryable: retryable,
		Error:     fmt.Sprintf("webhook status=%d body=%q", resp.StatusCode, string(errorBody)),
	}
}

func applyAuth(req *http.Request, auth AuthConfig) {
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "api_key":
		header := auth.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.APIKeyValue)
	case "basic":
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set("Authorization", "Basic "+creds)
	}
}

var _ dispatcher.Handler = (*Handler)(nil)
