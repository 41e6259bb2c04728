// Package token exchanges the stored bearer credential for short-lived
// hardware session tokens via the backend's connection-token endpoint.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/tapagent/internal/circuitbreaker"
	"github.com/mbd888/tapagent/internal/metrics"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("connection token endpoint unavailable")

// Credentials supplies the endpoint URL and bearer credential. Read lazily
// on every fetch so a re-pair takes effect without restarting the bridge.
type Credentials interface {
	TokenEndpoint() (url, bearer string, err error)
}

// Bridge fetches connection tokens. Safe for concurrent use.
type Bridge struct {
	creds   Credentials
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// New creates a token bridge.
func New(creds Credentials, logger *slog.Logger) *Bridge {
	return &Bridge{
		creds:   creds,
		client:  &http.Client{Timeout: 15 * time.Second},
		breaker: circuitbreaker.New("connection_token", 5, 30*time.Second),
		logger:  logger,
	}
}

type tokenResponse struct {
	Secret string `json:"secret"`
}

// FetchConnectionToken issues one authenticated request to the backend and
// returns the session token secret. Non-2xx responses and blank secrets are
// failures.
func (b *Bridge) FetchConnectionToken(ctx context.Context) (string, error) {
	if !b.breaker.Allow() {
		metrics.TokenFetchesTotal.WithLabelValues("rejected").Inc()
		return "", ErrUnavailable
	}

	secret, err := b.fetch(ctx)
	if err != nil {
		b.breaker.RecordFailure()
		metrics.TokenFetchesTotal.WithLabelValues("error").Inc()
		b.logger.Warn("connection token fetch failed", "error", err)
		return "", err
	}

	b.breaker.RecordSuccess()
	metrics.TokenFetchesTotal.WithLabelValues("ok").Inc()
	return secret, nil
}

func (b *Bridge) fetch(ctx context.Context) (string, error) {
	url, bearer, err := b.creds.TokenEndpoint()
	if err != nil {
		return "", fmt.Errorf("resolve token endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(""))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("connection token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("connection token HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(tr.Secret) == "" {
		return "", fmt.Errorf("connection token response has no secret")
	}
	return tr.Secret, nil
}
