// Package report delivers collection outcomes to an operator-configured
// callback endpoint. Delivery is fire-and-forget: errors are logged and
// counted but never surfaced to the payment flow.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/tapagent/internal/metrics"
	"github.com/mbd888/tapagent/internal/retry"
)

// Outcome is the JSON payload posted to the callback URL after every
// collection attempt reaches a terminal state.
type Outcome struct {
	PaymentIntentID string `json:"payment_intent_id"`
	TposID          string `json:"tpos_id"`
	Currency        string `json:"currency"`
	Amount          int64  `json:"amount"`
	ChargeID        string `json:"charge_id,omitempty"`
	Paid            bool   `json:"paid"`
	FailStage       string `json:"fail_stage,omitempty"`
	FailMessage     string `json:"fail_message,omitempty"`
}

// Reporter posts outcomes to a callback URL. A Reporter with an empty URL
// is valid and drops every outcome silently.
type Reporter struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// New creates a Reporter targeting url. Pass an empty url to disable
// outbound reporting entirely.
func New(url string, logger *slog.Logger) *Reporter {
	return &Reporter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Enabled reports whether a callback URL is configured.
func (r *Reporter) Enabled() bool { return r != nil && r.url != "" }

// Deliver posts the outcome to the callback URL, retrying a few times.
// It never returns an error; failures are logged and counted.
func (r *Reporter) Deliver(ctx context.Context, o Outcome) {
	if !r.Enabled() {
		return
	}

	body, err := json.Marshal(o)
	if err != nil {
		r.logger.Error("outcome report marshal failed", "error", err)
		metrics.ReportsTotal.WithLabelValues("error").Inc()
		return
	}

	err = retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return r.post(ctx, body)
	})
	if err != nil {
		metrics.ReportsTotal.WithLabelValues("error").Inc()
		r.logger.Warn("outcome report delivery failed",
			"payment_intent_id", o.PaymentIntentID,
			"paid", o.Paid,
			"error", err)
		return
	}

	metrics.ReportsTotal.WithLabelValues("ok").Inc()
	r.logger.Info("outcome reported",
		"payment_intent_id", o.PaymentIntentID,
		"paid", o.Paid)
}

func (r *Reporter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("callback returned HTTP %d", resp.StatusCode)
	// 4xx responses won't improve on retry.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Permanent(err)
	}
	return err
}
