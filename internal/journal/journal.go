// Package journal records the outcome of every collection attempt.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an attempt does not exist.
var ErrNotFound = errors.New("attempt not found")

// Attempt status values.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Attempt is one end-to-end run of the collection protocol for a trigger.
type Attempt struct {
	ID              string    `json:"id"`
	PaymentIntentID string    `json:"payment_intent_id"`
	TposID          string    `json:"tpos_id,omitempty"`
	Currency        string    `json:"currency,omitempty"`
	Amount          int64     `json:"amount,omitempty"`
	ChargeID        string    `json:"charge_id,omitempty"`
	Status          string    `json:"status"`
	FailStage       string    `json:"fail_stage,omitempty"`
	FailMessage     string    `json:"fail_message,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Store persists attempts.
type Store interface {
	Insert(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	ListRecent(ctx context.Context, limit int) ([]*Attempt, error)
}
