package journal

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists attempts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed journal store.
// Schema is managed by the migrations/ directory.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

// Insert records an attempt.
func (p *PostgresStore) Insert(ctx context.Context, a *Attempt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO collection_attempts
			(id, payment_intent_id, tpos_id, currency, amount, charge_id,
			 status, fail_stage, fail_message, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.PaymentIntentID, a.TposID, a.Currency, a.Amount, a.ChargeID,
		a.Status, a.FailStage, a.FailMessage, a.StartedAt, a.FinishedAt)
	return err
}

// Get retrieves one attempt by id.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Attempt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, payment_intent_id, tpos_id, currency, amount, charge_id,
		       status, fail_stage, fail_message, started_at, finished_at
		FROM collection_attempts WHERE id = $1
	`, id)

	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListRecent returns up to limit attempts, newest first.
func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, payment_intent_id, tpos_id, currency, amount, charge_id,
		       status, fail_stage, fail_message, started_at, finished_at
		FROM collection_attempts
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (*Attempt, error) {
	a := &Attempt{}
	var tposID, currency, chargeID, failStage, failMessage sql.NullString
	var amount sql.NullInt64

	err := s.Scan(
		&a.ID, &a.PaymentIntentID, &tposID, &currency, &amount, &chargeID,
		&a.Status, &failStage, &failMessage, &a.StartedAt, &a.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	a.TposID = tposID.String
	a.Currency = currency.String
	a.Amount = amount.Int64
	a.ChargeID = chargeID.String
	a.FailStage = failStage.String
	a.FailMessage = failMessage.String
	return a, nil
}
