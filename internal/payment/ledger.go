// Package payment holds the PaymentProcessor implementations used by the
// check-in saga: a Postgres ledger for cash and in-house billing, and an HTTP
// client for an external gateway.
package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/hospital-frontdesk/internal/checkin"
)

const paymentColumns = `id, patient_id, check_in_id, amount, payment_method, description, status, payment_date, idempotency_key`

// Ledger records payments directly in Postgres. Captures are idempotent on
// the idempotency key.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

func scanPayment(row pgx.Row) (*checkin.Payment, error) {
	var p checkin.Payment
	err := row.Scan(
		&p.ID,
		&p.PatientID,
		&p.CheckInID,
		&p.Amount,
		&p.PaymentMethod,
		&p.Description,
		&p.Status,
		&p.PaymentDate,
		&p.IdempotencyKey,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, checkin.ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (l *Ledger) Capture(ctx context.Context, req checkin.CaptureRequest) (*checkin.Payment, error) {
	var checkInID *uuid.UUID
	if req.CheckInID != uuid.Nil {
		checkInID = &req.CheckInID
	}

	row := l.pool.QueryRow(ctx, `
		INSERT INTO payments (id, patient_id, check_in_id, amount, payment_method, description, status, payment_date, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, 'completed', now(), $7)
		ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key
		RETURNING `+paymentColumns,
		uuid.New(), req.PatientID, checkInID, req.Amount, req.PaymentMethod, req.Description, req.IdempotencyKey)

	p, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("capture payment: %w", err)
	}
	return p, nil
}

func (l *Ledger) FindByIdempotencyKey(ctx context.Context, key string) (*checkin.Payment, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE idempotency_key = $1
	`, key)
	return scanPayment(row)
}
