package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const attemptColumns = `idempotency_key, patient_id, request_hash, request, check_in_id, payment_id, state,
	failed_step, failure_reason, needs_reconciliation, resolved_at, resolution_note, created_at, updated_at`

const uniqueViolation = "23505"

type PgAttemptStore struct {
	pool *pgxpool.Pool
}

func NewPgAttemptStore(pool *pgxpool.Pool) *PgAttemptStore {
	return &PgAttemptStore{pool: pool}
}

func scanAttempt(row pgx.Row) (*SagaAttempt, error) {
	var a SagaAttempt
	var request []byte

	err := row.Scan(
		&a.IdempotencyKey,
		&a.PatientID,
		&a.RequestHash,
		&request,
		&a.CheckInID,
		&a.PaymentID,
		&a.State,
		&a.FailedStep,
		&a.FailureReason,
		&a.NeedsReconciliation,
		&a.ResolvedAt,
		&a.ResolutionNote,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(request, &a.Request); err != nil {
		return nil, fmt.Errorf("decode attempt request: %w", err)
	}
	return &a, nil
}

func (s *PgAttemptStore) Get(ctx context.Context, key string) (*SagaAttempt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+attemptColumns+`
		FROM saga_attempts
		WHERE idempotency_key = $1
	`, key)
	return scanAttempt(row)
}

func (s *PgAttemptStore) Create(ctx context.Context, a *SagaAttempt) error {
	request, err := json.Marshal(a.Request)
	if err != nil {
		return fmt.Errorf("encode attempt request: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO saga_attempts (idempotency_key, patient_id, request_hash, request, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, a.IdempotencyKey, a.PatientID, a.RequestHash, request, a.State, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAttemptExists
		}
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *PgAttemptStore) Update(ctx context.Context, a *SagaAttempt) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE saga_attempts
		SET check_in_id = $2,
		    payment_id = $3,
		    state = $4,
		    failed_step = $5,
		    failure_reason = $6,
		    needs_reconciliation = $7,
		    updated_at = $8
		WHERE idempotency_key = $1
	`, a.IdempotencyKey, a.CheckInID, a.PaymentID, a.State, a.FailedStep, a.FailureReason, a.NeedsReconciliation, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (s *PgAttemptStore) HasActiveForPatient(ctx context.Context, patientID uuid.UUID) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM saga_attempts
			WHERE patient_id = $1 AND state IN ('started', 'checked_in')
		)
	`, patientID).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("check active attempts: %w", err)
	}
	return active, nil
}

func (s *PgAttemptStore) ListNeedingReconciliation(ctx context.Context, limit int) ([]SagaAttempt, error) {
	return s.list(ctx, `
		SELECT `+attemptColumns+`
		FROM saga_attempts
		WHERE needs_reconciliation AND resolved_at IS NULL
		ORDER BY updated_at
		LIMIT $1
	`, limit)
}

func (s *PgAttemptStore) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]SagaAttempt, error) {
	return s.list(ctx, `
		SELECT `+attemptColumns+`
		FROM saga_attempts
		WHERE state IN ('started', 'checked_in') AND updated_at < $2
		ORDER BY updated_at
		LIMIT $1
	`, limit, updatedBefore)
}

// Resolve clears the reconciliation flag and keeps the operator's note.
func (s *PgAttemptStore) Resolve(ctx context.Context, key, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE saga_attempts
		SET needs_reconciliation = false,
		    resolved_at = now(),
		    resolution_note = $2,
		    updated_at = now()
		WHERE idempotency_key = $1 AND needs_reconciliation
	`, key, note)
	if err != nil {
		return fmt.Errorf("resolve attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotReconcilable
	}
	return nil
}

func (s *PgAttemptStore) list(ctx context.Context, query string, args ...any) ([]SagaAttempt, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SagaAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
