package checkin

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const checkInColumns = `id, patient_id, check_in_time, department, reason_for_visit, status, idempotency_key, voided_at, created_at`

type PgCheckInStore struct {
	pool *pgxpool.Pool
}

func NewPgCheckInStore(pool *pgxpool.Pool) *PgCheckInStore {
	return &PgCheckInStore{pool: pool}
}

func scanCheckIn(row pgx.Row) (*CheckIn, error) {
	var ci CheckIn
	err := row.Scan(
		&ci.ID,
		&ci.PatientID,
		&ci.CheckInTime,
		&ci.Department,
		&ci.ReasonForVisit,
		&ci.Status,
		&ci.IdempotencyKey,
		&ci.VoidedAt,
		&ci.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCheckInNotFound
		}
		return nil, err
	}
	return &ci, nil
}

// Create is idempotent on the idempotency key: a second insert for the same
// key returns the row already stored.
func (s *PgCheckInStore) Create(ctx context.Context, in NewCheckIn) (*CheckIn, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO check_ins (id, patient_id, check_in_time, department, reason_for_visit, status, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, 'active', $6, now())
		ON CONFLICT (idempotency_key) DO UPDATE SET idempotency_key = EXCLUDED.idempotency_key
		RETURNING `+checkInColumns,
		uuid.New(), in.PatientID, in.CheckInTime.UTC(), in.Department, in.ReasonForVisit, in.IdempotencyKey)

	ci, err := scanCheckIn(row)
	if err != nil {
		return nil, fmt.Errorf("insert check-in: %w", err)
	}
	return ci, nil
}

// Void marks the check-in voided. Voiding twice is a no-op.
func (s *PgCheckInStore) Void(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE check_ins
		SET status = 'voided',
		    voided_at = COALESCE(voided_at, now())
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("void check-in: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCheckInNotFound
	}
	return nil
}

func (s *PgCheckInStore) FindByIdempotencyKey(ctx context.Context, key string) (*CheckIn, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+checkInColumns+`
		FROM check_ins
		WHERE idempotency_key = $1
	`, key)
	return scanCheckIn(row)
}
