package checkin

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CheckInStore registers patient arrival. FindByIdempotencyKey returns
// ErrCheckInNotFound when nothing was recorded for key.
type CheckInStore interface {
	Create(ctx context.Context, in NewCheckIn) (*CheckIn, error)
	Void(ctx context.Context, id uuid.UUID) error
	FindByIdempotencyKey(ctx context.Context, key string) (*CheckIn, error)
}

// PaymentProcessor captures payments. FindByIdempotencyKey returns
// ErrPaymentNotFound when no capture was recorded for key.
type PaymentProcessor interface {
	Capture(ctx context.Context, req CaptureRequest) (*Payment, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Payment, error)
}

// AttemptStore persists saga attempts. Only the coordinator owning a key
// writes its attempt.
type AttemptStore interface {
	Get(ctx context.Context, key string) (*SagaAttempt, error)
	Create(ctx context.Context, a *SagaAttempt) error
	Update(ctx context.Context, a *SagaAttempt) error
	HasActiveForPatient(ctx context.Context, patientID uuid.UUID) (bool, error)
	ListNeedingReconciliation(ctx context.Context, limit int) ([]SagaAttempt, error)
	ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]SagaAttempt, error)
	Resolve(ctx context.Context, key, note string) error
}

// EventRecorder appends to the audit trail. RecordStrict is used where a
// lost entry would hide a case needing manual reconciliation.
type EventRecorder interface {
	Saga(ctx context.Context, key, eventType string, payload map[string]any)
	RecordStrict(ctx context.Context, key, eventType string, payload map[string]any) error
}
