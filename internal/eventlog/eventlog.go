// Package eventlog writes the durable audit trail shared by the appointment
// lifecycle and the check-in saga.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	AppointmentBooked        = "APPOINTMENT_BOOKED"
	AppointmentStatusChanged = "APPOINTMENT_STATUS_CHANGED"
	SagaCheckedIn            = "SAGA_CHECKED_IN"
	SagaPaid                 = "SAGA_PAID"
	SagaCompensated          = "SAGA_COMPENSATED"
	SagaFailed               = "SAGA_FAILED"
	SagaCompensationFailed   = "SAGA_COMPENSATION_FAILED"
	SagaResolved             = "SAGA_RESOLVED"
)

type Entry struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	SagaKey       *string
	Payload       []byte
	CreatedAt     time.Time
}

// Writer persists entries.
type Writer interface {
	Insert(ctx context.Context, e Entry) error
}

type PgWriter struct {
	pool *pgxpool.Pool
}

func NewPgWriter(pool *pgxpool.Pool) *PgWriter {
	return &PgWriter{pool: pool}
}

func (w *PgWriter) Insert(ctx context.Context, e Entry) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, saga_key, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, e.EventType, e.AppointmentID, e.SagaKey, e.Payload, nullableTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

// Recorder marshals payloads and writes them through a Writer. Write failures
// are logged; callers that need a guarantee use RecordStrict.
type Recorder struct {
	w   Writer
	log *zap.Logger
}

func NewRecorder(w Writer, log *zap.Logger) *Recorder {
	return &Recorder{w: w, log: log.With(zap.String("component", "eventlog"))}
}

func (r *Recorder) Appointment(ctx context.Context, id uuid.UUID, eventType string, payload map[string]any) {
	apptID := id
	if err := r.insert(ctx, Entry{EventType: eventType, AppointmentID: &apptID}, payload); err != nil {
		r.log.Warn("failed to record appointment event",
			zap.String("event_type", eventType),
			zap.String("appointment_id", id.String()),
			zap.Error(err),
		)
	}
}

func (r *Recorder) Saga(ctx context.Context, key, eventType string, payload map[string]any) {
	if err := r.RecordStrict(ctx, key, eventType, payload); err != nil {
		r.log.Warn("failed to record saga event",
			zap.String("event_type", eventType),
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
	}
}

// RecordStrict writes a saga event and returns the error instead of logging it.
func (r *Recorder) RecordStrict(ctx context.Context, key, eventType string, payload map[string]any) error {
	sagaKey := key
	return r.insert(ctx, Entry{EventType: eventType, SagaKey: &sagaKey}, payload)
}

func (r *Recorder) insert(ctx context.Context, e Entry, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("failed to marshal event payload", zap.String("event_type", e.EventType), zap.Error(err))
		data = nil
	}
	e.Payload = data
	e.CreatedAt = time.Now()
	return r.w.Insert(ctx, e)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
