package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrConflict            = errors.New("appointment was modified by someone else, re-fetch and retry")
	ErrCheckInInProgress   = errors.New("a check-in for this patient is still in progress, try again once it resolves")
	ErrBookingNotPermitted = errors.New("role is not permitted to book appointments")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	Load(ctx context.Context, id uuid.UUID) (*Appointment, error)
	Create(ctx context.Context, a *Appointment) (*Appointment, error)

	// SaveChange writes change only if the stored version still equals
	// expectedVersion, and returns ErrConflict otherwise.
	SaveChange(ctx context.Context, id uuid.UUID, expectedVersion int64, change Change) (*Appointment, error)

	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
}

// CheckInTracker reports whether a check-in saga for the patient has not yet
// resolved.
type CheckInTracker interface {
	HasActiveCheckIn(ctx context.Context, patientID uuid.UUID) (bool, error)
}

// EventRecorder appends to the audit trail.
type EventRecorder interface {
	Appointment(ctx context.Context, id uuid.UUID, eventType string, payload map[string]any)
}
