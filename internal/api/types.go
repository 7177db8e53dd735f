package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-frontdesk/internal/appointment"
	"github.com/hackgods/hospital-frontdesk/internal/checkin"
)

type BookAppointmentRequest struct {
	PatientID   string    `json:"patient_id"`
	DoctorID    string    `json:"doctor_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Location    *string   `json:"location,omitempty"`
}

// VersionRequest carries the version the caller last read. Zero means the
// caller accepts whatever is current.
type VersionRequest struct {
	Version int64 `json:"version"`
}

type StatusChangeRequest struct {
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

type RescheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	Version     int64     `json:"version"`
}

type RebookRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Version     int64      `json:"version"`
}

type AppointmentResponse struct {
	ID          uuid.UUID `json:"id"`
	PatientID   uuid.UUID `json:"patient_id"`
	DoctorID    uuid.UUID `json:"doctor_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Location    *string   `json:"location,omitempty"`
	Status      string    `json:"status"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		PatientID:   a.PatientID,
		DoctorID:    a.DoctorID,
		ScheduledAt: a.ScheduledAt,
		Location:    a.Location,
		Status:      string(a.Status),
		Version:     a.Version,
		UpdatedAt:   a.UpdatedAt,
	}
}

type CheckInRequest struct {
	PatientID      string    `json:"patient_id"`
	CheckInTime    time.Time `json:"check_in_time"`
	Department     string    `json:"department"`
	ReasonForVisit string    `json:"reason_for_visit"`
	Amount         float64   `json:"amount"`
	PaymentMethod  string    `json:"payment_method"`
	Description    string    `json:"description"`
}

type CheckInAttemptResponse struct {
	IdempotencyKey      string     `json:"idempotency_key"`
	PatientID           uuid.UUID  `json:"patient_id"`
	State               string     `json:"state"`
	CheckInID           *uuid.UUID `json:"check_in_id,omitempty"`
	PaymentID           *uuid.UUID `json:"payment_id,omitempty"`
	FailedStep          string     `json:"failed_step,omitempty"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	NeedsReconciliation bool       `json:"needs_reconciliation"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func toAttemptResponse(a *checkin.SagaAttempt) CheckInAttemptResponse {
	return CheckInAttemptResponse{
		IdempotencyKey:      a.IdempotencyKey,
		PatientID:           a.PatientID,
		State:               string(a.State),
		CheckInID:           a.CheckInID,
		PaymentID:           a.PaymentID,
		FailedStep:          string(a.FailedStep),
		FailureReason:       a.FailureReason,
		NeedsReconciliation: a.NeedsReconciliation,
		UpdatedAt:           a.UpdatedAt,
	}
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}
