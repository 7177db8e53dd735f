package checkin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CheckInStatus string

const (
	CheckInActive CheckInStatus = "active"
	CheckInVoided CheckInStatus = "voided"
)

type CheckIn struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	CheckInTime    time.Time
	Department     string
	ReasonForVisit string
	Status         CheckInStatus
	IdempotencyKey string
	VoidedAt       *time.Time
	CreatedAt      time.Time
}

// NewCheckIn is the input to CheckInStore.Create.
type NewCheckIn struct {
	PatientID      uuid.UUID
	CheckInTime    time.Time
	Department     string
	ReasonForVisit string
	IdempotencyKey string
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type PaymentMethod string

const (
	MethodCash      PaymentMethod = "cash"
	MethodCard      PaymentMethod = "card"
	MethodInsurance PaymentMethod = "insurance"
	MethodOnline    PaymentMethod = "online"
)

type Payment struct {
	ID             uuid.UUID     `json:"id"`
	PatientID      uuid.UUID     `json:"patient_id"`
	CheckInID      *uuid.UUID    `json:"check_in_id,omitempty"`
	Amount         float64       `json:"amount"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	Description    string        `json:"description"`
	Status         PaymentStatus `json:"status"`
	PaymentDate    time.Time     `json:"payment_date"`
	IdempotencyKey string        `json:"idempotency_key"`
}

// CaptureRequest is the input to PaymentProcessor.Capture. CheckInID records
// the pairing the saga resolved.
type CaptureRequest struct {
	PatientID      uuid.UUID     `json:"patient_id"`
	CheckInID      uuid.UUID     `json:"check_in_id"`
	Amount         float64       `json:"amount"`
	PaymentMethod  PaymentMethod `json:"payment_method"`
	Description    string        `json:"description"`
	IdempotencyKey string        `json:"idempotency_key"`
}

type SagaState string

const (
	SagaStarted     SagaState = "started"
	SagaCheckedIn   SagaState = "checked_in"
	SagaPaid        SagaState = "paid"
	SagaCompensated SagaState = "compensated"
	SagaFailed      SagaState = "failed"
)

func (s SagaState) IsTerminal() bool {
	return s == SagaPaid || s == SagaCompensated || s == SagaFailed
}

type Step string

const (
	StepCheckIn Step = "check_in"
	StepPayment Step = "payment"
)

// SagaAttempt is the durable record of one combined check-in and payment
// submission, keyed by its idempotency key.
type SagaAttempt struct {
	IdempotencyKey      string
	PatientID           uuid.UUID
	RequestHash         string
	Request             Request
	CheckInID           *uuid.UUID
	PaymentID           *uuid.UUID
	State               SagaState
	FailedStep          Step
	FailureReason       string
	NeedsReconciliation bool
	ResolvedAt          *time.Time
	ResolutionNote      string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (a *SagaAttempt) result() *Result {
	r := &Result{IdempotencyKey: a.IdempotencyKey, State: a.State}
	if a.CheckInID != nil {
		r.CheckInID = *a.CheckInID
	}
	if a.PaymentID != nil {
		r.PaymentID = *a.PaymentID
	}
	return r
}

// Request is what front-desk staff submit from the combined form.
type Request struct {
	PatientID      uuid.UUID     `json:"patient_id" validate:"required"`
	CheckInTime    time.Time     `json:"check_in_time"`
	Department     string        `json:"department" validate:"required,max=100"`
	ReasonForVisit string        `json:"reason_for_visit" validate:"required,max=500"`
	Amount         float64       `json:"amount" validate:"gt=0"`
	PaymentMethod  PaymentMethod `json:"payment_method" validate:"required,oneof=cash card insurance online"`
	Description    string        `json:"description" validate:"max=500"`
}

func (r Request) fingerprint() string {
	data, _ := json.Marshal(r)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type Result struct {
	IdempotencyKey string    `json:"idempotency_key"`
	CheckInID      uuid.UUID `json:"check_in_id"`
	PaymentID      uuid.UUID `json:"payment_id"`
	State          SagaState `json:"state"`
}
