package checkin

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrAttemptNotFound = errors.New("check-in attempt not found")
	ErrAttemptExists   = errors.New("check-in attempt already exists")
	ErrCheckInNotFound = errors.New("check-in not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrNotReconcilable = errors.New("check-in attempt is not waiting for reconciliation")

	ErrSagaInProgress     = errors.New("a check-in with this idempotency key is already being processed")
	ErrStepFailed         = errors.New("check-in step failed")
	ErrCompensationFailed = errors.New("check-in compensation failed")
)

// StepFailedError reports a remote step that failed. When Compensated is
// set the check-in created earlier has been voided; when Pending is set the
// outcome could not be determined and the attempt stays resumable.
type StepFailedError struct {
	Key         string
	Step        Step
	Compensated bool
	Pending     bool
	Err         error
}

func (e *StepFailedError) Error() string {
	switch {
	case e.Compensated:
		return fmt.Sprintf("%s step failed and the check-in was voided: %v", e.Step, e.Err)
	case e.Pending:
		return fmt.Sprintf("%s step outcome unknown, retry with the same idempotency key: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("%s step failed: %v", e.Step, e.Err)
	}
}

func (e *StepFailedError) Is(target error) bool { return target == ErrStepFailed }

func (e *StepFailedError) Unwrap() error { return e.Err }

// CompensationFailedError means payment failed and voiding the check-in also
// failed. The attempt is queued for manual reconciliation.
type CompensationFailedError struct {
	Key        string
	CheckInID  uuid.UUID
	PaymentErr error
	VoidErr    error
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("payment failed (%v) and check-in %s could not be voided (%v); contact support, do not resubmit",
		e.PaymentErr, e.CheckInID, e.VoidErr)
}

func (e *CompensationFailedError) Is(target error) bool { return target == ErrCompensationFailed }

func (e *CompensationFailedError) Unwrap() []error { return []error{e.PaymentErr, e.VoidErr} }
