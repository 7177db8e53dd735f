package checkin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-frontdesk/internal/eventlog"
	"github.com/hackgods/hospital-frontdesk/internal/notify"
	redisclient "github.com/hackgods/hospital-frontdesk/internal/redis"
	"github.com/hackgods/hospital-frontdesk/internal/validation"
)

// Coordinator runs the check-in then payment saga. Each idempotency key is an
// exclusive lane; state lives in the AttemptStore so a crashed run resumes
// from its last recorded step.
type Coordinator struct {
	checkIns    CheckInStore
	payments    PaymentProcessor
	attempts    AttemptStore
	locker      redisclient.Locker
	events      EventRecorder
	notifier    notify.Emitter
	log         *zap.Logger
	stepTimeout time.Duration
	now         func() time.Time
}

type Option func(*Coordinator)

// WithStepTimeout bounds each remote call.
func WithStepTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.stepTimeout = d }
}

func WithEventRecorder(r EventRecorder) Option {
	return func(c *Coordinator) { c.events = r }
}

func WithNotifier(n notify.Emitter) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func NewCoordinator(checkIns CheckInStore, payments PaymentProcessor, attempts AttemptStore, locker redisclient.Locker, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		checkIns:    checkIns,
		payments:    payments,
		attempts:    attempts,
		locker:      locker,
		events:      nopRecorder{},
		notifier:    notify.Nop{},
		log:         log.With(zap.String("service", "checkin")),
		stepTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run registers the patient's arrival and captures the payment as one
// logical unit. An empty key is replaced by a generated one, returned in the
// result.
func (c *Coordinator) Run(ctx context.Context, req Request, key string) (*Result, error) {
	if key == "" {
		key = uuid.NewString()
	}
	if !req.CheckInTime.IsZero() {
		req.CheckInTime = req.CheckInTime.UTC()
	}

	if fields := validation.Struct(req); len(fields) > 0 {
		c.log.Warn("check-in validation failed", zap.String("idempotency_key", key), zap.Any("errors", fields))
		return nil, validation.NewError(fields)
	}

	hash := req.fingerprint()

	var result *Result
	err := c.withLane(ctx, key, func(lockCtx context.Context) error {
		attempt, resumed, err := c.loadOrStart(lockCtx, key, req, hash)
		if err != nil {
			return err
		}
		result, err = c.drive(lockCtx, attempt, resumed)
		return err
	})
	return result, err
}

// Resume continues a persisted attempt from its recorded state.
func (c *Coordinator) Resume(ctx context.Context, key string) (*Result, error) {
	var result *Result
	err := c.withLane(ctx, key, func(lockCtx context.Context) error {
		attempt, err := c.attempts.Get(lockCtx, key)
		if err != nil {
			return err
		}
		result, err = c.drive(lockCtx, attempt, true)
		return err
	})
	return result, err
}

// ResumeStale resumes non-terminal attempts untouched for olderThan. It
// returns how many attempts reached a terminal state.
func (c *Coordinator) ResumeStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := c.attempts.ListStale(ctx, c.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale attempts: %w", err)
	}

	settled := 0
	for _, a := range stale {
		res, err := c.Resume(ctx, a.IdempotencyKey)
		switch {
		case err == nil:
			settled++
			c.log.Info("stale check-in resumed", zap.String("idempotency_key", a.IdempotencyKey), zap.String("state", string(res.State)))
		case errors.Is(err, ErrSagaInProgress):
			c.log.Debug("stale check-in is being processed elsewhere", zap.String("idempotency_key", a.IdempotencyKey))
		case errors.Is(err, ErrStepFailed), errors.Is(err, ErrCompensationFailed):
			var sf *StepFailedError
			if !errors.As(err, &sf) || !sf.Pending {
				settled++
			}
			c.log.Warn("stale check-in resumed with failure", zap.String("idempotency_key", a.IdempotencyKey), zap.Error(err))
		default:
			c.log.Error("failed to resume stale check-in", zap.String("idempotency_key", a.IdempotencyKey), zap.Error(err))
		}
	}
	return settled, nil
}

func (c *Coordinator) Status(ctx context.Context, key string) (*SagaAttempt, error) {
	return c.attempts.Get(ctx, key)
}

// HasActiveCheckIn reports whether patientID has a saga still in started or
// checked_in.
func (c *Coordinator) HasActiveCheckIn(ctx context.Context, patientID uuid.UUID) (bool, error) {
	return c.attempts.HasActiveForPatient(ctx, patientID)
}

func (c *Coordinator) PendingReconciliation(ctx context.Context, limit int) ([]SagaAttempt, error) {
	return c.attempts.ListNeedingReconciliation(ctx, limit)
}

// Resolve records that an operator settled an attempt whose compensation
// failed.
func (c *Coordinator) Resolve(ctx context.Context, key, note string) error {
	return c.withLane(ctx, key, func(lockCtx context.Context) error {
		a, err := c.attempts.Get(lockCtx, key)
		if err != nil {
			return err
		}
		if !a.NeedsReconciliation {
			return ErrNotReconcilable
		}
		if err := c.attempts.Resolve(lockCtx, key, note); err != nil {
			return fmt.Errorf("resolve attempt: %w", err)
		}
		c.events.Saga(lockCtx, key, eventlog.SagaResolved, map[string]any{"note": note})
		c.log.Info("check-in reconciliation resolved", zap.String("idempotency_key", key))
		return nil
	})
}

func (c *Coordinator) withLane(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	err := c.locker.WithLock(ctx, key, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSagaInProgress
	}
	return err
}

func (c *Coordinator) loadOrStart(ctx context.Context, key string, req Request, hash string) (*SagaAttempt, bool, error) {
	existing, err := c.attempts.Get(ctx, key)
	switch {
	case err == nil:
		if existing.RequestHash != hash {
			return nil, false, validation.Field("idempotency_key", "already used for a different check-in request")
		}
		return existing, true, nil
	case !errors.Is(err, ErrAttemptNotFound):
		return nil, false, fmt.Errorf("load attempt: %w", err)
	}

	now := c.now().UTC()
	attempt := &SagaAttempt{
		IdempotencyKey: key,
		PatientID:      req.PatientID,
		RequestHash:    hash,
		Request:        req,
		State:          SagaStarted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.attempts.Create(ctx, attempt); err != nil {
		if errors.Is(err, ErrAttemptExists) {
			return nil, false, ErrSagaInProgress
		}
		return nil, false, fmt.Errorf("create attempt: %w", err)
	}
	return attempt, false, nil
}

func (c *Coordinator) drive(ctx context.Context, a *SagaAttempt, resumed bool) (*Result, error) {
	for {
		switch a.State {
		case SagaPaid:
			return a.result(), nil

		case SagaCompensated:
			return nil, &StepFailedError{Key: a.IdempotencyKey, Step: a.FailedStep, Compensated: true, Err: errors.New(a.FailureReason)}

		case SagaFailed:
			if a.NeedsReconciliation {
				return nil, &CompensationFailedError{
					Key:        a.IdempotencyKey,
					CheckInID:  derefID(a.CheckInID),
					PaymentErr: errors.New(a.FailureReason),
					VoidErr:    errors.New("awaiting manual reconciliation"),
				}
			}
			return nil, &StepFailedError{Key: a.IdempotencyKey, Step: a.FailedStep, Err: errors.New(a.FailureReason)}

		case SagaStarted:
			if err := c.registerArrival(ctx, a); err != nil {
				return nil, err
			}

		case SagaCheckedIn:
			if resumed {
				voided, err := c.checkInVoided(ctx, a)
				if err != nil {
					return nil, err
				}
				if voided {
					continue
				}
			}
			if err := c.capturePayment(ctx, a); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("attempt %s has unknown state %q", a.IdempotencyKey, a.State)
		}
	}
}

// registerArrival is step one. The store is queried by key first so a
// resumed attempt never creates a second check-in.
func (c *Coordinator) registerArrival(ctx context.Context, a *SagaAttempt) error {
	ci, err := c.findCheckIn(ctx, a.IdempotencyKey)
	if err != nil && !errors.Is(err, ErrCheckInNotFound) {
		return &StepFailedError{Key: a.IdempotencyKey, Step: StepCheckIn, Pending: true, Err: err}
	}

	switch {
	case ci != nil && ci.Status == CheckInVoided:
		err = fmt.Errorf("check-in %s for this key was already voided", ci.ID)
	case ci == nil:
		checkInTime := a.Request.CheckInTime
		if checkInTime.IsZero() {
			checkInTime = a.CreatedAt
		}

		stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
		ci, err = c.checkIns.Create(stepCtx, NewCheckIn{
			PatientID:      a.PatientID,
			CheckInTime:    checkInTime,
			Department:     a.Request.Department,
			ReasonForVisit: a.Request.ReasonForVisit,
			IdempotencyKey: a.IdempotencyKey,
		})
		cancel()

		if err != nil {
			// the create may have landed despite a client-side timeout
			found, ferr := c.findCheckIn(ctx, a.IdempotencyKey)
			switch {
			case ferr == nil && found.Status == CheckInActive:
				ci, err = found, nil
			case ferr != nil && !errors.Is(ferr, ErrCheckInNotFound):
				return &StepFailedError{Key: a.IdempotencyKey, Step: StepCheckIn, Pending: true, Err: err}
			}
		}
	}

	if err != nil {
		a.State = SagaFailed
		a.FailedStep = StepCheckIn
		a.FailureReason = err.Error()
		if perr := c.persist(ctx, a); perr != nil {
			return perr
		}
		c.events.Saga(ctx, a.IdempotencyKey, eventlog.SagaFailed, map[string]any{"step": string(StepCheckIn), "error": err.Error()})
		c.log.Warn("check-in step failed", zap.String("idempotency_key", a.IdempotencyKey), zap.Error(err))
		return &StepFailedError{Key: a.IdempotencyKey, Step: StepCheckIn, Err: err}
	}

	id := ci.ID
	a.State = SagaCheckedIn
	a.CheckInID = &id
	if err := c.persist(ctx, a); err != nil {
		return err
	}
	c.events.Saga(ctx, a.IdempotencyKey, eventlog.SagaCheckedIn, map[string]any{"check_in_id": id.String()})
	return nil
}

// capturePayment is step two. On failure the processor is re-queried by key
// before compensating, since a timed-out capture may have gone through.
func (c *Coordinator) capturePayment(ctx context.Context, a *SagaAttempt) error {
	stepCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	p, err := c.payments.Capture(stepCtx, CaptureRequest{
		PatientID:      a.PatientID,
		CheckInID:      derefID(a.CheckInID),
		Amount:         a.Request.Amount,
		PaymentMethod:  a.Request.PaymentMethod,
		Description:    a.Request.Description,
		IdempotencyKey: a.IdempotencyKey,
	})
	cancel()

	capturedPending := err == nil && p.Status == PaymentPending
	if err == nil && p.Status != PaymentCompleted {
		err = fmt.Errorf("payment %s ended in status %s", p.ID, p.Status)
	}

	if err != nil {
		found, ferr := c.findPayment(ctx, a.IdempotencyKey)
		switch {
		case ferr == nil && found.Status == PaymentCompleted:
			c.log.Info("payment found on reconciliation after capture error",
				zap.String("idempotency_key", a.IdempotencyKey), zap.Error(err))
			p, err = found, nil
		case ferr != nil && !errors.Is(ferr, ErrPaymentNotFound),
			ferr == nil && found.Status == PaymentPending,
			capturedPending && ferr != nil:
			// A pending payment may still complete, and voiding now could
			// strand a paid visit. Leave the attempt resumable.
			c.log.Warn("payment outcome unknown, leaving attempt resumable",
				zap.String("idempotency_key", a.IdempotencyKey), zap.Error(err), zap.NamedError("reconcile_error", ferr))
			return &StepFailedError{Key: a.IdempotencyKey, Step: StepPayment, Pending: true, Err: err}
		default:
			// No payment exists for the key, or it failed.
			return c.compensate(ctx, a, err)
		}
	}

	id := p.ID
	a.State = SagaPaid
	a.PaymentID = &id
	if err := c.persist(ctx, a); err != nil {
		return err
	}

	c.events.Saga(ctx, a.IdempotencyKey, eventlog.SagaPaid, map[string]any{
		"check_in_id": derefID(a.CheckInID).String(),
		"payment_id":  id.String(),
		"amount":      p.Amount,
	})
	_ = c.notifier.Emit(ctx, notify.Event{
		Type:      "checkin.paid",
		PatientID: a.PatientID.String(),
		Subject:   "You are checked in",
		Data: map[string]string{
			"department": a.Request.Department,
			"payment_id": id.String(),
		},
	})
	c.log.Info("check-in completed",
		zap.String("idempotency_key", a.IdempotencyKey),
		zap.String("patient_id", a.PatientID.String()),
		zap.String("payment_id", id.String()),
		zap.Float64("amount", p.Amount),
	)
	return nil
}

func (c *Coordinator) compensate(ctx context.Context, a *SagaAttempt, cause error) error {
	checkInID := derefID(a.CheckInID)

	voidCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	verr := c.checkIns.Void(voidCtx, checkInID)
	cancel()

	a.FailedStep = StepPayment

	if verr != nil {
		a.State = SagaFailed
		a.FailureReason = cause.Error()
		a.NeedsReconciliation = true

		cfErr := &CompensationFailedError{Key: a.IdempotencyKey, CheckInID: checkInID, PaymentErr: cause, VoidErr: verr}

		c.log.Error("check-in compensation failed, manual reconciliation required",
			zap.String("idempotency_key", a.IdempotencyKey),
			zap.String("patient_id", a.PatientID.String()),
			zap.String("check_in_id", checkInID.String()),
			zap.NamedError("payment_error", cause),
			zap.NamedError("void_error", verr),
		)

		if perr := c.persist(ctx, a); perr != nil {
			c.log.Error("failed to queue attempt for reconciliation",
				zap.String("idempotency_key", a.IdempotencyKey), zap.Error(perr))
			return errors.Join(cfErr, perr)
		}
		if eerr := c.events.RecordStrict(ctx, a.IdempotencyKey, eventlog.SagaCompensationFailed, map[string]any{
			"check_in_id":   checkInID.String(),
			"payment_error": cause.Error(),
			"void_error":    verr.Error(),
		}); eerr != nil {
			c.log.Error("failed to record compensation failure event",
				zap.String("idempotency_key", a.IdempotencyKey), zap.Error(eerr))
		}
		return cfErr
	}

	a.State = SagaCompensated
	a.FailureReason = cause.Error()
	if err := c.persist(ctx, a); err != nil {
		return err
	}
	c.events.Saga(ctx, a.IdempotencyKey, eventlog.SagaCompensated, map[string]any{
		"check_in_id":   checkInID.String(),
		"payment_error": cause.Error(),
	})
	c.log.Warn("payment failed, check-in voided",
		zap.String("idempotency_key", a.IdempotencyKey),
		zap.String("check_in_id", checkInID.String()),
		zap.Error(cause),
	)
	return &StepFailedError{Key: a.IdempotencyKey, Step: StepPayment, Compensated: true, Err: cause}
}

// checkInVoided handles an attempt persisted as checked_in whose check-in was
// voided by an earlier run that crashed before recording compensation.
func (c *Coordinator) checkInVoided(ctx context.Context, a *SagaAttempt) (bool, error) {
	ci, err := c.findCheckIn(ctx, a.IdempotencyKey)
	if err != nil {
		if errors.Is(err, ErrCheckInNotFound) {
			return false, nil
		}
		return false, &StepFailedError{Key: a.IdempotencyKey, Step: StepPayment, Pending: true, Err: err}
	}
	if ci.Status != CheckInVoided {
		return false, nil
	}

	a.State = SagaCompensated
	a.FailedStep = StepPayment
	if a.FailureReason == "" {
		a.FailureReason = "check-in was voided before payment completed"
	}
	if err := c.persist(ctx, a); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) findCheckIn(ctx context.Context, key string) (*CheckIn, error) {
	qctx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	defer cancel()
	return c.checkIns.FindByIdempotencyKey(qctx, key)
}

func (c *Coordinator) findPayment(ctx context.Context, key string) (*Payment, error) {
	qctx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	defer cancel()
	return c.payments.FindByIdempotencyKey(qctx, key)
}

func (c *Coordinator) persist(ctx context.Context, a *SagaAttempt) error {
	a.UpdatedAt = c.now().UTC()
	if err := c.attempts.Update(ctx, a); err != nil {
		return fmt.Errorf("persist attempt %s as %s: %w", a.IdempotencyKey, a.State, err)
	}
	return nil
}

func derefID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

type nopRecorder struct{}

func (nopRecorder) Saga(context.Context, string, string, map[string]any) {}

func (nopRecorder) RecordStrict(context.Context, string, string, map[string]any) error { return nil }
