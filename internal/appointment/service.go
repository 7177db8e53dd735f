package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-frontdesk/internal/eventlog"
	"github.com/hackgods/hospital-frontdesk/internal/notify"
	"github.com/hackgods/hospital-frontdesk/internal/validation"
)

type Service struct {
	repo       Repository
	guard      *Guard
	checkIns   CheckInTracker
	events     EventRecorder
	notifier   notify.Emitter
	log        *zap.Logger
	maxRetries int
}

type Option func(*Service)

// WithCheckInTracker blocks cancellation while a check-in saga is unresolved.
func WithCheckInTracker(t CheckInTracker) Option {
	return func(s *Service) { s.checkIns = t }
}

func WithEventRecorder(r EventRecorder) Option {
	return func(s *Service) { s.events = r }
}

func WithNotifier(n notify.Emitter) Option {
	return func(s *Service) { s.notifier = n }
}

// WithMaxConflictRetries bounds how often an unpinned transition re-fetches
// after losing a race.
func WithMaxConflictRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

func NewService(repo Repository, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		guard:      NewGuard(repo),
		notifier:   notify.Nop{},
		log:        log.With(zap.String("service", "appointment")),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var bookingRoles = map[Role]bool{RolePatient: true, RoleStaff: true, RoleAdmin: true}

// Book creates an appointment in the booked status at version 1.
func (s *Service) Book(ctx context.Context, req BookRequest, role Role) (*Appointment, error) {
	if !bookingRoles[role] {
		return nil, ErrBookingNotPermitted
	}
	if fields := validation.Struct(req); len(fields) > 0 {
		s.log.Warn("book appointment validation failed", zap.Any("errors", fields))
		return nil, validation.NewError(fields)
	}

	appt, err := s.repo.Create(ctx, &Appointment{
		ID:          uuid.New(),
		PatientID:   req.PatientID,
		DoctorID:    req.DoctorID,
		ScheduledAt: req.ScheduledAt.UTC(),
		Location:    req.Location,
		Status:      StatusBooked,
	})
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.recordEvent(ctx, appt.ID, eventlog.AppointmentBooked, map[string]any{
		"patient_id":   appt.PatientID.String(),
		"doctor_id":    appt.DoctorID.String(),
		"scheduled_at": appt.ScheduledAt,
		"role":         string(role),
	})
	s.emit(ctx, appt)

	s.log.Info("appointment booked",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("patient_id", appt.PatientID.String()),
		zap.String("role", string(role)),
	)

	return appt, nil
}

// Transition moves an appointment to target on behalf of role. A non-zero
// expectedVersion pins the write to that version and never retries; zero
// means "whatever is current" and re-fetches after a lost race.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, target Status, role Role, expectedVersion int64) (*Appointment, error) {
	return s.apply(ctx, id, target, role, expectedVersion, nil)
}

func (s *Service) Confirm(ctx context.Context, id uuid.UUID, role Role, expectedVersion int64) (*Appointment, error) {
	return s.Transition(ctx, id, StatusConfirmed, role, expectedVersion)
}

func (s *Service) Complete(ctx context.Context, id uuid.UUID, role Role, expectedVersion int64) (*Appointment, error) {
	return s.Transition(ctx, id, StatusCompleted, role, expectedVersion)
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID, role Role, expectedVersion int64) (*Appointment, error) {
	return s.Transition(ctx, id, StatusCancelled, role, expectedVersion)
}

// Reschedule moves a booked appointment to rescheduled at a new time.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, newTime time.Time, role Role, expectedVersion int64) (*Appointment, error) {
	if newTime.IsZero() {
		return nil, validation.Field("ScheduledAt", "This field is required")
	}
	t := newTime.UTC()
	return s.apply(ctx, id, StatusRescheduled, role, expectedVersion, &t)
}

// Rebook returns a rescheduled appointment to booked, optionally at a
// further edited time.
func (s *Service) Rebook(ctx context.Context, id uuid.UUID, newTime *time.Time, role Role, expectedVersion int64) (*Appointment, error) {
	var t *time.Time
	if newTime != nil && !newTime.IsZero() {
		utc := newTime.UTC()
		t = &utc
	}
	return s.apply(ctx, id, StatusBooked, role, expectedVersion, t)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	appts, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appts, nil
}

func (s *Service) apply(ctx context.Context, id uuid.UUID, target Status, role Role, expectedVersion int64, scheduledAt *time.Time) (*Appointment, error) {
	attempts := 1
	if expectedVersion == 0 {
		attempts += s.maxRetries
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		version := expectedVersion
		if version == 0 {
			current, err := s.repo.Load(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load appointment: %w", err)
			}
			version = current.Version
		}

		var from Status
		updated, err := s.guard.WithVersion(ctx, id, version, func(current *Appointment) (Change, error) {
			from = current.Status
			if err := ValidateTransition(current.Status, target, role); err != nil {
				return Change{}, err
			}
			if current.Status == target {
				if scheduledAt == nil || scheduledAt.Equal(current.ScheduledAt) {
					return Change{Status: target}, nil
				}
				// Moving the time again needs the rights of whoever may enter target.
				if !mayEnter(target, role) {
					return Change{}, &InvalidTransitionError{From: current.Status, To: target, Role: role}
				}
				return Change{Status: target, ScheduledAt: scheduledAt}, nil
			}
			if target == StatusCancelled {
				if err := s.ensureNoActiveCheckIn(ctx, current.PatientID); err != nil {
					return Change{}, err
				}
			}
			return Change{Status: target, ScheduledAt: scheduledAt}, nil
		})
		if err == nil {
			if updated.Version != version {
				s.afterTransition(ctx, updated, from, role)
			}
			return updated, nil
		}

		if !errors.Is(err, ErrConflict) || expectedVersion != 0 {
			if errors.Is(err, ErrConflict) {
				s.log.Info("appointment transition lost a race",
					zap.String("appointment_id", id.String()),
					zap.Int64("expected_version", version),
				)
			}
			return nil, err
		}

		lastErr = err
		s.log.Debug("retrying appointment transition after conflict",
			zap.String("appointment_id", id.String()),
			zap.Int("attempt", i+1),
		)
	}

	return nil, lastErr
}

func (s *Service) ensureNoActiveCheckIn(ctx context.Context, patientID uuid.UUID) error {
	if s.checkIns == nil {
		return nil
	}
	active, err := s.checkIns.HasActiveCheckIn(ctx, patientID)
	if err != nil {
		return fmt.Errorf("check in-flight check-in: %w", err)
	}
	if active {
		return ErrCheckInInProgress
	}
	return nil
}

func (s *Service) afterTransition(ctx context.Context, appt *Appointment, from Status, role Role) {
	s.recordEvent(ctx, appt.ID, eventlog.AppointmentStatusChanged, map[string]any{
		"from":    string(from),
		"to":      string(appt.Status),
		"role":    string(role),
		"version": appt.Version,
	})
	s.emit(ctx, appt)

	s.log.Info("appointment status changed",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(appt.Status)),
		zap.String("role", string(role)),
		zap.Int64("version", appt.Version),
	)
}

func (s *Service) recordEvent(ctx context.Context, id uuid.UUID, eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Appointment(ctx, id, eventType, payload)
}

func (s *Service) emit(ctx context.Context, appt *Appointment) {
	_ = s.notifier.Emit(ctx, notify.Event{
		Type:      "appointment." + string(appt.Status),
		PatientID: appt.PatientID.String(),
		Subject:   fmt.Sprintf("Your appointment is %s", appt.Status),
		Data: map[string]string{
			"appointment_id": appt.ID.String(),
			"scheduled_at":   appt.ScheduledAt.Format(time.RFC3339),
		},
	})
}
