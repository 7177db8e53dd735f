package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusBooked      Status = "booked"
	StatusConfirmed   Status = "confirmed"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
)

var allStatuses = []Status{StatusBooked, StatusConfirmed, StatusCompleted, StatusCancelled, StatusRescheduled}

func (s Status) Valid() bool {
	for _, st := range allStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleNurse   Role = "nurse"
	RoleStaff   Role = "staff"
	RoleAdmin   Role = "admin"
)

var allRoles = []Role{RolePatient, RoleDoctor, RoleNurse, RoleStaff, RoleAdmin}

func (r Role) Valid() bool {
	for _, role := range allRoles {
		if r == role {
			return true
		}
	}
	return false
}

type Appointment struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	DoctorID    uuid.UUID
	ScheduledAt time.Time
	Location    *string
	Status      Status
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Change is what a mutation writes. Nil fields keep their stored value.
type Change struct {
	Status      Status
	ScheduledAt *time.Time
	Location    *string
}

func (c Change) isNoop(current *Appointment) bool {
	if c.Status != current.Status {
		return false
	}
	if c.ScheduledAt != nil && !c.ScheduledAt.Equal(current.ScheduledAt) {
		return false
	}
	if c.Location != nil && (current.Location == nil || *c.Location != *current.Location) {
		return false
	}
	return true
}

type BookRequest struct {
	PatientID   uuid.UUID `validate:"required"`
	DoctorID    uuid.UUID `validate:"required"`
	ScheduledAt time.Time `validate:"required"`
	Location    *string   `validate:"omitempty,max=200"`
}
