package appointment

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition matches every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions is the single authority on who may move an appointment where.
// Terminal statuses have no outgoing edges.
var transitions = map[Status]map[Status][]Role{
	StatusBooked: {
		StatusConfirmed:   {RoleNurse, RoleStaff, RoleAdmin},
		StatusCancelled:   {RolePatient, RoleNurse, RoleStaff, RoleAdmin},
		StatusRescheduled: {RolePatient, RoleAdmin},
	},
	StatusConfirmed: {
		StatusCompleted: {RoleNurse, RoleDoctor, RoleAdmin},
		StatusCancelled: {RoleNurse, RoleStaff, RoleAdmin},
	},
	StatusRescheduled: {
		StatusBooked: {RolePatient, RoleAdmin},
	},
}

type InvalidTransitionError struct {
	From Status
	To   Status
	Role Role
}

func (e *InvalidTransitionError) Error() string {
	switch {
	case !e.Role.Valid():
		return fmt.Sprintf("unknown role %q", e.Role)
	case !e.From.Valid() || !e.To.Valid():
		return fmt.Sprintf("unknown status transition %q -> %q", e.From, e.To)
	case e.From.IsTerminal():
		return fmt.Sprintf("this appointment is already %s", e.From)
	case e.From == e.To:
		return fmt.Sprintf("a %s cannot change the time of a %s appointment", e.Role, e.From)
	case hasEdge(e.From, e.To):
		return fmt.Sprintf("a %s cannot move an appointment from %s to %s", e.Role, e.From, e.To)
	default:
		return fmt.Sprintf("cannot move an appointment from %s to %s", e.From, e.To)
	}
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidateTransition decides whether role may move an appointment from
// current to requested. Re-submitting the current status is always accepted.
func ValidateTransition(current, requested Status, role Role) error {
	deny := &InvalidTransitionError{From: current, To: requested, Role: role}

	if !current.Valid() || !requested.Valid() || !role.Valid() {
		return deny
	}
	if current == requested {
		return nil
	}

	for _, allowed := range transitions[current][requested] {
		if allowed == role {
			return nil
		}
	}
	return deny
}

// AllowedTargets lists the statuses role may move an appointment to from
// current, in a fixed order. Dashboards render their actions from this.
func AllowedTargets(current Status, role Role) []Status {
	var out []Status
	for _, target := range allStatuses {
		if target == current {
			continue
		}
		if ValidateTransition(current, target, role) == nil {
			out = append(out, target)
		}
	}
	return out
}

// mayEnter reports whether role may move an appointment into target from
// any status.
func mayEnter(target Status, role Role) bool {
	for _, edges := range transitions {
		for _, allowed := range edges[target] {
			if allowed == role {
				return true
			}
		}
	}
	return false
}

func hasEdge(from, to Status) bool {
	_, ok := transitions[from][to]
	return ok
}
