package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hackgods/hospital-frontdesk/internal/appointment"
	"github.com/hackgods/hospital-frontdesk/internal/checkin"
	"github.com/hackgods/hospital-frontdesk/internal/validation"
)

// sagaRetryAfter is the Retry-After hint, in seconds, for a key whose saga is
// still running.
const sagaRetryAfter = "2"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func handleAppointmentError(w http.ResponseWriter, log *zap.Logger, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Details: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, appointment.ErrConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error())
	case errors.Is(err, appointment.ErrCheckInInProgress):
		writeError(w, http.StatusConflict, "check_in_in_progress", err.Error())
	case errors.Is(err, appointment.ErrBookingNotPermitted):
		writeError(w, http.StatusForbidden, "booking_not_permitted", err.Error())
	default:
		log.Error("appointment request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "something went wrong")
	}
}

func handleCheckInError(w http.ResponseWriter, log *zap.Logger, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Details: verr.Error(), Fields: verr.Fields})
	case errors.Is(err, checkin.ErrSagaInProgress):
		w.Header().Set("Retry-After", sagaRetryAfter)
		writeError(w, http.StatusConflict, "check_in_in_progress", err.Error())
	case errors.Is(err, checkin.ErrCompensationFailed):
		writeError(w, http.StatusInternalServerError, "compensation_failed", err.Error())
	case errors.Is(err, checkin.ErrStepFailed):
		writeError(w, http.StatusBadGateway, "check_in_step_failed", err.Error())
	case errors.Is(err, checkin.ErrAttemptNotFound):
		writeError(w, http.StatusNotFound, "check_in_not_found", err.Error())
	default:
		log.Error("check-in request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "something went wrong")
	}
}
