package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-frontdesk/internal/appointment"
)

// AppointmentService is the lifecycle façade the handlers depend on.
type AppointmentService interface {
	Book(ctx context.Context, req appointment.BookRequest, role appointment.Role) (*appointment.Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]appointment.Appointment, error)
	Transition(ctx context.Context, id uuid.UUID, target appointment.Status, role appointment.Role, expectedVersion int64) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, id uuid.UUID, newTime time.Time, role appointment.Role, expectedVersion int64) (*appointment.Appointment, error)
	Rebook(ctx context.Context, id uuid.UUID, newTime *time.Time, role appointment.Role, expectedVersion int64) (*appointment.Appointment, error)
}

type appointmentHandler struct {
	svc AppointmentService
	log *zap.Logger
}

func (h *appointmentHandler) book(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}
	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
		return
	}

	appt, err := h.svc.Book(r.Context(), appointment.BookRequest{
		PatientID:   patientID,
		DoctorID:    doctorID,
		ScheduledAt: req.ScheduledAt,
		Location:    req.Location,
	}, actorRole(r.Context()))
	if err != nil {
		handleAppointmentError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *appointmentHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	appt, err := h.svc.Get(r.Context(), id)
	if err != nil {
		handleAppointmentError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *appointmentHandler) listByPatient(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(r.URL.Query().Get("patient_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	appts, err := h.svc.ListByPatient(r.Context(), patientID, limit, offset)
	if err != nil {
		handleAppointmentError(w, h.log, err)
		return
	}

	resp := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		resp = append(resp, toAppointmentResponse(&appts[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// changeStatus is the generic admin transition.
func (h *appointmentHandler) changeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	var req StatusChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	appt, err := h.svc.Transition(r.Context(), id, appointment.Status(req.Status), actorRole(r.Context()), req.Version)
	if err != nil {
		handleAppointmentError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// transitionTo binds one of the fixed-target actions.
func (h *appointmentHandler) transitionTo(target appointment.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req VersionRequest
		if !decodeOptional(w, r, &req) {
			return
		}

		appt, err := h.svc.Transition(r.Context(), id, target, actorRole(r.Context()), req.Version)
		if err != nil {
			handleAppointmentError(w, h.log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func (h *appointmentHandler) reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	var req RescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	appt, err := h.svc.Reschedule(r.Context(), id, req.ScheduledAt, actorRole(r.Context()), req.Version)
	if err != nil {
		handleAppointmentError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *appointmentHandler) rebook(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	var req RebookRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	appt, err := h.svc.Rebook(r.Context(), id, req.ScheduledAt, actorRole(r.Context()), req.Version)
	if err != nil {
		handleAppointmentError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// decodeOptional accepts an empty body as the zero value.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}
