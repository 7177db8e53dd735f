package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-frontdesk/internal/checkin"
)

type CheckInService interface {
	Run(ctx context.Context, req checkin.Request, key string) (*checkin.Result, error)
	Status(ctx context.Context, key string) (*checkin.SagaAttempt, error)
}

type checkInHandler struct {
	svc CheckInService
	log *zap.Logger
}

// run executes the check-in and payment saga. Clients should always send
// Idempotency-Key so a retried submission is recognised.
func (h *checkInHandler) run(w http.ResponseWriter, r *http.Request) {
	var req CheckInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	res, err := h.svc.Run(r.Context(), checkin.Request{
		PatientID:      patientID,
		CheckInTime:    req.CheckInTime,
		Department:     req.Department,
		ReasonForVisit: req.ReasonForVisit,
		Amount:         req.Amount,
		PaymentMethod:  checkin.PaymentMethod(req.PaymentMethod),
		Description:    req.Description,
	}, key)
	if err != nil {
		if key != "" {
			w.Header().Set("Idempotency-Key", key)
		}
		handleCheckInError(w, h.log, err)
		return
	}

	w.Header().Set("Idempotency-Key", res.IdempotencyKey)
	writeJSON(w, http.StatusOK, res)
}

func (h *checkInHandler) status(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.svc.Status(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		handleCheckInError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttemptResponse(attempt))
}
