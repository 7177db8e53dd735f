package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-frontdesk/internal/appointment"
)

type RouterConfig struct {
	Appointments AppointmentService
	CheckIns     CheckInService
	Postgres     Pinger
	Redis        Pinger
	Logger       *zap.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log.With(zap.String("component", "http"))))
	r.Use(RecoverMiddleware(log))

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	appts := &appointmentHandler{svc: cfg.Appointments, log: log}
	checkIns := &checkInHandler{svc: cfg.CheckIns, log: log}

	r.Group(func(r chi.Router) {
		r.Use(RequireActorRole)

		r.Post("/appointments", appts.book)
		r.Get("/appointments", appts.listByPatient)
		r.Get("/appointments/{id}", appts.get)
		r.Post("/appointments/{id}/confirm", appts.transitionTo(appointment.StatusConfirmed))
		r.Post("/appointments/{id}/complete", appts.transitionTo(appointment.StatusCompleted))
		r.Post("/appointments/{id}/cancel", appts.transitionTo(appointment.StatusCancelled))
		r.Post("/appointments/{id}/reschedule", appts.reschedule)
		r.Post("/appointments/{id}/rebook", appts.rebook)
		r.Patch("/admin/appointments/{id}/status", appts.changeStatus)

		r.Group(func(r chi.Router) {
			r.Use(RequireRoles(appointment.RoleStaff, appointment.RoleAdmin))
			r.Post("/staff/check-ins", checkIns.run)
			r.Get("/staff/check-ins/{key}", checkIns.status)
		})
	})

	return r
}
