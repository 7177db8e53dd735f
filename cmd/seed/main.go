package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-frontdesk/internal/appointment"
	"github.com/hackgods/hospital-frontdesk/internal/config"
	"github.com/hackgods/hospital-frontdesk/internal/db"
	"github.com/hackgods/hospital-frontdesk/internal/logger"
)

var locations = []string{
	"Outpatient Wing A",
	"Outpatient Wing B",
	"Cardiology Clinic",
	"Radiology Suite",
	"Pediatrics Ward",
	"Orthopedics Clinic",
	"Dermatology Room 3",
	"Telehealth",
}

func main() {
	patients := flag.Int("patients", 500, "number of patients")
	doctors := flag.Int("doctors", 40, "number of doctors")
	perPatient := flag.Int("per-patient", 3, "appointments booked per patient")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	lg, err := logger.New("seed", "", cfg.LogDebug)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		lg.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		lg.Fatal("apply schema", zap.Error(err))
	}

	gofakeit.Seed(time.Now().UnixNano())

	// Seeding goes through the lifecycle service so every row starts valid.
	svc := appointment.NewService(appointment.NewPgRepository(pool), zap.NewNop())

	doctorIDs := make([]uuid.UUID, *doctors)
	for i := range doctorIDs {
		doctorIDs[i] = uuid.New()
	}

	seeded := 0
	for p := 0; p < *patients; p++ {
		patientID := uuid.New()
		for i := 0; i < *perPatient; i++ {
			if err := seedAppointment(ctx, svc, patientID, doctorIDs[gofakeit.Number(0, len(doctorIDs)-1)]); err != nil {
				lg.Fatal("seed appointment", zap.Error(err))
			}
			seeded++
		}
		if (p+1)%100 == 0 {
			lg.Info("patients seeded", zap.Int("done", p+1), zap.Int("total", *patients))
		}
	}

	lg.Info("seed complete", zap.Int("appointments", seeded))
}

// seedAppointment books one appointment and walks it along a random path of
// the lifecycle.
func seedAppointment(ctx context.Context, svc *appointment.Service, patientID, doctorID uuid.UUID) error {
	location := locations[gofakeit.Number(0, len(locations)-1)]
	scheduledAt := gofakeit.DateRange(time.Now().Add(-30*24*time.Hour), time.Now().Add(60*24*time.Hour)).
		Truncate(15 * time.Minute)

	appt, err := svc.Book(ctx, appointment.BookRequest{
		PatientID:   patientID,
		DoctorID:    doctorID,
		ScheduledAt: scheduledAt,
		Location:    &location,
	}, appointment.RoleStaff)
	if err != nil {
		return err
	}

	switch gofakeit.Number(0, 5) {
	case 0:
		return nil
	case 1:
		_, err = svc.Cancel(ctx, appt.ID, appointment.RolePatient, appt.Version)
	case 2:
		_, err = svc.Reschedule(ctx, appt.ID, scheduledAt.Add(7*24*time.Hour), appointment.RolePatient, appt.Version)
	default:
		confirmed, cerr := svc.Confirm(ctx, appt.ID, appointment.RoleNurse, appt.Version)
		if cerr != nil {
			return cerr
		}
		if scheduledAt.Before(time.Now()) {
			_, err = svc.Complete(ctx, appt.ID, appointment.RoleDoctor, confirmed.Version)
		}
	}
	return err
}
