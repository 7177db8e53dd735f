package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hackgods/hospital-frontdesk/internal/db"
	"github.com/hackgods/hospital-frontdesk/internal/logger"
)

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	TransitionRatio float64
	CheckInRatio    float64
	ReadRatio       float64
	PatientLimit    int
	PostgresDSN     string
}

type trackedAppointment struct {
	ID      uuid.UUID
	Version int64
}

type DataPool struct {
	Patients     []uuid.UUID
	Doctors      []uuid.UUID
	mu           sync.RWMutex
	appointments []trackedAppointment
}

func (dp *DataPool) AddAppointment(a trackedAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

// RandomAppointment returns a possibly stale snapshot, which is the point:
// workers race each other with the versions they last saw.
func (dp *DataPool) RandomAppointment(rng *rand.Rand) (trackedAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return trackedAppointment{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

// opStats tallies one kind of request. Outcomes are classified by status
// code: 2xx ok, 409 conflict, anything else (or a transport error) failed.
type opStats struct {
	mu        sync.Mutex
	ok        int
	conflicts int
	failed    int
	latencies []time.Duration
}

func (o *opStats) observe(latency time.Duration, status int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case err == nil && status >= 200 && status < 300:
		o.ok++
	case status == http.StatusConflict:
		o.conflicts++
	default:
		o.failed++
	}
	o.latencies = append(o.latencies, latency)
}

func (o *opStats) fields(name string) []zap.Field {
	o.mu.Lock()
	defer o.mu.Unlock()

	n := len(o.latencies)
	sorted := append([]time.Duration(nil), o.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	at := func(q float64) time.Duration {
		return sorted[min(int(float64(n)*q), n-1)].Round(time.Millisecond)
	}

	return []zap.Field{
		zap.String("op", name),
		zap.Int("requests", n),
		zap.Int("ok", o.ok),
		zap.Int("conflicts", o.conflicts),
		zap.Int("failed", o.failed),
		zap.Duration("p50", at(0.50)),
		zap.Duration("p95", at(0.95)),
		zap.Duration("p99", at(0.99)),
		zap.Duration("max", sorted[n-1].Round(time.Millisecond)),
	}
}

func (o *opStats) empty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.latencies) == 0
}

type Simulator struct {
	config SimConfig
	pool   *DataPool
	client *http.Client
	log    *zap.Logger

	booking       opStats
	transition    opStats
	checkIn       opStats
	checkInReplay opStats
	reads         opStats

	// duplicateCharges counts replays that returned a different payment id.
	duplicateCharges int64
}

func main() {
	cfg, debug := loadConfig()

	lg, err := logger.New("simulate", "", debug)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := validateConfig(cfg); err != nil {
		lg.Fatal("invalid config", zap.Error(err))
	}

	lg.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("transition", cfg.TransitionRatio),
		zap.Float64("checkin", cfg.CheckInRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		lg.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		lg.Fatal("load data pool", zap.Error(err))
	}
	lg.Info("data pool loaded", zap.Int("patients", len(dataPool.Patients)), zap.Int("doctors", len(dataPool.Doctors)))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    lg,
	}

	sim.Run()
	sim.Report()
}

func loadConfig() (SimConfig, bool) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("SIM_API_BASE_URL", "http://localhost:8080")
	v.SetDefault("SIM_DURATION", 30*time.Second)
	v.SetDefault("SIM_WORKERS", 10)
	v.SetDefault("SIM_BOOKING_RATIO", 0.3)
	v.SetDefault("SIM_TRANSITION_RATIO", 0.3)
	v.SetDefault("SIM_CHECKIN_RATIO", 0.2)
	v.SetDefault("SIM_READ_RATIO", 0.2)
	v.SetDefault("SIM_PATIENT_LIMIT", 2000)

	cfg := SimConfig{
		APIBaseURL:      strings.TrimRight(v.GetString("SIM_API_BASE_URL"), "/"),
		Duration:        v.GetDuration("SIM_DURATION"),
		Workers:         v.GetInt("SIM_WORKERS"),
		BookingRatio:    v.GetFloat64("SIM_BOOKING_RATIO"),
		TransitionRatio: v.GetFloat64("SIM_TRANSITION_RATIO"),
		CheckInRatio:    v.GetFloat64("SIM_CHECKIN_RATIO"),
		ReadRatio:       v.GetFloat64("SIM_READ_RATIO"),
		PatientLimit:    v.GetInt("SIM_PATIENT_LIMIT"),
		PostgresDSN:     v.GetString("POSTGRES_DSN"),
	}

	total := cfg.BookingRatio + cfg.TransitionRatio + cfg.CheckInRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.TransitionRatio /= total
		cfg.CheckInRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg, v.GetBool("LOG_DEBUG")
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

// loadDataPool reuses patients and doctors created by the seed command.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT DISTINCT patient_id FROM appointments LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT DISTINCT doctor_id FROM appointments LIMIT 200`)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, id)
	}
	rows.Close()

	if len(dataPool.Patients) == 0 || len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no seeded appointments found, run cmd/seed first")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.TransitionRatio:
				s.doTransition(ctx, rng)
			case r < s.config.BookingRatio+s.config.TransitionRatio+s.config.CheckInRatio:
				s.doCheckIn(ctx, rng)
			default:
				s.doRead(ctx, rng)
			}
		}
	}
}

// call sends a JSON request and decodes a JSON response into out when the
// status is 2xx.
func (s *Simulator) call(ctx context.Context, method, path, role string, body any, out any, headers ...string) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Role", role)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

	start := time.Now()
	var resp struct {
		ID      uuid.UUID `json:"id"`
		Version int64     `json:"version"`
	}
	status, err := s.call(ctx, http.MethodPost, "/appointments", "patient", map[string]any{
		"patient_id":   patientID,
		"doctor_id":    doctorID,
		"scheduled_at": time.Now().Add(time.Duration(rng.Intn(30*24)) * time.Hour).UTC(),
	}, &resp)

	success := err == nil && status == http.StatusCreated
	if success && resp.ID != uuid.Nil {
		s.pool.AddAppointment(trackedAppointment{ID: resp.ID, Version: resp.Version})
	}
	s.booking.observe(time.Since(start), status, err)
}

// doTransition fires a lifecycle action pinned to a possibly stale version so
// the optimistic guard is exercised.
func (s *Simulator) doTransition(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	actions := []struct {
		path string
		role string
	}{
		{"confirm", "nurse"},
		{"confirm", "staff"},
		{"cancel", "patient"},
		{"complete", "doctor"},
		{"rebook", "patient"},
	}
	action := actions[rng.Intn(len(actions))]

	start := time.Now()
	status, err := s.call(ctx, http.MethodPost,
		fmt.Sprintf("/appointments/%s/%s", appt.ID, action.path), action.role,
		map[string]int64{"version": appt.Version}, nil)

	s.transition.observe(time.Since(start), status, err)
}

// doCheckIn submits a check-in and then replays it with the same key, the
// way a double-clicked submit button would.
func (s *Simulator) doCheckIn(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	key := uuid.NewString()
	body := map[string]any{
		"patient_id":       patientID,
		"department":       gofakeit.RandomString([]string{"Cardiology", "Radiology", "Pediatrics", "General Practice"}),
		"reason_for_visit": gofakeit.RandomString([]string{"Follow-up", "Chest pain", "Annual check-up", "Sprained ankle", "Lab results"}),
		"amount":           float64(gofakeit.Number(20, 400)),
		"payment_method":   gofakeit.RandomString([]string{"cash", "card", "insurance", "online"}),
		"description":      "Consultation fee",
	}

	type result struct {
		PaymentID uuid.UUID `json:"payment_id"`
	}

	start := time.Now()
	var first result
	status, err := s.call(ctx, http.MethodPost, "/staff/check-ins", "staff", body, &first, "Idempotency-Key", key)
	s.checkIn.observe(time.Since(start), status, err)
	if err != nil || status != http.StatusOK {
		return
	}

	start = time.Now()
	var replay result
	status, err = s.call(ctx, http.MethodPost, "/staff/check-ins", "staff", body, &replay, "Idempotency-Key", key)
	s.checkInReplay.observe(time.Since(start), status, err)
	if err == nil && status == http.StatusOK && replay.PaymentID != first.PaymentID {
		atomic.AddInt64(&s.duplicateCharges, 1)
	}
}

// doRead alternates between fetching one tracked appointment and listing a
// patient's appointments.
func (s *Simulator) doRead(ctx context.Context, rng *rand.Rand) {
	path := fmt.Sprintf("/appointments?patient_id=%s&limit=20&offset=0", s.pool.Patients[rng.Intn(len(s.pool.Patients))])
	if appt, ok := s.pool.RandomAppointment(rng); ok && rng.Intn(2) == 0 {
		path = "/appointments/" + appt.ID.String()
	}

	start := time.Now()
	status, err := s.call(ctx, http.MethodGet, path, "staff", nil, nil)
	s.reads.observe(time.Since(start), status, err)
}

// Report logs one summary line per operation kind.
func (s *Simulator) Report() {
	ops := []struct {
		name  string
		stats *opStats
	}{
		{"book", &s.booking},
		{"transition", &s.transition},
		{"checkin", &s.checkIn},
		{"checkin_replay", &s.checkInReplay},
		{"read", &s.reads},
	}
	for _, op := range ops {
		if op.stats.empty() {
			continue
		}
		s.log.Info("simulation result", op.stats.fields(op.name)...)
	}

	dup := atomic.LoadInt64(&s.duplicateCharges)
	if dup > 0 {
		s.log.Error("replayed check-ins charged twice", zap.Int64("count", dup))
		return
	}
	s.log.Info("no duplicate charges on replay")
}
