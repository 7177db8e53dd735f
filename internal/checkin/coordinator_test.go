package checkin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	redisclient "github.com/hackgods/hospital-frontdesk/internal/redis"
	"github.com/hackgods/hospital-frontdesk/internal/validation"
)

// -- Fakes --

type fakeCheckIns struct {
	mu      sync.Mutex
	byKey   map[string]*CheckIn
	creates int
	voids   int

	createErr   error
	createLands bool // the insert is stored even though createErr is returned
	voidErr     error
	findErr     error

	// entered is closed when Create is first called; Create then waits on release.
	entered chan struct{}
	release chan struct{}
}

func newFakeCheckIns() *fakeCheckIns {
	return &fakeCheckIns{byKey: make(map[string]*CheckIn)}
}

func (f *fakeCheckIns) Create(_ context.Context, in NewCheckIn) (*CheckIn, error) {
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil && !f.createLands {
		return nil, f.createErr
	}
	ci, ok := f.byKey[in.IdempotencyKey]
	if !ok {
		ci = &CheckIn{
			ID:             uuid.New(),
			PatientID:      in.PatientID,
			CheckInTime:    in.CheckInTime,
			Department:     in.Department,
			ReasonForVisit: in.ReasonForVisit,
			Status:         CheckInActive,
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      time.Now(),
		}
		f.byKey[in.IdempotencyKey] = ci
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	cp := *ci
	return &cp, nil
}

func (f *fakeCheckIns) Void(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voids++
	if f.voidErr != nil {
		return f.voidErr
	}
	for _, ci := range f.byKey {
		if ci.ID == id {
			now := time.Now()
			ci.Status = CheckInVoided
			ci.VoidedAt = &now
			return nil
		}
	}
	return ErrCheckInNotFound
}

func (f *fakeCheckIns) FindByIdempotencyKey(_ context.Context, key string) (*CheckIn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	ci, ok := f.byKey[key]
	if !ok {
		return nil, ErrCheckInNotFound
	}
	cp := *ci
	return &cp, nil
}

func (f *fakeCheckIns) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ci := range f.byKey {
		if ci.Status == CheckInActive {
			n++
		}
	}
	return n
}

type fakePayments struct {
	mu       sync.Mutex
	byKey    map[string]*Payment
	captures int

	captureErr   error
	captureLands bool
	status       PaymentStatus
	findErr      error
}

func newFakePayments() *fakePayments {
	return &fakePayments{byKey: make(map[string]*Payment), status: PaymentCompleted}
}

func (f *fakePayments) Capture(_ context.Context, req CaptureRequest) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.captureErr != nil && !f.captureLands {
		return nil, f.captureErr
	}
	p, ok := f.byKey[req.IdempotencyKey]
	if !ok {
		checkInID := req.CheckInID
		p = &Payment{
			ID:             uuid.New(),
			PatientID:      req.PatientID,
			CheckInID:      &checkInID,
			Amount:         req.Amount,
			PaymentMethod:  req.PaymentMethod,
			Description:    req.Description,
			Status:         f.status,
			PaymentDate:    time.Now(),
			IdempotencyKey: req.IdempotencyKey,
		}
		f.byKey[req.IdempotencyKey] = p
	}
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	cp := *p
	return &cp, nil
}

func (f *fakePayments) FindByIdempotencyKey(_ context.Context, key string) (*Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	p, ok := f.byKey[key]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

type memAttempts struct {
	mu    sync.Mutex
	byKey map[string]SagaAttempt
}

func newMemAttempts() *memAttempts {
	return &memAttempts{byKey: make(map[string]SagaAttempt)}
}

func (m *memAttempts) Get(_ context.Context, key string) (*SagaAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byKey[key]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return &a, nil
}

func (m *memAttempts) Create(_ context.Context, a *SagaAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[a.IdempotencyKey]; ok {
		return ErrAttemptExists
	}
	m.byKey[a.IdempotencyKey] = *a
	return nil
}

func (m *memAttempts) Update(_ context.Context, a *SagaAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[a.IdempotencyKey]; !ok {
		return ErrAttemptNotFound
	}
	m.byKey[a.IdempotencyKey] = *a
	return nil
}

func (m *memAttempts) HasActiveForPatient(_ context.Context, patientID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byKey {
		if a.PatientID == patientID && !a.State.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memAttempts) ListNeedingReconciliation(_ context.Context, limit int) ([]SagaAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SagaAttempt
	for _, a := range m.byKey {
		if a.NeedsReconciliation && a.ResolvedAt == nil && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAttempts) ListStale(_ context.Context, updatedBefore time.Time, limit int) ([]SagaAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SagaAttempt
	for _, a := range m.byKey {
		if !a.State.IsTerminal() && a.UpdatedAt.Before(updatedBefore) && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memAttempts) Resolve(_ context.Context, key, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byKey[key]
	if !ok || !a.NeedsReconciliation {
		return ErrNotReconcilable
	}
	now := time.Now()
	a.NeedsReconciliation = false
	a.ResolvedAt = &now
	a.ResolutionNote = note
	m.byKey[key] = a
	return nil
}

// memLocker is an in-process stand-in for the Redis lane lock.
type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if l.held[key] {
		l.mu.Unlock()
		return redisclient.ErrLockNotAcquired
	}
	l.held[key] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}

type fakeEvents struct {
	mu        sync.Mutex
	types     []string
	strictErr error
}

func (f *fakeEvents) Saga(_ context.Context, _ string, eventType string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, eventType)
}

func (f *fakeEvents) RecordStrict(_ context.Context, _ string, eventType string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, eventType)
	return f.strictErr
}

func (f *fakeEvents) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type harness struct {
	checkIns *fakeCheckIns
	payments *fakePayments
	attempts *memAttempts
	locker   *memLocker
	events   *fakeEvents
	coord    *Coordinator
}

func newHarness() *harness {
	h := &harness{
		checkIns: newFakeCheckIns(),
		payments: newFakePayments(),
		attempts: newMemAttempts(),
		locker:   newMemLocker(),
		events:   &fakeEvents{},
	}
	h.coord = NewCoordinator(h.checkIns, h.payments, h.attempts, h.locker, zap.NewNop(),
		WithStepTimeout(time.Second),
		WithEventRecorder(h.events),
	)
	return h
}

func validRequest() Request {
	return Request{
		PatientID:      uuid.New(),
		CheckInTime:    time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		Department:     "Cardiology",
		ReasonForVisit: "Follow-up",
		Amount:         150,
		PaymentMethod:  MethodCard,
		Description:    "Consultation fee",
	}
}

// -- Tests --

func TestCoordinator_HappyPath(t *testing.T) {
	h := newHarness()

	res, err := h.coord.Run(context.Background(), validRequest(), "k1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != SagaPaid || res.CheckInID == uuid.Nil || res.PaymentID == uuid.Nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if h.checkIns.active() != 1 || h.payments.captures != 1 {
		t.Errorf("expected one check-in and one payment, got %d/%d", h.checkIns.active(), h.payments.captures)
	}

	p := h.payments.byKey["k1"]
	if p.CheckInID == nil || *p.CheckInID != res.CheckInID {
		t.Errorf("payment is not paired with the check-in")
	}
	if !h.events.has("SAGA_CHECKED_IN") || !h.events.has("SAGA_PAID") {
		t.Errorf("expected checked-in and paid events, got %v", h.events.types)
	}
}

func TestCoordinator_GeneratesKeyWhenEmpty(t *testing.T) {
	h := newHarness()
	res, err := h.coord.Run(context.Background(), validRequest(), "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := uuid.Parse(res.IdempotencyKey); err != nil {
		t.Errorf("expected a generated uuid key, got %q", res.IdempotencyKey)
	}
}

func TestCoordinator_ReplayIsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := validRequest()

	first, err := h.coord.Run(ctx, req, "k1")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := h.coord.Run(ctx, req, "k1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if *first != *second {
		t.Errorf("replay returned a different result: %+v vs %+v", first, second)
	}
	if h.checkIns.creates != 1 || h.payments.captures != 1 {
		t.Errorf("replay must not call remote steps again, creates=%d captures=%d", h.checkIns.creates, h.payments.captures)
	}
}

func TestCoordinator_KeyReusedForDifferentRequest(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := validRequest()

	if _, err := h.coord.Run(ctx, req, "k1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	req.Amount = 999
	_, err := h.coord.Run(ctx, req, "k1")
	if !errors.Is(err, validation.ErrInvalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCoordinator_ValidationHasNoSideEffects(t *testing.T) {
	h := newHarness()
	req := validRequest()
	req.Amount = 0
	req.PaymentMethod = "cheque"

	_, err := h.coord.Run(context.Background(), req, "k1")
	var verr *validation.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *validation.Error, got %v", err)
	}
	if _, ok := verr.Fields["Amount"]; !ok {
		t.Errorf("expected Amount in fields, got %v", verr.Fields)
	}
	if _, ok := verr.Fields["PaymentMethod"]; !ok {
		t.Errorf("expected PaymentMethod in fields, got %v", verr.Fields)
	}
	if h.checkIns.creates != 0 || h.payments.captures != 0 || len(h.attempts.byKey) != 0 {
		t.Errorf("validation failure must not touch any store")
	}
}

func TestCoordinator_CheckInStepFails(t *testing.T) {
	h := newHarness()
	h.checkIns.createErr = errors.New("registry unavailable")

	_, err := h.coord.Run(context.Background(), validRequest(), "k1")
	var sf *StepFailedError
	if !errors.As(err, &sf) {
		t.Fatalf("expected StepFailedError, got %v", err)
	}
	if sf.Step != StepCheckIn || sf.Compensated || sf.Pending {
		t.Errorf("unexpected step failure %+v", sf)
	}
	if h.payments.captures != 0 {
		t.Errorf("payment must not be attempted after check-in failure")
	}
	a, _ := h.attempts.Get(context.Background(), "k1")
	if a.State != SagaFailed {
		t.Errorf("expected failed, got %s", a.State)
	}
}

func TestCoordinator_PaymentFailureCompensates(t *testing.T) {
	h := newHarness()
	h.payments.captureErr = errors.New("card declined")
	req := validRequest()

	_, err := h.coord.Run(context.Background(), req, "k1")
	var sf *StepFailedError
	if !errors.As(err, &sf) {
		t.Fatalf("expected StepFailedError, got %v", err)
	}
	if sf.Step != StepPayment || !sf.Compensated {
		t.Errorf("expected compensated payment failure, got %+v", sf)
	}
	if h.checkIns.active() != 0 || h.checkIns.voids != 1 {
		t.Errorf("expected the check-in to be voided once, active=%d voids=%d", h.checkIns.active(), h.checkIns.voids)
	}
	if !h.events.has("SAGA_COMPENSATED") {
		t.Errorf("expected compensated event, got %v", h.events.types)
	}

	// Replaying reports the same outcome without touching either system.
	_, err = h.coord.Run(context.Background(), req, "k1")
	if !errors.As(err, &sf) || !sf.Compensated {
		t.Fatalf("expected replayed compensation, got %v", err)
	}
	if h.payments.captures != 1 || h.checkIns.voids != 1 {
		t.Errorf("replay must not call remote steps again")
	}
}

func TestCoordinator_DeclinedStatusCompensates(t *testing.T) {
	h := newHarness()
	h.payments.status = PaymentFailed

	_, err := h.coord.Run(context.Background(), validRequest(), "k1")
	var sf *StepFailedError
	if !errors.As(err, &sf) || !sf.Compensated {
		t.Fatalf("expected compensated failure for declined payment, got %v", err)
	}
	if h.checkIns.active() != 0 {
		t.Errorf("expected no active check-in")
	}
}

func TestCoordinator_PendingPaymentIsNotCompensated(t *testing.T) {
	h := newHarness()
	h.payments.status = PaymentPending
	ctx := context.Background()

	_, err := h.coord.Run(ctx, validRequest(), "k1")
	var sf *StepFailedError
	if !errors.As(err, &sf) || !sf.Pending || sf.Compensated {
		t.Fatalf("expected pending step failure, got %v", err)
	}
	if h.checkIns.voids != 0 {
		t.Errorf("a pending payment must not void the check-in")
	}
	a, _ := h.attempts.Get(ctx, "k1")
	if a.State != SagaCheckedIn {
		t.Fatalf("expected checked_in, got %s", a.State)
	}

	// The processor settles the payment later.
	h.payments.mu.Lock()
	h.payments.byKey["k1"].Status = PaymentCompleted
	h.payments.mu.Unlock()

	res, err := h.coord.Resume(ctx, "k1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.State != SagaPaid || h.payments.captures != 2 {
		t.Errorf("expected paid on resume, got %+v captures=%d", res, h.payments.captures)
	}
}

func TestCoordinator_CompensationFailure(t *testing.T) {
	h := newHarness()
	h.payments.captureErr = errors.New("gateway 500")
	h.checkIns.voidErr = errors.New("registry unavailable")
	ctx := context.Background()
	req := validRequest()

	_, err := h.coord.Run(ctx, req, "k1")
	if !errors.Is(err, ErrCompensationFailed) {
		t.Fatalf("expected ErrCompensationFailed, got %v", err)
	}
	var cf *CompensationFailedError
	if !errors.As(err, &cf) || cf.CheckInID == uuid.Nil {
		t.Fatalf("expected CompensationFailedError carrying the check-in id, got %v", err)
	}

	a, _ := h.attempts.Get(ctx, "k1")
	if a.State != SagaFailed || !a.NeedsReconciliation {
		t.Errorf("expected failed attempt flagged for reconciliation, got %s/%v", a.State, a.NeedsReconciliation)
	}
	if !h.events.has("SAGA_COMPENSATION_FAILED") {
		t.Errorf("expected compensation-failed event, got %v", h.events.types)
	}

	pending, _ := h.coord.PendingReconciliation(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("expected one pending reconciliation, got %d", len(pending))
	}

	// A resubmission does not retry anything.
	_, err = h.coord.Run(ctx, req, "k1")
	if !errors.Is(err, ErrCompensationFailed) {
		t.Fatalf("expected replayed ErrCompensationFailed, got %v", err)
	}
	if h.payments.captures != 1 || h.checkIns.voids != 1 {
		t.Errorf("replay must not retry remote calls")
	}

	if err := h.coord.Resolve(ctx, "k1", "voided by hand"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := h.coord.Resolve(ctx, "k1", "again"); !errors.Is(err, ErrNotReconcilable) {
		t.Errorf("expected ErrNotReconcilable on second resolve, got %v", err)
	}
	pending, _ = h.coord.PendingReconciliation(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("expected nothing pending after resolve, got %d", len(pending))
	}
}

func TestCoordinator_TimedOutCaptureThatLanded(t *testing.T) {
	h := newHarness()
	h.payments.captureErr = context.DeadlineExceeded
	h.payments.captureLands = true

	res, err := h.coord.Run(context.Background(), validRequest(), "k1")
	if err != nil {
		t.Fatalf("expected reconciliation to find the payment, got %v", err)
	}
	if res.State != SagaPaid || res.PaymentID != h.payments.byKey["k1"].ID {
		t.Errorf("unexpected result %+v", res)
	}
	if h.checkIns.voids != 0 {
		t.Errorf("a landed payment must not be compensated")
	}
}

func TestCoordinator_TimedOutCaptureThatDidNotLand(t *testing.T) {
	h := newHarness()
	h.payments.captureErr = context.DeadlineExceeded

	_, err := h.coord.Run(context.Background(), validRequest(), "k1")
	var sf *StepFailedError
	if !errors.As(err, &sf) || !sf.Compensated {
		t.Fatalf("expected compensation when no payment is found, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the timeout to be wrapped, got %v", err)
	}
}

func TestCoordinator_UnknownPaymentOutcomeStaysResumable(t *testing.T) {
	h := newHarness()
	h.payments.captureErr = context.DeadlineExceeded
	h.payments.findErr = errors.New("gateway unreachable")
	ctx := context.Background()
	req := validRequest()

	_, err := h.coord.Run(ctx, req, "k1")
	var sf *StepFailedError
	if !errors.As(err, &sf) || !sf.Pending {
		t.Fatalf("expected pending step failure, got %v", err)
	}
	if h.checkIns.voids != 0 {
		t.Errorf("an unknown payment outcome must not be compensated")
	}
	a, _ := h.attempts.Get(ctx, "k1")
	if a.State != SagaCheckedIn {
		t.Fatalf("expected checked_in, got %s", a.State)
	}

	active, _ := h.coord.HasActiveCheckIn(ctx, req.PatientID)
	if !active {
		t.Errorf("expected the patient to have an active check-in")
	}

	h.payments.captureErr = nil
	h.payments.findErr = nil
	res, err := h.coord.Resume(ctx, "k1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.State != SagaPaid || h.checkIns.creates != 1 {
		t.Errorf("expected paid without a second check-in, got %+v creates=%d", res, h.checkIns.creates)
	}

	active, _ = h.coord.HasActiveCheckIn(ctx, req.PatientID)
	if active {
		t.Errorf("expected no active check-in after payment")
	}
}

func TestCoordinator_ResumeAfterCrashBeforeCheckInRecorded(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := validRequest()

	// A previous run created the check-in and died before persisting it.
	now := time.Now()
	_ = h.attempts.Create(ctx, &SagaAttempt{
		IdempotencyKey: "k1",
		PatientID:      req.PatientID,
		RequestHash:    req.fingerprint(),
		Request:        req,
		State:          SagaStarted,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	existing, _ := h.checkIns.Create(ctx, NewCheckIn{PatientID: req.PatientID, IdempotencyKey: "k1", Department: req.Department})

	res, err := h.coord.Run(ctx, req, "k1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.CheckInID != existing.ID {
		t.Errorf("expected the existing check-in to be reused")
	}
	if h.checkIns.creates != 1 {
		t.Errorf("expected no second create, got %d", h.checkIns.creates)
	}
}

func TestCoordinator_ResumeFromCheckedIn(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := validRequest()

	ci, _ := h.checkIns.Create(ctx, NewCheckIn{PatientID: req.PatientID, IdempotencyKey: "k1"})
	now := time.Now()
	_ = h.attempts.Create(ctx, &SagaAttempt{
		IdempotencyKey: "k1",
		PatientID:      req.PatientID,
		RequestHash:    req.fingerprint(),
		Request:        req,
		CheckInID:      &ci.ID,
		State:          SagaCheckedIn,
		CreatedAt:      now,
		UpdatedAt:      now,
	})

	res, err := h.coord.Resume(ctx, "k1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.State != SagaPaid || res.CheckInID != ci.ID {
		t.Errorf("unexpected result %+v", res)
	}
	if h.checkIns.creates != 1 || h.payments.captures != 1 {
		t.Errorf("expected only the payment step to run")
	}
}

func TestCoordinator_ResumeFindsVoidedCheckIn(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	req := validRequest()

	// The previous run voided the check-in and crashed before recording it.
	ci, _ := h.checkIns.Create(ctx, NewCheckIn{PatientID: req.PatientID, IdempotencyKey: "k1"})
	_ = h.checkIns.Void(ctx, ci.ID)
	now := time.Now()
	_ = h.attempts.Create(ctx, &SagaAttempt{
		IdempotencyKey: "k1",
		PatientID:      req.PatientID,
		RequestHash:    req.fingerprint(),
		Request:        req,
		CheckInID:      &ci.ID,
		State:          SagaCheckedIn,
		CreatedAt:      now,
		UpdatedAt:      now,
	})

	_, err := h.coord.Resume(ctx, "k1")
	var sf *StepFailedError
	if !errors.As(err, &sf) || !sf.Compensated {
		t.Fatalf("expected compensated outcome, got %v", err)
	}
	if h.payments.captures != 0 {
		t.Errorf("payment must not be captured against a voided check-in")
	}
}

func TestCoordinator_ConcurrentSameKey(t *testing.T) {
	h := newHarness()
	h.checkIns.entered = make(chan struct{})
	h.checkIns.release = make(chan struct{})
	entered := h.checkIns.entered
	ctx := context.Background()
	req := validRequest()

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.Run(ctx, req, "k1")
		done <- err
	}()

	<-entered
	_, err := h.coord.Run(ctx, req, "k1")
	if !errors.Is(err, ErrSagaInProgress) {
		t.Errorf("expected ErrSagaInProgress, got %v", err)
	}

	close(h.checkIns.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if h.checkIns.creates != 1 || h.payments.captures != 1 {
		t.Errorf("expected one check-in and one payment, got %d/%d", h.checkIns.creates, h.payments.captures)
	}
}

func TestCoordinator_ResumeStale(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	old := time.Now().Add(-10 * time.Minute)

	for _, key := range []string{"stale-1", "stale-2"} {
		req := validRequest()
		_ = h.attempts.Create(ctx, &SagaAttempt{
			IdempotencyKey: key,
			PatientID:      req.PatientID,
			RequestHash:    req.fingerprint(),
			Request:        req,
			State:          SagaStarted,
			CreatedAt:      old,
			UpdatedAt:      old,
		})
	}
	if _, err := h.coord.Run(ctx, validRequest(), "fresh"); err != nil {
		t.Fatalf("run: %v", err)
	}

	settled, err := h.coord.ResumeStale(ctx, 2*time.Minute, 10)
	if err != nil {
		t.Fatalf("resume stale: %v", err)
	}
	if settled != 2 {
		t.Errorf("expected 2 settled attempts, got %d", settled)
	}
	for _, key := range []string{"stale-1", "stale-2"} {
		a, _ := h.attempts.Get(ctx, key)
		if a.State != SagaPaid {
			t.Errorf("%s: expected paid, got %s", key, a.State)
		}
	}
}

func TestCoordinator_MissingCheckInTimeUsesAttemptStart(t *testing.T) {
	h := newHarness()
	req := validRequest()
	req.CheckInTime = time.Time{}

	if _, err := h.coord.Run(context.Background(), req, "k1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	ci := h.checkIns.byKey["k1"]
	a, _ := h.attempts.Get(context.Background(), "k1")
	if !ci.CheckInTime.Equal(a.CreatedAt) {
		t.Errorf("expected check-in time %s, got %s", a.CreatedAt, ci.CheckInTime)
	}
}
