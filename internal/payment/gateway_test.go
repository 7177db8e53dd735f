package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/hospital-frontdesk/internal/checkin"
)

// fakeGateway stores captures by idempotency key like a real processor would.
type fakeGateway struct {
	mu       sync.Mutex
	payments map[string]checkin.Payment
	captures int
	fail     bool
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		f.captures++
		if f.fail {
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "issuer unavailable"})
			return
		}
		key := r.Header.Get("Idempotency-Key")
		p, ok := f.payments[key]
		if !ok {
			var req checkin.CaptureRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			p = checkin.Payment{
				ID:             uuid.New(),
				PatientID:      req.PatientID,
				CheckInID:      &req.CheckInID,
				Amount:         req.Amount,
				PaymentMethod:  req.PaymentMethod,
				Status:         checkin.PaymentCompleted,
				PaymentDate:    time.Now().UTC(),
				IdempotencyKey: key,
			}
			f.payments[key] = p
		}
		_ = json.NewEncoder(w).Encode(p)

	case http.MethodGet:
		p, ok := f.payments[r.URL.Query().Get("idempotency_key")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(p)
	}
}

func newTestGateway(t *testing.T) (*Gateway, *fakeGateway) {
	t.Helper()
	fake := &fakeGateway{payments: make(map[string]checkin.Payment)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewGateway(srv.URL+"/", srv.Client()), fake
}

func TestGateway_CaptureIsIdempotent(t *testing.T) {
	gw, fake := newTestGateway(t)
	ctx := context.Background()
	req := checkin.CaptureRequest{
		PatientID:      uuid.New(),
		CheckInID:      uuid.New(),
		Amount:         80,
		PaymentMethod:  checkin.MethodCash,
		IdempotencyKey: "key-1",
	}

	first, err := gw.Capture(ctx, req)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	second, err := gw.Capture(ctx, req)
	if err != nil {
		t.Fatalf("second capture: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected the same payment for the same key")
	}
	if len(fake.payments) != 1 {
		t.Errorf("expected one stored payment, got %d", len(fake.payments))
	}

	found, err := gw.FindByIdempotencyKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.ID != first.ID || found.Status != checkin.PaymentCompleted {
		t.Errorf("unexpected lookup result %+v", found)
	}
}

func TestGateway_NotFound(t *testing.T) {
	gw, _ := newTestGateway(t)
	_, err := gw.FindByIdempotencyKey(context.Background(), "missing")
	if !errors.Is(err, checkin.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestGateway_ErrorStatus(t *testing.T) {
	gw, fake := newTestGateway(t)
	fake.fail = true

	_, err := gw.Capture(context.Background(), checkin.CaptureRequest{PatientID: uuid.New(), Amount: 10, IdempotencyKey: "k"})
	if err == nil {
		t.Fatal("expected an error for a 502 response")
	}
	if errors.Is(err, checkin.ErrPaymentNotFound) {
		t.Errorf("a gateway failure must not look like a missing payment")
	}
}

func TestGateway_ContextTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	gw := NewGateway(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := gw.Capture(ctx, checkin.CaptureRequest{PatientID: uuid.New(), Amount: 10, IdempotencyKey: "k"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
