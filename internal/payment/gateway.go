package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hackgods/hospital-frontdesk/internal/checkin"
)

// Gateway talks to an external payment service over HTTP. The service must
// honour the Idempotency-Key header and expose lookups by key.
type Gateway struct {
	baseURL string
	client  *http.Client
}

func NewGateway(baseURL string, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Gateway{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type gatewayError struct {
	Error string `json:"error"`
}

func (g *Gateway) Capture(ctx context.Context, req checkin.CaptureRequest) (*checkin.Payment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode capture: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/payments", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	return g.do(httpReq)
}

func (g *Gateway) FindByIdempotencyKey(ctx context.Context, key string) (*checkin.Payment, error) {
	u := g.baseURL + "/payments?idempotency_key=" + url.QueryEscape(key)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return g.do(httpReq)
}

func (g *Gateway) do(req *http.Request) (*checkin.Payment, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment gateway: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, checkin.ErrPaymentNotFound
	case resp.StatusCode >= 300:
		var ge gatewayError
		_ = json.Unmarshal(data, &ge)
		if ge.Error == "" {
			ge.Error = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("payment gateway returned %d: %s", resp.StatusCode, ge.Error)
	}

	var p checkin.Payment
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	return &p, nil
}
