// Package circleprovider implements payment.Provider against Circle's
// Payments API (USDC), grounded on the same resilience-wrapped
// *http.Client idiom as stripeprovider, generalized from the teacher's
// retry/circuit-breaker composition in infrastructure/chain/rpcpool.go.
package circleprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/resilience"
)

// Provider speaks to Circle's Payments API. It supports crypto rails
// (USDC settlement) and is eligible for the "crypto" alias resolution
// in payment.Manager.
type Provider struct {
	apiKey   string
	client   *http.Client
	breaker  *resilience.CircuitBreaker
	retryCfg resilience.RetryConfig
	baseURL  string
}

func New(apiKey string) *Provider {
	return &Provider{
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		breaker:  resilience.New(resilience.DefaultCircuitBreakerConfig()),
		retryCfg: resilience.DefaultRetryConfig(),
		baseURL:  "https://api.circle.com/v1",
	}
}

func (p *Provider) Name() string         { return "circle" }
func (p *Provider) SupportsCrypto() bool { return true }

func (p *Provider) do(ctx context.Context, method, path string, body map[string]any) (gjson.Result, error) {
	var result gjson.Result
	err := p.breaker.Execute(func() error {
		return resilience.Retry(ctx, p.retryCfg, func(attempt int) error {
			var bodyReader *bytes.Reader
			if body != nil {
				b, err := json.Marshal(body)
				if err != nil {
					return err
				}
				bodyReader = bytes.NewReader(b)
			} else {
				bodyReader = bytes.NewReader(nil)
			}
			req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bodyReader)
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+p.apiKey)

			resp, err := p.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resilience.RetryableStatus(resp.StatusCode) {
				return fmt.Errorf("circle retryable status %d", resp.StatusCode)
			}
			var buf bytes.Buffer
			buf.ReadFrom(resp.Body)
			if resp.StatusCode >= 400 {
				return kerrors.New(kerrors.KindPaymentFailed, "circle API error").
					WithDetail("status", resp.StatusCode).WithDetail("body", buf.String())
			}
			result = gjson.ParseBytes(buf.Bytes())
			return nil
		})
	})
	return result, err
}

// Circle has no native authorize/capture split for USDC settlement, so
// Authorize returns an empty hold id, directing payment.Manager to
// synthesize authorize+capture as a direct charge.
func (p *Provider) Authorize(ctx context.Context, quoteID string, fee float64) (string, error) {
	return "", nil
}

func (p *Provider) Capture(ctx context.Context, holdID, orderID string, fee float64) (string, error) {
	return p.Charge(ctx, orderID, fee)
}

func (p *Provider) Charge(ctx context.Context, jobID string, fee float64) (string, error) {
	body := map[string]any{
		"idempotencyKey": uuid.New().String(),
		"amount":         map[string]any{"amount": fmt.Sprintf("%.2f", fee), "currency": "USD"},
		"metadata":       map[string]any{"jobId": jobID},
	}
	res, err := p.do(ctx, http.MethodPost, "/payments", body)
	if err != nil {
		return "", err
	}
	return res.Get("data.id").String(), nil
}

func (p *Provider) Cancel(ctx context.Context, holdID string) error {
	return nil // no native hold to release
}

func (p *Provider) Refund(ctx context.Context, paymentID string) error {
	body := map[string]any{"idempotencyKey": uuid.New().String()}
	_, err := p.do(ctx, http.MethodPost, "/payments/"+paymentID+"/refund", body)
	return err
}
