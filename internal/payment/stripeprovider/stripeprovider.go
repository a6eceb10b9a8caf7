// Package stripeprovider implements payment.Provider against Stripe's
// REST API, grounded on the teacher's resilience-wrapped *http.Client
// idiom (infrastructure/chain/rpcpool.go's retry/circuit-breaker
// composition) applied to a payments rail instead of an RPC pool.
package stripeprovider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/resilience"
)

// Provider speaks to the Stripe Payment Intents API.
type Provider struct {
	secretKey string
	client    *http.Client
	breaker   *resilience.CircuitBreaker
	retryCfg  resilience.RetryConfig
	baseURL   string
}

func New(secretKey string) *Provider {
	return &Provider{
		secretKey: secretKey,
		client:    &http.Client{Timeout: 30 * time.Second},
		breaker:   resilience.New(resilience.DefaultCircuitBreakerConfig()),
		retryCfg:  resilience.DefaultRetryConfig(),
		baseURL:   "https://api.stripe.com/v1",
	}
}

func (p *Provider) Name() string        { return "stripe" }
func (p *Provider) SupportsCrypto() bool { return false }

func (p *Provider) post(ctx context.Context, path string, form url.Values) (gjson.Result, error) {
	var result gjson.Result
	err := p.breaker.Execute(func() error {
		return resilience.Retry(ctx, p.retryCfg, func(attempt int) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewBufferString(form.Encode()))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.SetBasicAuth(p.secretKey, "")

			resp, err := p.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resilience.RetryableStatus(resp.StatusCode) {
				return fmt.Errorf("stripe retryable status %d", resp.StatusCode)
			}
			var buf bytes.Buffer
			buf.ReadFrom(resp.Body)
			if resp.StatusCode >= 400 {
				return kerrors.New(kerrors.KindPaymentFailed, "stripe API error").
					WithDetail("status", resp.StatusCode).WithDetail("body", buf.String())
			}
			result = gjson.ParseBytes(buf.Bytes())
			return nil
		})
	})
	return result, err
}

// amountCents converts a fee in major currency units to Stripe's
// smallest-unit integer amount (USD cents).
func amountCents(fee float64) string {
	return strconv.Itoa(int(fee*100 + 0.5))
}

func (p *Provider) Authorize(ctx context.Context, quoteID string, fee float64) (string, error) {
	form := url.Values{
		"amount":                     {amountCents(fee)},
		"currency":                   {"usd"},
		"capture_method":             {"manual"},
		"metadata[quote_id]":         {quoteID},
	}
	res, err := p.post(ctx, "/payment_intents", form)
	if err != nil {
		return "", err
	}
	return res.Get("id").String(), nil
}

func (p *Provider) Capture(ctx context.Context, holdID, orderID string, fee float64) (string, error) {
	form := url.Values{"amount_to_capture": {amountCents(fee)}}
	res, err := p.post(ctx, "/payment_intents/"+holdID+"/capture", form)
	if err != nil {
		return "", err
	}
	return res.Get("id").String(), nil
}

func (p *Provider) Charge(ctx context.Context, jobID string, fee float64) (string, error) {
	form := url.Values{
		"amount":             {amountCents(fee)},
		"currency":           {"usd"},
		"confirm":            {"true"},
		"metadata[job_id]":   {jobID},
	}
	res, err := p.post(ctx, "/payment_intents", form)
	if err != nil {
		return "", err
	}
	return res.Get("id").String(), nil
}

func (p *Provider) Cancel(ctx context.Context, holdID string) error {
	_, err := p.post(ctx, "/payment_intents/"+holdID+"/cancel", url.Values{})
	return err
}

func (p *Provider) Refund(ctx context.Context, paymentID string) error {
	form := url.Values{"payment_intent": {paymentID}}
	_, err := p.post(ctx, "/refunds", form)
	return err
}
