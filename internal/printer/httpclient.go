package printer

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/ratelimit"
	"github.com/kilnfleet/kiln/internal/resilience"
)

// HTTPTransport is the shared retry/circuit-breaker/rate-limit wrapper
// every HTTP vendor adapter (OctoPrint, Moonraker, Prusa Link) builds
// requests through, per spec §4.1's shared retry policy: exponential
// backoff, retry on {connection error, timeout, 502, 503, 504, 429},
// never on other 4xx.
type HTTPTransport struct {
	Client      *http.Client
	BaseURL     string
	RetryCfg    resilience.RetryConfig
	Breaker     *resilience.CircuitBreaker
	Limiter     *ratelimit.Limiter
	PrinterName string
}

// NewHTTPTransport builds a transport with spec-default timeout,
// retry policy, and a per-printer circuit breaker so a printer that has
// gone dark stops absorbing retries on every poll.
func NewHTTPTransport(printerName, baseURL string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		Client:      &http.Client{Timeout: timeout},
		BaseURL:     baseURL,
		RetryCfg:    resilience.DefaultRetryConfig(),
		Breaker:     resilience.New(resilience.DefaultCircuitBreakerConfig()),
		Limiter:     ratelimit.New(ratelimit.DefaultConfig()),
		PrinterName: printerName,
	}
}

// Do executes build (which constructs a fresh *http.Request each
// attempt, since a request body cannot be replayed) under retry, rate
// limiting, and circuit-breaker protection, returning the first
// response whose status is not in the retryable set.
func (t *HTTPTransport) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response

	breakerErr := t.Breaker.Execute(func() error {
		return resilience.Retry(ctx, t.RetryCfg, func(attempt int) error {
			if err := t.Limiter.Wait(ctx); err != nil {
				return err
			}
			req, err := build(ctx)
			if err != nil {
				return err
			}
			r, err := t.Client.Do(req)
			if err != nil {
				return err // connection error / timeout: retryable
			}
			if resilience.RetryableStatus(r.StatusCode) {
				r.Body.Close()
				return kerrors.New(kerrors.KindPrinterUnreachable, "retryable HTTP status").
					WithDetail("status", r.StatusCode)
			}
			resp = r
			return nil
		})
	})
	if breakerErr != nil {
		if breakerErr == resilience.ErrCircuitOpen || breakerErr == resilience.ErrTooManyRequests {
			return nil, kerrors.PrinterUnreachable(t.PrinterName, breakerErr)
		}
		return nil, kerrors.PrinterUnreachable(t.PrinterName, breakerErr)
	}
	return resp, nil
}

// MultipartFile builds a multipart/form-data body streaming localPath
// under the given form field, for vendor upload endpoints.
func MultipartFile(fieldName, localPath string) (contentType string, body io.Reader, err error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile(fieldName, filepath.Base(localPath))
	if err != nil {
		return "", nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", nil, err
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}
	return w.FormDataContentType(), buf, nil
}
