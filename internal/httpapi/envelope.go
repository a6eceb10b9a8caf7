// Package httpapi exposes Kiln's operations as a named, typed RPC/tool
// surface over HTTP, generalized from the teacher's
// infrastructure/httputil response helpers (WriteJSON/WriteError) and
// chi-based routing, adapted to the single {success, data?, error}
// envelope spec §5 requires instead of the teacher's bare-status
// ErrorResponse.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/logging"
)

// ErrorBody is the machine-readable error half of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope is the wire shape of every response: {success, data?, error?}.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeCreated(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: data})
}

// writeError maps err to an HTTP status and a stable taxonomy code.
// Internal faults get a generic message at the boundary; the real
// cause still reaches the log via log.WithError (spec §5: "internal
// errors include a trace breadcrumb in logs, never in the returned
// message").
func writeError(w http.ResponseWriter, log *logging.Logger, err error) {
	kind := kerrors.KindOf(err)
	status := httpStatusFor(kind)

	message := err.Error()
	if kind == kerrors.KindInternal || kind == "" {
		if log != nil {
			log.Named("httpapi").WithError(err).Error("internal error handling request")
		}
		message = "internal server error"
	}

	writeJSON(w, status, envelope{Success: false, Error: &ErrorBody{Code: string(kind), Message: message}})
}

func httpStatusFor(kind kerrors.Kind) int {
	switch kind {
	case kerrors.KindValidation, kerrors.KindPreflightFailed, kerrors.KindInvalidStateTransition:
		return http.StatusBadRequest
	case kerrors.KindAuthRequired:
		return http.StatusUnauthorized
	case kerrors.KindAuthInvalid, kerrors.KindOwnershipMismatch:
		return http.StatusForbidden
	case kerrors.KindNotFound, kerrors.KindQuoteNotFound:
		return http.StatusNotFound
	case kerrors.KindQuoteExpired, kerrors.KindProviderMismatch, kerrors.KindPrinterBusy:
		return http.StatusConflict
	case kerrors.KindPrinterUnreachable, kerrors.KindTimeout:
		return http.StatusGatewayTimeout
	case kerrors.KindSpendLimit, kerrors.KindPaymentFailed, kerrors.KindPriceDriftBlocked:
		return http.StatusPaymentRequired
	case kerrors.KindRateLimited:
		return http.StatusTooManyRequests
	case kerrors.KindUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func rateLimitedError() error {
	return kerrors.New(kerrors.KindRateLimited, "too many requests")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, log *logging.Logger, v interface{}) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, log, kerrors.Wrap(kerrors.KindValidation, "invalid JSON request body", err))
		return false
	}
	return true
}
