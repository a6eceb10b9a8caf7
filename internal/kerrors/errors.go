// Package kerrors implements the Kiln error taxonomy: a small closed set
// of machine-readable kinds shared by every layer (adapters, queue,
// scheduler, billing, payment, fulfillment) so that callers at the RPC
// and CLI boundary can map any failure to a stable code and exit status.
package kerrors

import (
	"errors"
	"fmt"
)

// Kind is one entry of the taxonomy. It is never extended ad hoc by
// individual packages — new failure modes get a new Kind here.
type Kind string

const (
	KindValidation             Kind = "VALIDATION"
	KindNotFound               Kind = "NOT_FOUND"
	KindAuthRequired           Kind = "AUTH_REQUIRED"
	KindAuthInvalid            Kind = "AUTH_INVALID"
	KindUnsupported            Kind = "UNSUPPORTED"
	KindPrinterUnreachable     Kind = "PRINTER_UNREACHABLE"
	KindPrinterBusy            Kind = "PRINTER_BUSY"
	KindInvalidStateTransition Kind = "INVALID_STATE_TRANSITION"
	KindPreflightFailed        Kind = "PREFLIGHT_FAILED"
	KindTimeout                Kind = "TIMEOUT"
	KindRateLimited            Kind = "RATE_LIMITED"
	KindSpendLimit             Kind = "SPEND_LIMIT"
	KindPaymentFailed          Kind = "PAYMENT_FAILED"
	KindIdempotent             Kind = "IDEMPOTENT"
	KindQuoteExpired           Kind = "QUOTE_EXPIRED"
	KindQuoteNotFound          Kind = "QUOTE_NOT_FOUND"
	KindOwnershipMismatch      Kind = "OWNERSHIP_MISMATCH"
	KindProviderMismatch       Kind = "PROVIDER_MISMATCH"
	KindPriceDriftBlocked      Kind = "PRICE_DRIFT_BLOCKED"
	KindInternal               Kind = "INTERNAL_ERROR"
)

// ExitCode maps a Kind to the CLI exit status named in spec §6. The
// exact numbers are not contractual outside this process, only their
// distinctness is: validation/user errors exit differently than
// internal faults so scripts can branch on it.
func (k Kind) ExitCode() int {
	switch k {
	case "":
		return 0
	case KindValidation, KindPreflightFailed, KindInvalidStateTransition:
		return 2
	case KindPrinterUnreachable, KindPrinterBusy, KindTimeout:
		return 3
	case KindAuthRequired, KindAuthInvalid, KindOwnershipMismatch:
		return 4
	case KindNotFound, KindQuoteNotFound, KindQuoteExpired, KindProviderMismatch:
		return 5
	case KindSpendLimit, KindPaymentFailed, KindPriceDriftBlocked:
		return 6
	case KindRateLimited:
		return 7
	case KindUnsupported:
		return 8
	default:
		return 1
	}
}

// Error is the concrete error type returned across Kiln package
// boundaries. It carries a causal chain (Err) so adapters can wrap raw
// vendor/transport errors without losing the original for logs, while
// the message returned to callers stays human and code stays stable.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches one key/value of machine-readable context.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a bare Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a causal error to a new Error of the given kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// As extracts a *Error from an error chain, if any is present.
func As(err error) (*Error, bool) {
	var ke *Error
	if errors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal if err is not a
// *Error (or is nil, in which case it returns "").
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ke, ok := As(err); ok {
		return ke.Kind
	}
	return KindInternal
}

// Convenience constructors, one per taxonomy entry.

func Validation(field, reason string) *Error {
	return New(KindValidation, "invalid input").WithDetail("field", field).WithDetail("reason", reason)
}

func NotFound(resource, id string) *Error {
	return New(KindNotFound, "resource not found").WithDetail("resource", resource).WithDetail("id", id)
}

func AuthRequired(message string) *Error { return New(KindAuthRequired, message) }

func AuthInvalid(message string) *Error { return New(KindAuthInvalid, message) }

func Unsupported(capability string) *Error {
	return New(KindUnsupported, fmt.Sprintf("capability not supported: %s", capability)).
		WithDetail("capability", capability)
}

func PrinterUnreachable(printerName string, cause error) *Error {
	return Wrap(KindPrinterUnreachable, "printer unreachable", cause).WithDetail("printer", printerName)
}

func PrinterBusy(printerName string) *Error {
	return New(KindPrinterBusy, "printer busy").WithDetail("printer", printerName)
}

func InvalidStateTransition(from, to string) *Error {
	return New(KindInvalidStateTransition, fmt.Sprintf("cannot transition from %s to %s", from, to)).
		WithDetail("from", from).WithDetail("to", to)
}

func PreflightFailed(reason string) *Error {
	return New(KindPreflightFailed, reason)
}

func Timeout(operation string) *Error {
	return New(KindTimeout, "operation timed out").WithDetail("operation", operation)
}

func RateLimited(limit int, window string) *Error {
	return New(KindRateLimited, "rate limit exceeded").WithDetail("limit", limit).WithDetail("window", window)
}

func SpendLimit(reason string) *Error {
	return New(KindSpendLimit, reason)
}

func PaymentFailed(reason string, cause error) *Error {
	return Wrap(KindPaymentFailed, reason, cause)
}

func Idempotent(message string) *Error {
	return New(KindIdempotent, message)
}

func QuoteExpired(token string) *Error {
	return New(KindQuoteExpired, "quote expired").WithDetail("quote_token", token)
}

func QuoteNotFound(token string) *Error {
	return New(KindQuoteNotFound, "quote not found").WithDetail("quote_token", token)
}

func OwnershipMismatch(message string) *Error {
	return New(KindOwnershipMismatch, message)
}

func ProviderMismatch(expected, actual string) *Error {
	return New(KindProviderMismatch, "provider mismatch").WithDetail("expected", expected).WithDetail("actual", actual)
}

func PriceDriftBlocked(quoted, confirmed float64) *Error {
	return New(KindPriceDriftBlocked, "confirmed price drifted beyond threshold").
		WithDetail("quoted", quoted).WithDetail("confirmed", confirmed)
}

func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, message, cause)
}
