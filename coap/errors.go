package coap

import "fmt"

// ErrorCode enumerates the error conditions the engine surfaces to
// callers beyond ordinary Go errors, matching spec.md §6/§7's fixed
// vocabulary so a caller can branch on reason without string matching.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrTCPCSMNotReceived
	ErrTCPConnClosed
	ErrConnClosed
	ErrMalformedMessage
	ErrMalformedOptions
	ErrTruncatedMessage
	ErrMessageTooBig
	ErrExchangeCanceled
	ErrTimeout
	ErrAssertFailed
)

var errorCodeNames = [...]string{
	ErrNone:              "NONE",
	ErrTCPCSMNotReceived:  "TCP_CSM_NOT_RECEIVED",
	ErrTCPConnClosed:      "TCP_CONN_CLOSED",
	ErrConnClosed:         "CONN_CLOSED",
	ErrMalformedMessage:   "MALFORMED_MESSAGE",
	ErrMalformedOptions:   "MALFORMED_OPTIONS",
	ErrTruncatedMessage:   "TRUNCATED_MESSAGE_RECEIVED",
	ErrMessageTooBig:      "MESSAGE_TOO_BIG",
	ErrExchangeCanceled:   "EXCHANGE_CANCELED",
	ErrTimeout:            "TIMEOUT",
	ErrAssertFailed:       "ASSERT_FAILED",
}

func (c ErrorCode) String() string {
	if int(c) < len(errorCodeNames) && errorCodeNames[c] != "" {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// EngineError is the error type returned by every core operation that
// can fail for one of the reasons in ErrorCode. It wraps an underlying
// cause when one exists (e.g. a coapmsg parse error) so %w unwrapping
// still works.
type EngineError struct {
	Code  ErrorCode
	Cause error
}

func newError(code ErrorCode) error {
	return &EngineError{Code: code}
}

func wrapError(code ErrorCode, cause error) error {
	return &EngineError{Code: code, Cause: cause}
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("coap: %s: %s", e.Code, e.Cause.Error())
	}
	return fmt.Sprintf("coap: %s", e.Code)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// Timeout reports whether retrying later has any chance of succeeding.
func (e *EngineError) Timeout() bool { return e.Code == ErrTimeout }

// assertf panics with an ASSERT_FAILED-flavored message when cond is
// false. It guards programmer errors spec.md §7 calls out explicitly:
// iterator misuse, out-of-order listing IDs, concurrent use of a shared
// buffer — conditions the caller, not the peer, is responsible for.
func assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(&EngineError{Code: ErrAssertFailed, Cause: fmt.Errorf(format, args...)})
	}
}
