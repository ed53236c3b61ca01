// Package classify turns arbitrary step/tool errors into one of a fixed set
// of retry-relevant kinds, and computes the exponential backoff delay for
// whichever kind is retriable (§4.7).
//
// Grounded in llm/errors.go's TransientError/FatalError sum type and
// llm/client.go's classifyHTTPError status-code switch, generalized from a
// two-way (transient/fatal) split to Axis's four-way kind set.
package classify

import "strings"

// Kind is one of the four error classifications a step error can receive.
type Kind string

const (
	KindRetriable              Kind = "retriable"
	KindNonRetriableClient     Kind = "non_retriable_client"
	KindNonRetriableCredential Kind = "non_retriable_credential"
	KindNonRetriableQuota      Kind = "non_retriable_quota"
)

// Retriable reports whether a step in this Kind may be attempted again.
func (k Kind) Retriable() bool {
	return k == KindRetriable
}

// StatusSource is anything an upstream error might expose a status code
// through. Implementations extract from whichever known field shape they
// carry (`.status`, `.statusCode`, `.response.status`).
type StatusSource interface {
	// StatusCode returns the extracted HTTP-style status code and whether
	// one was found at all.
	StatusCode() (int, bool)
	// TimeoutSignal returns a timeout code/name if this error presents one
	// (ERR_TIMEOUT, ETIMEDOUT, ECONNABORTED, TimeoutError, AbortError).
	TimeoutSignal() (string, bool)
}

var timeoutSignals = map[string]bool{
	"ERR_TIMEOUT":   true,
	"ETIMEDOUT":     true,
	"ECONNABORTED":  true,
	"TimeoutError":  true,
	"AbortError":    true,
}

// IsTimeoutSignal reports whether s names one of the recognized timeout
// codes/names (case-sensitive, matching the spec's literal token list).
func IsTimeoutSignal(s string) bool {
	return timeoutSignals[s]
}

// Classify applies the §4.7 precedence rule: a present status code wins over
// a timeout signal, which in turn wins over the fail-safe default.
func Classify(src StatusSource) Kind {
	if status, ok := src.StatusCode(); ok {
		return classifyStatus(status)
	}
	if signal, ok := src.TimeoutSignal(); ok && IsTimeoutSignal(signal) {
		return KindRetriable
	}
	// Unknown shape: fail safe toward retrying rather than giving up.
	return KindRetriable
}

func classifyStatus(status int) Kind {
	switch status {
	case 401, 403:
		return KindNonRetriableCredential
	case 402:
		return KindNonRetriableQuota
	case 400, 404, 422:
		return KindNonRetriableClient
	case 429:
		return KindRetriable
	case 500, 502, 503, 504:
		return KindRetriable
	}
	switch {
	case status >= 400 && status < 500:
		return KindNonRetriableClient
	case status >= 500 && status < 600:
		return KindRetriable
	default:
		return KindRetriable
	}
}

// MapError classifies a plain Go error by inspecting common field shapes
// through reflection-free type assertions on well-known interfaces, falling
// back to substring matching on its message for timeout signals. Most
// callers that control their own error types should implement StatusSource
// directly and call Classify; MapError exists for errors arriving from
// outside this module's control (e.g. an HTTP client's opaque error).
func MapError(err error) Kind {
	if err == nil {
		return KindRetriable
	}
	if src, ok := err.(StatusSource); ok {
		return Classify(src)
	}
	msg := err.Error()
	for signal := range timeoutSignals {
		if strings.Contains(msg, signal) {
			return KindRetriable
		}
	}
	return KindRetriable
}

// FieldStatusSource is a StatusSource backed by the three known field
// shapes the wire protocol uses (`status`, `statusCode`, `response.status`),
// checked in that order — first match wins.
type FieldStatusSource struct {
	Status         *int // `.status`
	Code           *int // `.statusCode`
	ResponseStatus *int // `.response.status`
	TimeoutCode    string
	TimeoutName    string
}

// StatusCode implements StatusSource.
func (f FieldStatusSource) StatusCode() (int, bool) {
	for _, c := range []*int{f.Status, f.Code, f.ResponseStatus} {
		if c != nil {
			return *c, true
		}
	}
	return 0, false
}

// TimeoutSignal implements StatusSource.
func (f FieldStatusSource) TimeoutSignal() (string, bool) {
	if f.TimeoutCode != "" {
		return f.TimeoutCode, true
	}
	if f.TimeoutName != "" {
		return f.TimeoutName, true
	}
	return "", false
}
