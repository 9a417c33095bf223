// Package errs provides the structured error envelope shared by every empirekit package.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies the broad failure family of an error.
type Code string

const (
	// CodeRateLimited indicates that the platform rejected the call for exceeding its rate limit.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication failures, including rejected identify handshakes.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates a platform-side failure reported over REST.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a transport failure (dial, handshake, read or write).
	CodeNetwork Code = "network"
	// CodeProtocol indicates the server sent a frame that violates the expected contract.
	CodeProtocol Code = "protocol"
	// CodeUnavailable indicates the component is closed or not yet connected.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode narrows a Code to a specific, documented condition.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalAPIKeyMissing indicates no API key was configured.
	CanonicalAPIKeyMissing CanonicalCode = "api_key_missing"
	// CanonicalInvalidAPIKey indicates the API key is malformed or was rejected by the platform.
	CanonicalInvalidAPIKey CanonicalCode = "invalid_api_key"
	// CanonicalInvalidDomain indicates the configured domain is not an accepted platform domain.
	CanonicalInvalidDomain CanonicalCode = "invalid_domain"
	// CanonicalUnknownTradeStatus indicates a trade status code outside the known table.
	CanonicalUnknownTradeStatus CanonicalCode = "unknown_trade_status"
	// CanonicalIdentifyFailed indicates every identify attempt of a handshake failed.
	CanonicalIdentifyFailed CanonicalCode = "identify_failed"
	// CanonicalNotConnected indicates an operation that needs a live session was called without one.
	CanonicalNotConnected CanonicalCode = "not_connected"
)

// E captures structured error information produced across the SDK.
type E struct {
	Source    string
	Code      Code
	HTTP      int
	Message   string
	Canonical CanonicalCode
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the source component and error code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source:    strings.TrimSpace(source),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code describing the failure.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single diagnostic key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder

	source := e.Source
	if source == "" {
		source = "empirekit"
	}
	b.WriteString(source)
	b.WriteString(": ")
	b.WriteString(string(e.Code))
	if e.Canonical != "" && e.Canonical != CanonicalUnknown {
		b.WriteString("/")
		b.WriteString(string(e.Canonical))
	}
	if e.HTTP > 0 {
		b.WriteString(" http=")
		b.WriteString(strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(strconv.Quote(e.Message))
	}
	for _, k := range sortedKeys(e.Fields) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(strconv.Quote(e.Fields[k]))
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err carries the given canonical code anywhere in its chain.
func Is(err error, canonical CanonicalCode) bool {
	var e *E
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Canonical == canonical {
			return true
		}
		err = e.cause
	}
	return false
}

// CodeOf returns the Code of the outermost envelope in err's chain, or "" when there is none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
