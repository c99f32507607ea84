package llm

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. ErrSuperseded and ErrCancelled are internal stop
// signals: they end a call with OnEnd(nil) and never reach the caller.
var (
	ErrTooManyCalls = errors.New("llm: too many calls in flight")
	ErrCallTimeout  = errors.New("llm: call deadline exceeded")
	ErrSuperseded   = errors.New("llm: call superseded")
	ErrCancelled    = errors.New("llm: call cancelled")
	ErrNoImageSaver = errors.New("llm: drawing mode requires an image saver")
	errNoImageURL   = errors.New("response carried no image url")
)

// UnsupportedProviderError is returned for a provider outside the closed set.
type UnsupportedProviderError struct {
	Name string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("llm: unsupported provider %q", e.Name)
}

// ValidationError reports a request rejected before any network activity.
// Missing lists absent required fields; Field names a present field
// whose value was rejected.
type ValidationError struct {
	Provider Provider
	Missing  []string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "llm: invalid %s request", e.Provider)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Missing, ", "))
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	return b.String()
}

// CredentialExchangeError wraps a failed ERNIE access-token exchange.
type CredentialExchangeError struct {
	Err error
}

func (e *CredentialExchangeError) Error() string {
	return "llm: ernie credential exchange: " + e.Err.Error()
}

func (e *CredentialExchangeError) Unwrap() error { return e.Err }

// TransportError is a failure talking to a provider: a non-2xx status,
// a provider-level error payload, or a broken stream.
type TransportError struct {
	Provider   Provider
	Op         string // request, status, stream, dial, write, read, image
	StatusCode int
	Code       string // provider error code, when the payload carried one
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "llm: %s %s", strings.ToLower(e.Provider.String()), e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }
