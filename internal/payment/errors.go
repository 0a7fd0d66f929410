package payment

import (
	"errors"
	"fmt"
)

// ErrFulfillmentDenied is returned when the fulfillment gate refuses to unlock
// content. Inspect the wrapping DenialError for the reason.
var ErrFulfillmentDenied = errors.New("payment: fulfillment denied")

// ConfigError reports missing or inconsistent provider configuration. It is
// raised before any network call is attempted.
type ConfigError struct {
	Provider string
	Field    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("payment: %s configuration missing %s", e.Provider, e.Field)
}

// TransportError reports a network-level failure talking to the provider.
// The payment state is unknown when this is returned.
type TransportError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("payment: %s %s transport failure: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProviderRejection reports a well-formed provider response that declined the
// operation. Code and Message carry the provider's own values.
type ProviderRejection struct {
	Provider string
	Code     string
	Message  string
}

func (e *ProviderRejection) Error() string {
	return fmt.Sprintf("payment: %s rejected: %s %s", e.Provider, e.Code, e.Message)
}

// MalformedResponseError reports a provider response that could not be
// interpreted. RawBody is retained for diagnostics.
type MalformedResponseError struct {
	Provider string
	RawBody  []byte
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("payment: %s malformed response: %v", e.Provider, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// DenialError explains why the fulfillment gate refused an unlock.
type DenialError struct {
	Reason string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("payment: fulfillment denied: %s", e.Reason)
}

func (e *DenialError) Is(target error) bool { return target == ErrFulfillmentDenied }
