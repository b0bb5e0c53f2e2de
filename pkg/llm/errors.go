package llm

import (
	"errors"
	"fmt"

	"github.com/harun/kestrel/pkg/keyring"
)

// ErrNoKeyAvailable signals that a provider has no usable key; the
// selector skips the provider without retrying.
var ErrNoKeyAvailable = errors.New("no available keys")

// ProviderError is a classified failure from one provider call
type ProviderError struct {
	Provider   string
	Kind       keyring.ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error (%s, status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned when every provider in the hierarchy failed
type ExhaustedError struct {
	Attempted []string
	LastErr   error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no provider could respond (tried %v): %v", e.Attempted, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsTemporary reports whether an error is a transient provider failure
func IsTemporary(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == keyring.ErrorTemporary
	}
	return false
}

// IsPermanent reports whether an error is a permanent provider failure
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == keyring.ErrorPermanent
	}
	return false
}

// temporary wraps an error as a transient ProviderError
func temporary(provider string, status int, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: keyring.ErrorTemporary, StatusCode: status, Err: err}
}

// permanent wraps an error as a permanent ProviderError
func permanent(provider string, status int, err error) *ProviderError {
	return &ProviderError{Provider: provider, Kind: keyring.ErrorPermanent, StatusCode: status, Err: err}
}
