package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput            = errors.New("invalid input")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrNotFound                = errors.New("not found")
	ErrStateConflict           = errors.New("state conflict")
	ErrDocumentRead            = errors.New("document read failed")
	ErrEmbedding               = errors.New("embedding failed")
	ErrPartialDeletion         = errors.New("partial deletion")
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")
	ErrUnavailable             = errors.New("temporarily unavailable")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// ProviderFailure records why a single provider attempt did not produce an answer.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// AllProvidersUnavailableError is returned when every provider in the chain failed.
// Failures are kept in attempt order.
type AllProvidersUnavailableError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersUnavailableError) Error() string {
	if len(e.Failures) == 0 {
		return ErrAllProvidersUnavailable.Error() + ": no providers configured"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Provider+": "+f.Reason)
	}
	return ErrAllProvidersUnavailable.Error() + ": " + strings.Join(parts, "; ")
}

func (e *AllProvidersUnavailableError) Unwrap() error {
	return ErrAllProvidersUnavailable
}
