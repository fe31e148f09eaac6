package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSignature is returned when verification is enabled and the
	// signature header is missing or does not match the payload.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")

	// ErrMalformedEvent marks payloads that can never be processed. They are
	// acknowledged so the provider does not retry them.
	ErrMalformedEvent = errors.New("billing: malformed event")
)

// StoreError wraps a persistence failure. The dispatcher turns it into a 5xx
// so the provider redelivers the event.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("billing: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err wraps a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
