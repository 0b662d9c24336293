package scheduling

import (
	"errors"
	"fmt"

	"github.com/medify/booking/internal/platform/db"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrSlotUnavailable = errors.New("slot is no longer available")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid booking state")
	ErrDuplicateSlot   = errors.New("slot already exists")
	ErrStorage         = errors.New("storage failure")

	// ErrPoolExhausted is a StorageError cause: the whole operation may be retried.
	ErrPoolExhausted = db.ErrPoolExhausted
)

// ValidationError is returned before any transaction opens.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}

// StateError rejects a transition the booking state machine does not allow.
type StateError struct {
	BookingID int64
	Current   Status
	Target    Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("booking %d is %s and cannot become %s", e.BookingID, e.Current, e.Target)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// StorageError wraps a database failure unrelated to business rules. The
// transaction it happened in was rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// Retryable reports whether the failure was pool exhaustion.
func (e *StorageError) Retryable() bool {
	return errors.Is(e.Err, ErrPoolExhausted)
}

var domainErrors = []error{ErrValidation, ErrSlotUnavailable, ErrNotFound, ErrInvalidState, ErrDuplicateSlot, ErrStorage}

// asStorage leaves domain errors alone and wraps everything else.
func asStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return err
		}
	}
	return &StorageError{Op: op, Err: err}
}
