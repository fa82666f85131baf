package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/anchornotes/internal/geo"
	"github.com/roach88/anchornotes/internal/store"
)

// Error taxonomy. InvalidSpec and StoreWrite are owned by lower layers and
// re-exported so callers only need this package for matching.
var (
	// ErrInvalidSpec is returned by BindGeofence for out-of-bound specs.
	ErrInvalidSpec = geo.ErrInvalidSpec

	// ErrStoreWrite aborts the operation that hit it.
	ErrStoreWrite = store.ErrStoreWrite

	// ErrCapacityExceeded marks a record left pending because the platform
	// cap or the per-pass quota was reached. It is soft: the record is
	// retried on a later pass.
	ErrCapacityExceeded = errors.New("region capacity exceeded")

	// ErrRegistration marks a record the platform refused outright.
	ErrRegistration = errors.New("region registration rejected")

	// ErrDeliveryBestEffort marks a presentation failure. It is logged and
	// swallowed; alerts are never retried.
	ErrDeliveryBestEffort = errors.New("alert delivery failed")

	// ErrStopped is returned when events arrive after Stop.
	ErrStopped = errors.New("engine stopped")
)

// RegistrationError is the state recorded on a record the platform refused.
// The registrar logs it when the platform answers; NoteStatus.Err rebuilds
// it from the stored message. Err is nil in the rebuilt form.
type RegistrationError struct {
	RecordID string
	NoteID   string
	Message  string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register note %s (record %s): %s", e.NoteID, e.RecordID, e.Message)
}

// Is lets errors.Is(err, ErrRegistration) match.
func (e *RegistrationError) Is(target error) bool {
	return target == ErrRegistration
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}
