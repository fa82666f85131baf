package geo

import (
	"errors"
	"fmt"
)

// ErrInvalidSpec is matched by every spec validation failure.
var ErrInvalidSpec = errors.New("invalid geofence spec")

// InvalidSpecError names the offending field. It unwraps to ErrInvalidSpec.
type InvalidSpecError struct {
	Field  string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidSpec, e.Field, e.Reason)
}

func (e *InvalidSpecError) Unwrap() error {
	return ErrInvalidSpec
}
