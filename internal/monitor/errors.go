package monitor

import (
	"errors"
	"fmt"
)

// Platform status codes, matching the values mobile geofencing APIs report.
const (
	CodeNotAvailable           = 1000
	CodeTooManyRegions         = 1001
	CodeTooManyPendingRequests = 1002
)

var (
	// ErrNotAvailable means location services are off or unsupported.
	ErrNotAvailable = &RejectedError{Code: CodeNotAvailable, Reason: "geofence not available"}

	// ErrTooManyRegions means the platform region cap is reached.
	ErrTooManyRegions = &RejectedError{Code: CodeTooManyRegions, Reason: "too many geofences"}

	// ErrTooManyPendingRequests means the platform is throttling registrations.
	ErrTooManyPendingRequests = &RejectedError{Code: CodeTooManyPendingRequests, Reason: "too many pending requests"}
)

// RejectedError is a registration refused by the platform.
type RejectedError struct {
	Code   int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("platform rejected region (code %d): %s", e.Code, e.Reason)
}

// Is matches any RejectedError carrying the same code, so wrapped or
// freshly constructed errors compare equal to the package sentinels.
func (e *RejectedError) Is(target error) bool {
	t, ok := target.(*RejectedError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Transient reports whether a registration failure should be retried
// on a later pass instead of being recorded against the record.
func Transient(err error) bool {
	return errors.Is(err, ErrNotAvailable) ||
		errors.Is(err, ErrTooManyRegions) ||
		errors.Is(err, ErrTooManyPendingRequests)
}

// UserMessage renders err the way it is shown next to a note.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotAvailable):
		return "Geofencing not available on this device. Please enable location services."
	case errors.Is(err, ErrTooManyRegions):
		return "Too many geofences. Please remove some existing geofences."
	case errors.Is(err, ErrTooManyPendingRequests):
		return "Too many pending geofence requests. Please try again later."
	}

	var rej *RejectedError
	if errors.As(err, &rej) {
		return fmt.Sprintf("Geofence error (code %d): %s", rej.Code, rej.Reason)
	}
	return "Failed to register geofence: " + err.Error()
}
