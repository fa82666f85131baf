package engine

import "github.com/roach88/anchornotes/internal/store"

// Status is the registration state of a note's geofence as seen by the user.
type Status string

const (
	StatusNone    Status = "none"
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusError   Status = "error"
)

// NoteStatus is the full status view of one note.
type NoteStatus struct {
	NoteID           string `json:"note_id"`
	Status           Status `json:"status"`
	RecordID         string `json:"record_id,omitempty"`
	PlatformRegionID string `json:"platform_region_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

// statusOf maps a record to its user-visible status.
// A record neither registered nor in error is pending, whether it waits for
// capacity or for the next pass.
func statusOf(rec store.Record) Status {
	switch {
	case !rec.Active():
		return StatusNone
	case rec.RegistrationError != "":
		return StatusError
	case rec.Registered():
		return StatusActive
	default:
		return StatusPending
	}
}

// Err returns a *RegistrationError when the platform refused the note's
// region, and nil otherwise.
func (s NoteStatus) Err() error {
	if s.Status != StatusError {
		return nil
	}
	return &RegistrationError{RecordID: s.RecordID, NoteID: s.NoteID, Message: s.Error}
}

func noteStatusOf(rec store.Record) NoteStatus {
	return NoteStatus{
		NoteID:           rec.NoteID,
		Status:           statusOf(rec),
		RecordID:         rec.RecordID,
		PlatformRegionID: rec.PlatformRegionID,
		Error:            rec.RegistrationError,
	}
}
