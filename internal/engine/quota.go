package engine

import "fmt"

// QuotaEnforcer caps the number of platform Register calls one reconciliation
// pass may make.
//
// A fresh enforcer is created per pass. Records past the budget are left
// pending and picked up by the next pass, so a burst of edits cannot flood
// the platform with registration requests.
type QuotaEnforcer struct {
	maxCalls int
	current  int
}

// NewQuotaEnforcer creates a quota enforcer with the given limit.
// A non-positive limit disables the quota.
func NewQuotaEnforcer(maxCalls int) *QuotaEnforcer {
	return &QuotaEnforcer{maxCalls: maxCalls}
}

// Check increments the call counter and validates it against the limit.
// Returns *QuotaExceededError once the budget is spent.
func (q *QuotaEnforcer) Check(recordID string) error {
	if q.maxCalls <= 0 {
		return nil
	}
	q.current++
	if q.current > q.maxCalls {
		return &QuotaExceededError{
			RecordID: recordID,
			Calls:    q.current,
			Limit:    q.maxCalls,
		}
	}
	return nil
}

// QuotaExceededError is returned when a pass spends its registration budget.
type QuotaExceededError struct {
	RecordID string
	Calls    int
	Limit    int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("registration quota exceeded at record %s: %d calls > %d limit",
		e.RecordID, e.Calls, e.Limit)
}
