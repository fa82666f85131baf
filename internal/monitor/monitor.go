package monitor

import (
	"context"
	"time"

	"github.com/paulmach/orb"

	"github.com/roach88/anchornotes/internal/geo"
)

// Region is a registration request for one circular region.
// RequestID is chosen by the caller; the platform answers with its own id.
type Region struct {
	RequestID string
	Spec      geo.Spec
}

// Monitor is the platform location-monitoring facility.
//
// Implementations hold a bounded set of regions and report boundary
// crossings asynchronously, possibly while the host process is not running.
// The set may be silently dropped by the platform (reboot, service restart).
type Monitor interface {
	// Register asks the platform to monitor r and returns the platform region id.
	// Re-registering a RequestID replaces the earlier region.
	Register(ctx context.Context, r Region) (string, error)

	// Deregister stops monitoring a region. Unknown ids are not an error.
	Deregister(ctx context.Context, platformRegionID string) error

	// ListRegistered returns the platform region ids currently monitored.
	ListRegistered(ctx context.Context) ([]string, error)

	// LastKnownPosition returns the device position if the platform has one.
	LastKnownPosition(ctx context.Context) (orb.Point, bool, error)
}

// Event is a raw transition as delivered by the platform.
// The same crossing may be delivered more than once with increasing Attempt.
type Event struct {
	PlatformRegionID string
	Transition       geo.Transition
	OccurredAt       time.Time
	Attempt          int
}

// Handler receives transition events.
type Handler func(ctx context.Context, ev Event)

// RestartHandler is notified when the platform dropped every registration.
type RestartHandler func(ctx context.Context, at time.Time, reason string)
