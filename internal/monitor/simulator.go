package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/roach88/anchornotes/internal/geo"
)

// Simulator is an in-memory Monitor.
//
// It keeps a bounded region set and turns position updates into ENTER/EXIT
// events using geodesic containment. Restart drops every region the way a
// reboot or location-service restart does on a device.
//
// Thread-safety: all methods are safe for concurrent use. Handlers are
// invoked without the internal lock held.
type Simulator struct {
	mu         sync.Mutex
	maxRegions int
	nextID     int
	regions    map[string]*simRegion
	position   orb.Point
	located    bool
	faults     map[string]error
	available  bool

	handler        Handler
	restartHandler RestartHandler
}

type simRegion struct {
	id     string
	region Region
	inside bool
}

// RegionInfo describes one region held by the simulator.
type RegionInfo struct {
	PlatformRegionID string
	RequestID        string
	Spec             geo.Spec
	Inside           bool
}

// NewSimulator creates a simulator that holds at most maxRegions regions.
// A non-positive maxRegions means unbounded.
func NewSimulator(maxRegions int) *Simulator {
	return &Simulator{
		maxRegions: maxRegions,
		regions:    make(map[string]*simRegion),
		faults:     make(map[string]error),
		available:  true,
	}
}

// OnTransition sets the handler that receives crossing events.
func (s *Simulator) OnTransition(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// OnRestart sets the handler notified after Restart.
func (s *Simulator) OnRestart(h RestartHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartHandler = h
}

// Register implements Monitor.
func (s *Simulator) Register(ctx context.Context, r Region) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.available {
		return "", ErrNotAvailable
	}
	if err, ok := s.faults[r.RequestID]; ok {
		return "", err
	}

	// Same request id replaces the earlier region.
	for id, existing := range s.regions {
		if existing.region.RequestID == r.RequestID {
			delete(s.regions, id)
		}
	}

	if s.maxRegions > 0 && len(s.regions) >= s.maxRegions {
		return "", ErrTooManyRegions
	}

	s.nextID++
	id := fmt.Sprintf("region-%d", s.nextID)
	s.regions[id] = &simRegion{
		id:     id,
		region: r,
		inside: s.located && r.Spec.Contains(s.position),
	}

	slog.Debug("simulator registered region",
		"platform_region_id", id,
		"request_id", r.RequestID,
		"radius_m", r.Spec.RadiusMeters,
	)
	return id, nil
}

// Deregister implements Monitor.
func (s *Simulator) Deregister(ctx context.Context, platformRegionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.regions, platformRegionID)
	return nil
}

// ListRegistered implements Monitor. Ids are returned sorted.
func (s *Simulator) ListRegistered(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedIDs(), nil
}

// LastKnownPosition implements Monitor.
func (s *Simulator) LastKnownPosition(ctx context.Context) (orb.Point, bool, error) {
	if err := ctx.Err(); err != nil {
		return orb.Point{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.position, s.located, nil
}

// Regions returns a snapshot of every held region ordered by platform id.
func (s *Simulator) Regions() []RegionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RegionInfo, 0, len(s.regions))
	for _, id := range s.sortedIDs() {
		r := s.regions[id]
		out = append(out, RegionInfo{
			PlatformRegionID: id,
			RequestID:        r.region.RequestID,
			Spec:             r.region.Spec,
			Inside:           r.inside,
		})
	}
	return out
}

// Move updates the device position and reports every boundary crossing
// the region masks ask for. Events are delivered in platform id order.
func (s *Simulator) Move(ctx context.Context, p orb.Point, at time.Time) []Event {
	s.mu.Lock()
	s.position = p
	s.located = true

	var events []Event
	for _, id := range s.sortedIDs() {
		r := s.regions[id]
		inside := r.region.Spec.Contains(p)
		if inside == r.inside {
			continue
		}
		r.inside = inside

		t := geo.TransitionExit
		if inside {
			t = geo.TransitionEnter
		}
		if !r.region.Spec.Mask.Has(t) {
			continue
		}
		events = append(events, Event{
			PlatformRegionID: id,
			Transition:       t,
			OccurredAt:       at,
			Attempt:          1,
		})
	}
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		for _, ev := range events {
			h(ctx, ev)
		}
	}
	return events
}

// Emit delivers ev directly, as a platform redelivery would.
func (s *Simulator) Emit(ctx context.Context, ev Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		h(ctx, ev)
	}
}

// Restart drops every region and notifies the restart handler.
// The last known position survives, as it does on a device.
func (s *Simulator) Restart(ctx context.Context, at time.Time, reason string) {
	s.mu.Lock()
	dropped := len(s.regions)
	s.regions = make(map[string]*simRegion)
	h := s.restartHandler
	s.mu.Unlock()

	slog.Info("simulator restarted", "reason", reason, "dropped_regions", dropped)

	if h != nil {
		h(ctx, at, reason)
	}
}

// Fail makes every Register call for requestID return err until cleared.
func (s *Simulator) Fail(requestID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[requestID] = err
}

// ClearFault removes a fault set by Fail.
func (s *Simulator) ClearFault(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, requestID)
}

// SetAvailable toggles location services. While unavailable every Register fails.
func (s *Simulator) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = available
}

// sortedIDs orders ids numerically by their counter so region-10 follows region-9.
// Caller must hold s.mu.
func (s *Simulator) sortedIDs() []string {
	ids := make([]string, 0, len(s.regions))
	for id := range s.regions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if len(ids[i]) != len(ids[j]) {
			return len(ids[i]) < len(ids[j])
		}
		return ids[i] < ids[j]
	})
	return ids
}

var _ Monitor = (*Simulator)(nil)
