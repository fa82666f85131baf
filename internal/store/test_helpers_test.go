package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/anchornotes/internal/geo"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testSpec returns the canonical cooldown example spec.
func testSpec() geo.Spec {
	return geo.Spec{
		CenterLat:       40.0,
		CenterLon:       -73.0,
		RadiusMeters:    50,
		Mask:            geo.MaskEnter,
		CooldownSeconds: 600,
	}
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// steppingClock advances one second per call so created/retired stamps differ.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: epoch}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}
