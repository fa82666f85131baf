package geo

import (
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Transition is a boundary crossing reported by the location monitor.
type Transition string

const (
	// TransitionEnter is reported when the device moves into a region.
	TransitionEnter Transition = "ENTER"
	// TransitionExit is reported when the device leaves a region.
	TransitionExit Transition = "EXIT"
)

// Transitions lists every transition kind in a stable order.
var Transitions = []Transition{TransitionEnter, TransitionExit}

// ParseTransition accepts "enter"/"exit" in any case.
func ParseTransition(s string) (Transition, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(TransitionEnter):
		return TransitionEnter, nil
	case string(TransitionExit):
		return TransitionExit, nil
	default:
		return "", fmt.Errorf("unknown transition %q", s)
	}
}

// Valid reports whether t is one of the known transitions.
func (t Transition) Valid() bool {
	return t == TransitionEnter || t == TransitionExit
}

// TransitionMask is the set of transitions a geofence reports.
type TransitionMask uint8

const (
	MaskEnter TransitionMask = 1 << iota
	MaskExit

	MaskBoth = MaskEnter | MaskExit
)

// MaskOf builds a mask from individual transitions.
func MaskOf(ts ...Transition) TransitionMask {
	var m TransitionMask
	for _, t := range ts {
		m |= maskBit(t)
	}
	return m
}

func maskBit(t Transition) TransitionMask {
	switch t {
	case TransitionEnter:
		return MaskEnter
	case TransitionExit:
		return MaskExit
	}
	return 0
}

// Has reports whether the mask includes t.
func (m TransitionMask) Has(t Transition) bool {
	bit := maskBit(t)
	return bit != 0 && m&bit == bit
}

// Transitions returns the members of the mask in stable order.
func (m TransitionMask) Transitions() []Transition {
	var out []Transition
	for _, t := range Transitions {
		if m.Has(t) {
			out = append(out, t)
		}
	}
	return out
}

// String renders the mask as "ENTER|EXIT".
func (m TransitionMask) String() string {
	ts := m.Transitions()
	if len(ts) == 0 {
		return "NONE"
	}
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, "|")
}

// ParseMask parses a comma or pipe separated list such as "enter,exit".
func ParseMask(s string) (TransitionMask, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' || r == ' ' })
	var m TransitionMask
	for _, f := range fields {
		t, err := ParseTransition(f)
		if err != nil {
			return 0, err
		}
		m |= maskBit(t)
	}
	if m == 0 {
		return 0, fmt.Errorf("empty transition mask %q", s)
	}
	return m, nil
}

// Spec describes a circular geofence attached to a note.
type Spec struct {
	CenterLat       float64        `json:"center_lat" yaml:"lat"`
	CenterLon       float64        `json:"center_lon" yaml:"lon"`
	RadiusMeters    float64        `json:"radius_meters" yaml:"radius"`
	Mask            TransitionMask `json:"transition_mask" yaml:"-"`
	CooldownSeconds uint32         `json:"cooldown_seconds" yaml:"cooldown"`

	// AddressName is a display label only. It never affects monitoring.
	AddressName string `json:"address_name,omitempty" yaml:"address,omitempty"`
}

// Center returns the region center as an orb point (lon, lat order).
func (s Spec) Center() orb.Point {
	return orb.Point{s.CenterLon, s.CenterLat}
}

// Contains reports whether p lies within the region, using geodesic distance.
func (s Spec) Contains(p orb.Point) bool {
	return geo.Distance(s.Center(), p) <= s.RadiusMeters
}

// DistanceTo returns the geodesic distance in meters from the region center to p.
func (s Spec) DistanceTo(p orb.Point) float64 {
	return geo.Distance(s.Center(), p)
}

// Limits are the platform bounds a spec must satisfy before it is persisted.
type Limits struct {
	MinRadiusMeters float64
	MaxRadiusMeters float64
}

// DefaultLimits mirror common mobile geofencing guidance. Real values come from config.
var DefaultLimits = Limits{
	MinRadiusMeters: 10,
	MaxRadiusMeters: 100_000,
}

// Validate checks spec against limits. It never adjusts the spec.
func Validate(spec Spec, limits Limits) error {
	switch {
	case math.IsNaN(spec.CenterLat) || math.IsInf(spec.CenterLat, 0) || spec.CenterLat < -90 || spec.CenterLat > 90:
		return &InvalidSpecError{Field: "center_lat", Reason: fmt.Sprintf("%v outside [-90, 90]", spec.CenterLat)}
	case math.IsNaN(spec.CenterLon) || math.IsInf(spec.CenterLon, 0) || spec.CenterLon < -180 || spec.CenterLon > 180:
		return &InvalidSpecError{Field: "center_lon", Reason: fmt.Sprintf("%v outside [-180, 180]", spec.CenterLon)}
	case math.IsNaN(spec.RadiusMeters) || spec.RadiusMeters <= 0:
		return &InvalidSpecError{Field: "radius_meters", Reason: "must be positive"}
	case spec.RadiusMeters < limits.MinRadiusMeters || spec.RadiusMeters > limits.MaxRadiusMeters:
		return &InvalidSpecError{
			Field:  "radius_meters",
			Reason: fmt.Sprintf("%v outside [%v, %v]", spec.RadiusMeters, limits.MinRadiusMeters, limits.MaxRadiusMeters),
		}
	case spec.Mask&MaskBoth == 0 || spec.Mask&^MaskBoth != 0:
		return &InvalidSpecError{Field: "transition_mask", Reason: fmt.Sprintf("invalid mask %d", spec.Mask)}
	}
	return nil
}
