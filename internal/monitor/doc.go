// Package monitor defines the contract of the platform location monitor and
// ships an in-memory Simulator that implements it.
//
// The engine is the only caller of Register and Deregister. Transition events
// and restart signals flow the other way through Handler and RestartHandler.
package monitor
