package jtag

import (
	"errors"
	"time"
)

// ClockEdge reports when the parts of one TCK cycle happened in the host's
// time base.
type ClockEdge struct {
	Rising   time.Duration
	Falling  time.Duration
	OutValid time.Duration // TDO settled after the falling edge
}

// Lines is the narrow bit-level contract the transaction engine drives. It
// exposes the four TAP pins plus the optional TRST line and the time base in
// which clock edges are reported.
type Lines interface {
	SetModeSelect(high bool)
	SetDataIn(high bool)
	DataOut() bool
	AssertReset()
	DeassertReset()
	// AdvanceClock blocks until one full TCK cycle has elapsed.
	AdvanceClock() ClockEdge
	Now() time.Duration
}

// ErrNotImplemented lets backends signal that a requested capability is not yet
// available without relying on fmt.Errorf each time.
var ErrNotImplemented = errors.New("jtag: not implemented")
