package main

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// MicrostepMode is the driver step resolution: the number of microsteps per full step.
type MicrostepMode uint8

const (
	ModeFull         MicrostepMode = 1
	ModeEighth       MicrostepMode = 8
	ModeSixteenth    MicrostepMode = 16
	ModeThirtySecond MicrostepMode = 32
)

// defaultMicrostepMode is used when no valid mode has been persisted.
const defaultMicrostepMode = ModeSixteenth

// minIntervalForMode is the shortest legal pulse interval (µs) for each mode.
// The physical step-rate limit is the same for every resolution, so finer modes
// permit proportionally shorter intervals.
var minIntervalForMode = map[MicrostepMode]uint32{
	ModeFull:         800,
	ModeEighth:       200,
	ModeSixteenth:    100,
	ModeThirtySecond: 50,
}

// Valid reports whether m is one of the four supported modes.
func (m MicrostepMode) Valid() bool {
	_, ok := minIntervalForMode[m]
	return ok
}

func (m MicrostepMode) String() string {
	if m == ModeFull {
		return "full"
	}
	return fmt.Sprintf("1/%d", uint8(m))
}

// ParseMicrostepMode validates an integer mode.
func ParseMicrostepMode(v int) (MicrostepMode, error) {
	if v < 0 || v > 255 || !MicrostepMode(v).Valid() {
		return 0, ValidationError{Param: "mode", Reason: fmt.Sprintf("invalid microstep mode %d (must be 1, 8, 16 or 32)", v)}
	}
	return MicrostepMode(v), nil
}

// PulseTiming holds the current pulse interval and the bounds it must stay within.
// Invariant: MinIntervalMicros <= IntervalMicros <= MaxIntervalMicros.
type PulseTiming struct {
	IntervalMicros    uint32
	MinIntervalMicros uint32
	MaxIntervalMicros uint32
}

// MicrostepController owns the step resolution and the timing bounds it implies.
type MicrostepController struct {
	mode        MicrostepMode
	stepsPerRev int
	Timing      PulseTiming
}

// NewMicrostepController builds a controller for mode, falling back to the default
// mode when mode is not legal. interval is clamped into the mode's bounds.
func NewMicrostepController(mode MicrostepMode, stepsPerRev int, interval, maxInterval uint32) MicrostepController {
	if !mode.Valid() {
		mode = defaultMicrostepMode
	}
	if stepsPerRev <= 0 {
		stepsPerRev = stepsPerRevolution
	}
	c := MicrostepController{
		mode:        mode,
		stepsPerRev: stepsPerRev,
		Timing: PulseTiming{
			IntervalMicros:    interval,
			MaxIntervalMicros: maxInterval,
		},
	}
	c.applyBounds()
	return c
}

// SetMode switches resolution. Invalid values are rejected and leave state unchanged.
func (c *MicrostepController) SetMode(v int) error {
	m, err := ParseMicrostepMode(v)
	if err != nil {
		return err
	}
	c.mode = m
	c.applyBounds()
	return nil
}

// Mode returns the current resolution.
func (c *MicrostepController) Mode() MicrostepMode { return c.mode }

// PulsesPerRevolution is the number of STEP pulses for one mechanical revolution.
func (c *MicrostepController) PulsesPerRevolution() int {
	return c.stepsPerRev * int(c.mode)
}

func (c *MicrostepController) applyBounds() {
	c.Timing.MinIntervalMicros = minIntervalForMode[c.mode]
	if c.Timing.MaxIntervalMicros < c.Timing.MinIntervalMicros {
		c.Timing.MaxIntervalMicros = c.Timing.MinIntervalMicros
	}
	c.Timing.IntervalMicros = clamp(c.Timing.IntervalMicros, c.Timing.MinIntervalMicros, c.Timing.MaxIntervalMicros)
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
