package main

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	rpio "github.com/stianeikeland/go-rpio/v4"
)

// GPIO backends
const (
	GPIOBackendRPIO = "rpio"
	GPIOBackendSim  = "sim"
)

// ============================================================================
// rpio driver
// ============================================================================

// rpioDriver drives STEP/DIR/ENABLE through /dev/gpiomem.
// The caller owns rpio.Open/rpio.Close.
type rpioDriver struct {
	step   rpio.Pin
	dir    rpio.Pin
	enable rpio.Pin

	enableActiveLow bool
	high, low       time.Duration
}

// newRPIODriver configures the three output pins and leaves the driver disabled.
func newRPIODriver(stepPin, dirPin, enablePin int, enableActiveLow bool, high, low time.Duration) *rpioDriver {
	d := &rpioDriver{
		step:            rpio.Pin(stepPin),
		dir:             rpio.Pin(dirPin),
		enable:          rpio.Pin(enablePin),
		enableActiveLow: enableActiveLow,
		high:            high,
		low:             low,
	}
	for _, p := range []rpio.Pin{d.step, d.dir, d.enable} {
		p.Output()
	}
	d.step.Low()
	d.dir.Low()
	_ = d.SetEnable(false)
	return d
}

func (d *rpioDriver) SetEnable(asserted bool) error {
	// Drivers like the A4988 enable on a low level.
	if asserted == d.enableActiveLow {
		d.enable.Low()
	} else {
		d.enable.High()
	}
	return nil
}

func (d *rpioDriver) SetDirection(dir Direction) error {
	if dir == Reverse {
		d.dir.High()
	} else {
		d.dir.Low()
	}
	return nil
}

func (d *rpioDriver) Pulse() error {
	d.step.High()
	spin(d.high)
	d.step.Low()
	spin(d.low)
	return nil
}

// spin busy-waits for d. The scheduler cannot sleep for tens of microseconds.
func spin(d time.Duration) {
	start := time.Now()
	for time.Since(start) < d {
	}
}

// ============================================================================
// simulated driver
// ============================================================================

// simDriver records line writes instead of touching hardware.
// It is safe to read from other goroutines.
type simDriver struct {
	logger *slog.Logger

	enabled   atomic.Bool
	direction atomic.Int32
	pulses    atomic.Uint64
	writes    atomic.Uint64

	// failNext makes the next write return an error (tests).
	failNext atomic.Bool
}

func newSimDriver(logger *slog.Logger) *simDriver {
	return &simDriver{logger: logger}
}

func (d *simDriver) fail() error {
	if d.failNext.CompareAndSwap(true, false) {
		return fmt.Errorf("simulated line failure")
	}
	return nil
}

func (d *simDriver) SetEnable(asserted bool) error {
	if err := d.fail(); err != nil {
		return err
	}
	d.enabled.Store(asserted)
	d.writes.Add(1)
	if d.logger != nil {
		d.logger.Debug("sim: enable line", "asserted", asserted)
	}
	return nil
}

func (d *simDriver) SetDirection(dir Direction) error {
	if err := d.fail(); err != nil {
		return err
	}
	d.direction.Store(int32(dir))
	d.writes.Add(1)
	if d.logger != nil {
		d.logger.Debug("sim: direction line", "direction", dir)
	}
	return nil
}

func (d *simDriver) Pulse() error {
	if err := d.fail(); err != nil {
		return err
	}
	d.pulses.Add(1)
	return nil
}

func (d *simDriver) Enabled() bool        { return d.enabled.Load() }
func (d *simDriver) Direction() Direction { return Direction(d.direction.Load()) }
func (d *simDriver) Pulses() uint64       { return d.pulses.Load() }
