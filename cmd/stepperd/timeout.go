package main

import (
	"fmt"
	"time"
)

// TimeoutReason identifies which watchdog forced the actuator off.
type TimeoutReason int

const (
	TimeoutInactivity TimeoutReason = iota + 1
	TimeoutRunDuration
)

func (r TimeoutReason) String() string {
	switch r {
	case TimeoutInactivity:
		return "inactivity"
	case TimeoutRunDuration:
		return "run_duration"
	default:
		return "unknown"
	}
}

// TimeoutMonitor tracks the inactivity and run-duration deadlines.
//
// It can only ever request a disable, and fires at most once per enabled
// period: the latch is cleared only when a new run window opens.
type TimeoutMonitor struct {
	InactivityLimit time.Duration

	// LastActivity is the activity clock, refreshed by motion-starting or
	// motion-continuing intents.
	LastActivity time.Time

	// RunStart/RunLimit form the run window opened on each enable transition.
	RunStart time.Time
	RunLimit time.Duration

	fired bool
}

// NewTimeoutMonitor returns a monitor with the given limits.
func NewTimeoutMonitor(inactivity, runLimit time.Duration) TimeoutMonitor {
	return TimeoutMonitor{
		InactivityLimit: inactivity,
		RunLimit:        runLimit,
	}
}

// Touch refreshes the activity clock.
func (m *TimeoutMonitor) Touch(now time.Time) {
	m.LastActivity = now
}

// OpenRun starts a new run window and re-arms the monitor.
func (m *TimeoutMonitor) OpenRun(now time.Time) {
	m.RunStart = now
	m.LastActivity = now
	m.fired = false
}

// SetRunLimit replaces the run-duration limit. It applies to the current window too.
func (m *TimeoutMonitor) SetRunLimit(d time.Duration) {
	m.RunLimit = d
}

// Evaluate checks both deadlines. It returns a reason only the first time either
// deadline is crossed during an enabled period.
func (m *TimeoutMonitor) Evaluate(enabled bool, now time.Time) (TimeoutReason, bool) {
	if !enabled || m.fired {
		return 0, false
	}
	if m.InactivityLimit > 0 && now.Sub(m.LastActivity) >= m.InactivityLimit {
		m.fired = true
		return TimeoutInactivity, true
	}
	if m.RunLimit > 0 && now.Sub(m.RunStart) >= m.RunLimit {
		m.fired = true
		return TimeoutRunDuration, true
	}
	return 0, false
}

// ValidateRunDuration converts a run-duration request in seconds, rejecting values
// outside [1, 1800].
func ValidateRunDuration(seconds int) (time.Duration, error) {
	if seconds < minRunDurationSec || seconds > maxRunDurationSec {
		return 0, ValidationError{
			Param:  "duration",
			Reason: fmt.Sprintf("invalid duration %d, range is %d to %d seconds", seconds, minRunDurationSec, maxRunDurationSec),
		}
	}
	return time.Duration(seconds) * time.Second, nil
}
