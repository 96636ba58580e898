package main

import (
	"fmt"
	"time"
)

// Direction is the rotation direction driven on the DIR line.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Flip returns the opposite direction.
func (d Direction) Flip() Direction {
	if d == Reverse {
		return Forward
	}
	return Reverse
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "forward":
		*d = Forward
	case "reverse":
		*d = Reverse
	default:
		return ValidationError{Param: "direction", Reason: fmt.Sprintf("invalid direction %q", string(b))}
	}
	return nil
}

// DaemonState is the top-level, daemon-owned state container.
//
// Only the daemon goroutine reads or writes it. Other goroutines receive
// StateSnapshot copies through the event loop.
type DaemonState struct {
	// Actuator is the authoritative {enabled, direction} pair.
	Actuator ActuatorState

	// Microstep owns resolution and PulseTiming.
	Microstep MicrostepController

	// Buttons is the per-button debounce table.
	Buttons DebounceTable

	// Timeouts holds the activity clock, run window and watchdog latch.
	Timeouts TimeoutMonitor

	// Pulse tracks the last emitted step edge.
	Pulse PulseGenerator

	// Lines shadows what was last written to the enable and direction outputs.
	Lines OutputLines

	Bus     BusState
	Persist PersistState

	// Pending holds remote intents waiting for the next tick (priority policy only).
	Pending []Request

	LastSource       Source
	LastTransitionAt time.Time

	// LastTickAt is the scheduler time of the most recent Tick.
	LastTickAt time.Time
}

// ActuatorState is the actuator's run state and direction.
type ActuatorState struct {
	Enabled   bool
	Direction Direction
}

// OutputLines is the last commanded state of the physical control lines.
// Known is false until the first reconciliation writes both lines.
type OutputLines struct {
	Known          bool
	EnableAsserted bool
	Direction      Direction
}

// BusState is the message-bus control gate and broker address.
type BusState struct {
	ControlEnabled bool
	Address        string
}

// PersistState records settings that still need to reach storage.
type PersistState struct {
	ModeDirty    bool
	AddressDirty bool
	RetryAt      time.Time
}

// DaemonStateConfig seeds a new DaemonState from config and persisted settings.
type DaemonStateConfig struct {
	Mode            MicrostepMode
	StepsPerRev     int
	IntervalMicros  uint32
	MaxInterval     uint32
	InactivityLimit time.Duration
	RunLimit        time.Duration
	Polarity        ButtonPolarity
	BusControl      bool
	BusAddress      string
	Direction       Direction
}

// NewDaemonState builds the initial state. The actuator always starts disabled.
func NewDaemonState(c DaemonStateConfig) *DaemonState {
	return &DaemonState{
		Actuator:  ActuatorState{Enabled: false, Direction: c.Direction},
		Microstep: NewMicrostepController(c.Mode, c.StepsPerRev, c.IntervalMicros, c.MaxInterval),
		Buttons:   NewDebounceTable(c.Polarity.Idle()),
		Timeouts:  NewTimeoutMonitor(c.InactivityLimit, c.RunLimit),
		Bus: BusState{
			ControlEnabled: c.BusControl,
			Address:        c.BusAddress,
		},
	}
}

// StateSnapshot is an immutable, externally-consumable copy of DaemonState.
type StateSnapshot struct {
	Enabled   bool   `json:"enabled"`
	Direction string `json:"direction"`

	Mode                int     `json:"mode"`
	PulsesPerRevolution int     `json:"pulses_per_revolution"`
	IntervalMicros      uint32  `json:"interval_us"`
	MinIntervalMicros   uint32  `json:"min_interval_us"`
	MaxIntervalMicros   uint32  `json:"max_interval_us"`
	RevolutionsPerSec   float64 `json:"rps"`

	RunDurationSec     int       `json:"run_duration_s"`
	InactivityLimitSec int       `json:"inactivity_limit_s"`
	RunStartedAt       time.Time `json:"run_started_at,omitempty"`
	LastActivityAt     time.Time `json:"last_activity_at,omitempty"`

	BusControlEnabled bool   `json:"bus_control"`
	BusAddress        string `json:"bus_address"`

	PulseCount       uint64    `json:"pulse_count"`
	LastSource       string    `json:"last_source,omitempty"`
	LastTransitionAt time.Time `json:"last_transition_at,omitempty"`
}

// Snapshot copies the externally visible parts of the state.
func (s *DaemonState) Snapshot() StateSnapshot {
	snap := StateSnapshot{
		Enabled:             s.Actuator.Enabled,
		Direction:           s.Actuator.Direction.String(),
		Mode:                int(s.Microstep.Mode()),
		PulsesPerRevolution: s.Microstep.PulsesPerRevolution(),
		IntervalMicros:      s.Microstep.Timing.IntervalMicros,
		MinIntervalMicros:   s.Microstep.Timing.MinIntervalMicros,
		MaxIntervalMicros:   s.Microstep.Timing.MaxIntervalMicros,
		RevolutionsPerSec:   RevolutionsPerSecond(s.Microstep.Timing.IntervalMicros, s.Microstep.PulsesPerRevolution()),
		RunDurationSec:      int(s.Timeouts.RunLimit / time.Second),
		InactivityLimitSec:  int(s.Timeouts.InactivityLimit / time.Second),
		RunStartedAt:        s.Timeouts.RunStart,
		LastActivityAt:      s.Timeouts.LastActivity,
		BusControlEnabled:   s.Bus.ControlEnabled,
		BusAddress:          s.Bus.Address,
		PulseCount:          s.Pulse.Count,
		LastTransitionAt:    s.LastTransitionAt,
	}
	if s.LastSource != 0 {
		snap.LastSource = s.LastSource.String()
	}
	return snap
}
