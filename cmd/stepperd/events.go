package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Events and Intents
// ============================================================================
// Events are the reducer's inputs: scheduler ticks, intents from the control
// sources, snapshot requests and effect observations. Intents are the subset
// that ask the arbiter to change something.
// ============================================================================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// Tick is emitted by the daemon loop at a fixed cadence with one raw sample of the buttons.
type Tick struct {
	Now    time.Time
	Levels ButtonLevels
}

func (Tick) eventMarker() {}

// PulseDue is emitted by the daemon loop when the pulse generator's deadline is reached.
type PulseDue struct {
	Now time.Time
}

func (PulseDue) eventMarker() {}

// TimedEvent stamps an event with its arrival time at the daemon loop.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// Source identifies where an intent came from.
type Source int

const (
	SourceButton Source = iota + 1
	SourceNetwork
	SourceBus
	SourceIPC
	SourceTimeout
)

func (s Source) String() string {
	switch s {
	case SourceButton:
		return "button"
	case SourceNetwork:
		return "network"
	case SourceBus:
		return "bus"
	case SourceIPC:
		return "ipc"
	case SourceTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ParseSource maps a config name to a Source.
func ParseSource(name string) (Source, error) {
	switch name {
	case "button":
		return SourceButton, nil
	case "network", "http":
		return SourceNetwork, nil
	case "bus", "mqtt":
		return SourceBus, nil
	case "ipc":
		return SourceIPC, nil
	default:
		return 0, fmt.Errorf("unknown intent source: %q", name)
	}
}

// Intent is an event asking the arbiter for a change.
type Intent interface {
	Event
	intentName() string
}

// Enable turns the actuator on.
type Enable struct{}

// Disable turns the actuator off.
type Disable struct{}

// ToggleDirection flips the direction without disabling.
type ToggleDirection struct{}

// SetDirection selects an explicit direction.
type SetDirection struct {
	Direction Direction `json:"direction"`
}

// SetMode switches microstep resolution.
type SetMode struct {
	Mode int `json:"mode"`
}

// AdjustSpeed shortens or lengthens the pulse interval by one step.
type AdjustSpeed struct {
	Direction SpeedDirection `json:"direction"`
}

// SetDuration sets the run-duration limit in seconds.
type SetDuration struct {
	Seconds int `json:"seconds"`
}

// StepOnce emits a single pulse outside the timed generator.
type StepOnce struct{}

// SetBusControl opens or closes the message-bus control gate.
type SetBusControl struct {
	Enabled bool `json:"enabled"`
}

// SetBusAddress persists a new broker address and reconnects the bus bridge.
type SetBusAddress struct {
	Address string `json:"address"`
}

// limitReverse is produced by the motor button while enabled with the direction
// button held: a soft end-stop that reverses travel.
type limitReverse struct{}

func (Enable) eventMarker()          {}
func (Disable) eventMarker()         {}
func (ToggleDirection) eventMarker() {}
func (SetDirection) eventMarker()    {}
func (SetMode) eventMarker()         {}
func (AdjustSpeed) eventMarker()     {}
func (SetDuration) eventMarker()     {}
func (StepOnce) eventMarker()        {}
func (SetBusControl) eventMarker()   {}
func (SetBusAddress) eventMarker()   {}
func (limitReverse) eventMarker()    {}

func (Enable) intentName() string          { return "enable" }
func (Disable) intentName() string         { return "disable" }
func (ToggleDirection) intentName() string { return "toggle_direction" }
func (SetDirection) intentName() string    { return "set_direction" }
func (SetMode) intentName() string         { return "set_mode" }
func (AdjustSpeed) intentName() string     { return "adjust_speed" }
func (SetDuration) intentName() string     { return "set_duration" }
func (StepOnce) intentName() string        { return "step_once" }
func (SetBusControl) intentName() string   { return "set_bus_control" }
func (SetBusAddress) intentName() string   { return "set_bus_address" }
func (limitReverse) intentName() string    { return "limit_reverse" }

// Request carries an intent from a source that wants the outcome.
// Reply may be nil for fire-and-forget sources. It must be buffered.
type Request struct {
	Intent Intent
	Source Source
	Reply  chan<- IntentResult
}

func (Request) eventMarker() {}

// IntentResult is delivered on Request.Reply after the intent is applied (or rejected).
type IntentResult struct {
	Err      error
	Snapshot StateSnapshot
}

// RequestStateSnapshot asks the daemon for a coherent copy of its state.
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// CommandFailed is emitted when executing a Command fails.
type CommandFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (CommandFailed) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================
// EventEnvelope wraps intents for the IPC wire format with a type discriminator.
// ============================================================================

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalEvent deserializes a JSON envelope into a concrete Intent.
func UnmarshalEvent(data []byte) (Intent, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	decode := func(v any) error {
		if len(env.Data) == 0 {
			return fmt.Errorf("unmarshal %s: missing data", env.Type)
		}
		if err := json.Unmarshal(env.Data, v); err != nil {
			return fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		return nil
	}

	switch env.Type {
	case "enable":
		return Enable{}, nil
	case "disable":
		return Disable{}, nil
	case "toggle_direction":
		return ToggleDirection{}, nil
	case "step_once":
		return StepOnce{}, nil

	case "set_direction":
		var a SetDirection
		if err := decode(&a); err != nil {
			return nil, err
		}
		return a, nil

	case "set_mode":
		var a SetMode
		if err := decode(&a); err != nil {
			return nil, err
		}
		return a, nil

	case "adjust_speed":
		var a AdjustSpeed
		if err := decode(&a); err != nil {
			return nil, err
		}
		return a, nil

	case "set_duration":
		var a SetDuration
		if err := decode(&a); err != nil {
			return nil, err
		}
		return a, nil

	case "set_bus_control":
		var a SetBusControl
		if err := decode(&a); err != nil {
			return nil, err
		}
		return a, nil

	case "set_bus_address":
		var a SetBusAddress
		if err := decode(&a); err != nil {
			return nil, err
		}
		return a, nil

	default:
		return nil, UnknownCommandError{Command: env.Type}
	}
}

// MarshalEvent serializes an Intent into a JSON envelope with type discriminator.
func MarshalEvent(it Intent) ([]byte, error) {
	var env EventEnvelope

	switch it.(type) {
	case Enable, Disable, ToggleDirection, StepOnce:
		env.Type = it.intentName()

	case SetDirection, SetMode, AdjustSpeed, SetDuration, SetBusControl, SetBusAddress:
		env.Type = it.intentName()
		data, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data

	default:
		return nil, fmt.Errorf("unsupported event type: %T", it)
	}

	return json.Marshal(env)
}
