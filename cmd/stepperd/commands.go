package main

import (
	"fmt"
	"time"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the daemon loop:
// GPIO writes, bus traffic, persistence and replies to waiting callers.
type Command interface {
	commandMarker()
	String() string
}

// CmdSetEnableLine drives the driver's enable input.
type CmdSetEnableLine struct {
	Asserted bool
}

func (CmdSetEnableLine) commandMarker() {}
func (c CmdSetEnableLine) String() string {
	return fmt.Sprintf("CmdSetEnableLine(asserted=%v)", c.Asserted)
}

// CmdSetDirectionLine drives the DIR line.
type CmdSetDirectionLine struct {
	Direction Direction
}

func (CmdSetDirectionLine) commandMarker() {}
func (c CmdSetDirectionLine) String() string {
	return fmt.Sprintf("CmdSetDirectionLine(direction=%s)", c.Direction)
}

// CmdStepPulse emits one bounded-duration pulse on the STEP line.
// Manual is set for single steps requested outside the timed generator.
type CmdStepPulse struct {
	Direction Direction
	Manual    bool
}

func (CmdStepPulse) commandMarker() {}
func (c CmdStepPulse) String() string {
	return fmt.Sprintf("CmdStepPulse(direction=%s, manual=%v)", c.Direction, c.Manual)
}

// CmdPublishStatus publishes a payload on the bus status topic.
type CmdPublishStatus struct {
	Payload string
}

func (CmdPublishStatus) commandMarker() {}
func (c CmdPublishStatus) String() string { return fmt.Sprintf("CmdPublishStatus(%q)", c.Payload) }

// CmdPersistMode writes the microstep mode to the settings image.
type CmdPersistMode struct {
	Mode MicrostepMode
}

func (CmdPersistMode) commandMarker() {}
func (c CmdPersistMode) String() string { return fmt.Sprintf("CmdPersistMode(mode=%d)", c.Mode) }

// CmdPersistBusAddress writes the broker address to the settings image.
type CmdPersistBusAddress struct {
	Address string
}

func (CmdPersistBusAddress) commandMarker() {}
func (c CmdPersistBusAddress) String() string {
	return fmt.Sprintf("CmdPersistBusAddress(%q)", c.Address)
}

// CmdSetBusControl subscribes to or unsubscribes from the bus command topics.
type CmdSetBusControl struct {
	Enabled bool
}

func (CmdSetBusControl) commandMarker() {}
func (c CmdSetBusControl) String() string {
	return fmt.Sprintf("CmdSetBusControl(enabled=%v)", c.Enabled)
}

// CmdReconnectBus points the bus bridge at a new broker.
type CmdReconnectBus struct {
	Address string
}

func (CmdReconnectBus) commandMarker() {}
func (c CmdReconnectBus) String() string { return fmt.Sprintf("CmdReconnectBus(%q)", c.Address) }

// CmdReply delivers the outcome of a Request to its caller.
type CmdReply struct {
	Reply  chan<- IntentResult
	Result IntentResult
}

func (CmdReply) commandMarker() {}
func (c CmdReply) String() string { return fmt.Sprintf("CmdReply(err=%v)", c.Result.Err) }

// CmdPublishStateSnapshot delivers a reducer-produced snapshot to a requester.
type CmdPublishStateSnapshot struct {
	Reply    chan<- StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }

// ==============================
// Broadcasts (state feed)
// ==============================

// StateBroadcast is a reducer-emitted change notification for the websocket feed.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastActuatorChanged is emitted for every applied enable/disable/direction intent.
type BroadcastActuatorChanged struct {
	Enabled   bool
	Direction Direction
	Source    Source
	At        time.Time
}

func (BroadcastActuatorChanged) broadcastMarker() {}

// BroadcastTimingChanged is emitted when mode or interval changes.
type BroadcastTimingChanged struct {
	Mode              MicrostepMode
	IntervalMicros    uint32
	MinIntervalMicros uint32
	MaxIntervalMicros uint32
	RevolutionsPerSec float64
	RunDuration       time.Duration
	At                time.Time
}

func (BroadcastTimingChanged) broadcastMarker() {}

// BroadcastTimeoutFired is emitted when a watchdog forces the actuator off.
type BroadcastTimeoutFired struct {
	Reason TimeoutReason
	At     time.Time
}

func (BroadcastTimeoutFired) broadcastMarker() {}

// BroadcastBusControlChanged is emitted when the bus gate or address changes.
type BroadcastBusControlChanged struct {
	Enabled bool
	Address string
	At      time.Time
}

func (BroadcastBusControlChanged) broadcastMarker() {}
