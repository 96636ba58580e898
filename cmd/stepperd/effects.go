package main

import (
	"log/slog"
	"time"
)

// OutputDriver drives the stepper driver's control lines.
type OutputDriver interface {
	SetEnable(asserted bool) error
	SetDirection(d Direction) error
	// Pulse emits one bounded-duration high/low cycle on STEP.
	Pulse() error
}

// BusBridge is the daemon's view of the message-bus connection.
// Implementations must not block on the network.
type BusBridge interface {
	PublishStatus(payload string) error
	SetControl(enabled bool) error
	Reconnect(address string) error
}

// SettingsStore persists the settings that survive restarts.
type SettingsStore interface {
	SaveMode(m MicrostepMode) error
	SaveBusAddress(addr string) error
}

// effectEnv is everything runEffect may touch. Bus and Store may be nil.
type effectEnv struct {
	Driver OutputDriver
	Bus    BusBridge
	Store  SettingsStore
}

// runEffect executes a single reducer-emitted Command and reports failures via onEvent.
//
// Design rules:
// - This function is allowed to perform I/O.
// - It must never call Reduce() directly; it only emits Events to be reduced by the daemon loop.
// - It never blocks on a caller: replies are sent on buffered channels or dropped.
func runEffect(
	env effectEnv,
	cmd Command,
	logger *slog.Logger,
	onEvent func(Event),
) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	now := time.Now()
	fail := func(err error) {
		onEvent(CommandFailed{Command: cmd, Err: err, At: now})
	}

	switch c := cmd.(type) {
	case CmdSetEnableLine:
		if env.Driver == nil {
			fail(errNoDriver{})
			return
		}
		if err := env.Driver.SetEnable(c.Asserted); err != nil {
			logger.Error("set enable line failed", "error", err, "asserted", c.Asserted)
			fail(err)
			return
		}
		logger.Debug("enable line written", "asserted", c.Asserted)

	case CmdSetDirectionLine:
		if env.Driver == nil {
			fail(errNoDriver{})
			return
		}
		if err := env.Driver.SetDirection(c.Direction); err != nil {
			logger.Error("set direction line failed", "error", err, "direction", c.Direction)
			fail(err)
			return
		}
		logger.Debug("direction line written", "direction", c.Direction)

	case CmdStepPulse:
		if env.Driver == nil {
			fail(errNoDriver{})
			return
		}
		if err := env.Driver.Pulse(); err != nil {
			// Pulses run at the tick rate; keep this quiet.
			logger.Debug("step pulse failed", "error", err)
			fail(err)
			return
		}
		if c.Manual {
			logger.Info("single step", "direction", c.Direction)
		}

	case CmdPublishStatus:
		if env.Bus == nil {
			return
		}
		if err := env.Bus.PublishStatus(c.Payload); err != nil {
			logger.Warn("bus status publish failed", "error", err, "payload", c.Payload)
			fail(err)
		}

	case CmdSetBusControl:
		if env.Bus == nil {
			return
		}
		if err := env.Bus.SetControl(c.Enabled); err != nil {
			logger.Warn("bus control change failed", "error", err, "enabled", c.Enabled)
			fail(err)
			return
		}
		logger.Info("bus control changed", "enabled", c.Enabled)

	case CmdReconnectBus:
		if env.Bus == nil {
			return
		}
		if err := env.Bus.Reconnect(c.Address); err != nil {
			logger.Warn("bus reconnect failed", "error", err, "address", c.Address)
			fail(err)
			return
		}
		logger.Info("bus reconnecting", "address", c.Address)

	case CmdPersistMode:
		if env.Store == nil {
			return
		}
		if err := env.Store.SaveMode(c.Mode); err != nil {
			logger.Error("persist microstep mode failed", "error", err, "mode", int(c.Mode))
			fail(TransientIOError{Op: "persist mode", Err: err})
			return
		}
		logger.Info("microstep mode persisted", "mode", int(c.Mode))

	case CmdPersistBusAddress:
		if env.Store == nil {
			return
		}
		if err := env.Store.SaveBusAddress(c.Address); err != nil {
			logger.Error("persist bus address failed", "error", err, "address", c.Address)
			fail(TransientIOError{Op: "persist bus address", Err: err})
			return
		}
		logger.Info("bus address persisted", "address", c.Address)

	case CmdReply:
		if c.Reply == nil {
			return
		}
		select {
		case c.Reply <- c.Result:
		default:
			logger.Warn("intent reply channel not ready; dropping result")
		}

	case CmdPublishStateSnapshot:
		// Deliver reducer-produced snapshot to the requester.
		if c.Reply == nil {
			logger.Warn("state snapshot requested with nil reply channel")
			return
		}

		// Never block the effects worker indefinitely.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String())
		fail(errUnknownEffect{cmd: cmd})
	}
}
