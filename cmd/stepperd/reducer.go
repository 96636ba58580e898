package main

import "time"

// This file implements the reducer:
//
//   - Events: inputs (scheduler ticks, intents from control sources, snapshot requests, command failures)
//   - Commands: side effects requested by the reducer (GPIO writes, bus publishes, persistence, replies)
//   - Broadcasts: state-change notifications for the websocket feed
//   - Reduce(): computes next state + commands + broadcasts, without performing I/O
//
// The reducer never reads the clock. Ticks carry their own time and every other
// event arrives wrapped in a TimedEvent stamped by the daemon loop.
//
// The daemon loop is responsible for executing Commands and feeding failures back as Events.

// ReduceResult is the output of Reduce(): next state plus Commands to execute and
// Broadcasts to publish. Replies to waiting callers are always last in Commands.
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce is the pure reducer:
//
// Rules:
// - Must not perform I/O
// - Must not block
// - Must not read the wall clock
//
// A Tick runs, in order: button debouncing, arbitration of pending intents, the
// timeout watchdog, line reconciliation and persistence retry. Step pulses are
// driven by PulseDue events on their own deadline.
// The watchdog runs after arbitration so an expiry on the same tick always wins.
func Reduce(s *DaemonState, e Event, cfg ArbiterConfig) ReduceResult {
	if s == nil {
		s = &DaemonState{}
	}

	var out reduction

	switch ev := e.(type) {
	case Tick:
		reduceTick(s, ev, cfg, &out)

	case PulseDue:
		reducePulse(s, ev.Now, &out)

	case TimedEvent:
		reduceTimed(s, ev.Event, ev.At, cfg, &out)

	case CommandFailed:
		reduceFailure(s, ev, cfg)

	default:
		reduceTimed(s, e, s.LastTickAt, cfg, &out)
	}

	return ReduceResult{
		State:      s,
		Commands:   append(out.cmds, out.replies...),
		Broadcasts: out.bcasts,
	}
}

func reduceTick(s *DaemonState, t Tick, cfg ArbiterConfig, out *reduction) {
	now := t.Now
	s.LastTickAt = now

	buttons := buttonIntents(s, t.Levels, now, cfg)
	if cfg.Policy == PolicyPriority {
		resolvePending(s, buttons, now, cfg, out)
	} else {
		for _, req := range buttons {
			apply(s, req, now, cfg, out)
		}
	}

	if reason, fired := s.Timeouts.Evaluate(s.Actuator.Enabled, now); fired {
		s.Actuator.Enabled = false
		actuatorChanged(s, SourceTimeout, now, statusMotorOff, out)
		s.LastSource = SourceTimeout
		out.broadcast(BroadcastTimeoutFired{Reason: reason, At: now})
	}

	reconcileLines(s, out)
	retryPersist(s, now, out)
}

// reducePulse emits every step edge due at now.
func reducePulse(s *DaemonState, now time.Time, out *reduction) {
	n := s.Pulse.Poll(now, s.Actuator.Enabled, s.Microstep.Timing.IntervalMicros)
	for i := 0; i < n; i++ {
		out.cmd(CmdStepPulse{Direction: s.Actuator.Direction})
	}
}

func reduceTimed(s *DaemonState, e Event, at time.Time, cfg ArbiterConfig, out *reduction) {
	switch ev := e.(type) {
	case Request:
		submit(s, ev, at, cfg, out)

	case Intent:
		// Bare intents come from local tooling.
		submit(s, Request{Intent: ev, Source: SourceIPC}, at, cfg, out)

	case RequestStateSnapshot:
		out.cmd(CmdPublishStateSnapshot{Reply: ev.Reply, Snapshot: s.Snapshot()})

	case CommandFailed:
		reduceFailure(s, ev, cfg)

	default:
		// Unknown event type: no-op.
	}

	// Intents applied on arrival take effect on the lines immediately.
	if cfg.Policy != PolicyPriority {
		reconcileLines(s, out)
	}
}

// reduceFailure records what a failed effect left undone.
func reduceFailure(s *DaemonState, ev CommandFailed, cfg ArbiterConfig) {
	switch ev.Command.(type) {
	case CmdPersistMode:
		s.Persist.ModeDirty = true
		s.Persist.RetryAt = ev.At.Add(cfg.PersistRetry)
	case CmdPersistBusAddress:
		s.Persist.AddressDirty = true
		s.Persist.RetryAt = ev.At.Add(cfg.PersistRetry)
	case CmdSetEnableLine, CmdSetDirectionLine:
		// Rewrite both lines on the next tick.
		s.Lines.Known = false
	}
}

func retryPersist(s *DaemonState, now time.Time, out *reduction) {
	if !s.Persist.ModeDirty && !s.Persist.AddressDirty {
		return
	}
	if now.Before(s.Persist.RetryAt) {
		return
	}
	if s.Persist.ModeDirty {
		s.Persist.ModeDirty = false
		out.cmd(CmdPersistMode{Mode: s.Microstep.Mode()})
	}
	if s.Persist.AddressDirty {
		s.Persist.AddressDirty = false
		out.cmd(CmdPersistBusAddress{Address: s.Bus.Address})
	}
	s.Persist.RetryAt = time.Time{}
}
