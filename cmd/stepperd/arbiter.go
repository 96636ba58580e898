package main

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ArbitrationPolicy selects how conflicting intents within one tick are resolved.
type ArbitrationPolicy string

const (
	// PolicyLastWriterWins applies every intent on arrival; the last one applied wins.
	PolicyLastWriterWins ArbitrationPolicy = "last_writer_wins"

	// PolicyPriority queues remote intents until the next tick and applies the batch
	// in ascending source priority, so the highest-priority source writes last.
	PolicyPriority ArbitrationPolicy = "priority"
)

// defaultSourcePriority is button > network > ipc > bus.
var defaultSourcePriority = []Source{SourceButton, SourceNetwork, SourceIPC, SourceBus}

// ArbiterConfig is the reducer's static configuration.
type ArbiterConfig struct {
	Policy ArbitrationPolicy

	// Priority ranks sources for PolicyPriority; higher wins.
	Priority map[Source]int

	DebounceWindow  time.Duration
	Polarity        ButtonPolarity
	SpeedStepMicros uint32
	PersistRetry    time.Duration
}

// PriorityFromOrder ranks sources given highest-first.
func PriorityFromOrder(order []Source) map[Source]int {
	m := make(map[Source]int, len(order))
	for i, src := range order {
		m[src] = len(order) - i
	}
	return m
}

// reduction accumulates the outputs of one Reduce call.
// Replies are kept apart so they run after every other effect of the reduction.
type reduction struct {
	cmds    []Command
	replies []Command
	bcasts  []StateBroadcast
}

func (r *reduction) cmd(c Command)              { r.cmds = append(r.cmds, c) }
func (r *reduction) broadcast(b StateBroadcast) { r.bcasts = append(r.bcasts, b) }
func (r *reduction) reply(c chan<- IntentResult, res IntentResult) {
	if c == nil {
		return
	}
	r.replies = append(r.replies, CmdReply{Reply: c, Result: res})
}

var errBusControlDisabled = ValidationError{Param: "source", Reason: "message-bus control is disabled"}

// submit routes a request according to the arbitration policy.
func submit(s *DaemonState, req Request, now time.Time, cfg ArbiterConfig, out *reduction) {
	if req.Intent == nil {
		out.reply(req.Reply, IntentResult{Err: UnknownCommandError{Command: "<nil>"}, Snapshot: s.Snapshot()})
		return
	}
	if cfg.Policy == PolicyPriority {
		s.Pending = append(s.Pending, req)
		return
	}
	apply(s, req, now, cfg, out)
}

// apply runs one request through the state machine and queues its reply.
func apply(s *DaemonState, req Request, now time.Time, cfg ArbiterConfig, out *reduction) {
	var err error
	if req.Source == SourceBus && !s.Bus.ControlEnabled {
		err = errBusControlDisabled
	} else {
		err = applyIntent(s, req.Intent, req.Source, now, cfg, out)
	}
	out.reply(req.Reply, IntentResult{Err: err, Snapshot: s.Snapshot()})
}

// resolvePending applies queued requests plus this tick's button requests,
// lowest priority first. The sort is stable so arrival order breaks ties.
func resolvePending(s *DaemonState, buttons []Request, now time.Time, cfg ArbiterConfig, out *reduction) {
	batch := append(s.Pending, buttons...)
	s.Pending = nil
	if len(batch) == 0 {
		return
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return cfg.Priority[batch[i].Source] < cfg.Priority[batch[j].Source]
	})
	for _, req := range batch {
		apply(s, req, now, cfg, out)
	}
}

// applyIntent is the actuator state machine.
func applyIntent(s *DaemonState, it Intent, src Source, now time.Time, cfg ArbiterConfig, out *reduction) error {
	switch a := it.(type) {
	case Enable:
		if s.Actuator.Enabled {
			s.Timeouts.Touch(now)
		} else {
			s.Actuator.Enabled = true
			s.Timeouts.OpenRun(now)
			s.Pulse.Reset()
		}
		actuatorChanged(s, src, now, statusMotorOn, out)

	case Disable:
		s.Actuator.Enabled = false
		actuatorChanged(s, src, now, statusMotorOff, out)

	case ToggleDirection, limitReverse:
		s.Actuator.Direction = s.Actuator.Direction.Flip()
		s.Timeouts.Touch(now)
		actuatorChanged(s, src, now, directionStatus(s.Actuator.Direction), out)

	case SetDirection:
		if a.Direction != Forward && a.Direction != Reverse {
			return ValidationError{Param: "direction", Reason: fmt.Sprintf("invalid direction %d", int(a.Direction))}
		}
		s.Actuator.Direction = a.Direction
		s.Timeouts.Touch(now)
		actuatorChanged(s, src, now, directionStatus(s.Actuator.Direction), out)

	case SetMode:
		if err := s.Microstep.SetMode(a.Mode); err != nil {
			return err
		}
		s.Persist.ModeDirty = false
		out.cmd(CmdPersistMode{Mode: s.Microstep.Mode()})
		timingChanged(s, now, out)

	case AdjustSpeed:
		if a.Direction != Faster && a.Direction != Slower {
			return ValidationError{Param: "direction", Reason: "speed direction must be faster or slower"}
		}
		s.Microstep.Timing = s.Microstep.Timing.Adjust(a.Direction, cfg.SpeedStepMicros)
		timingChanged(s, now, out)

	case SetDuration:
		d, err := ValidateRunDuration(a.Seconds)
		if err != nil {
			return err
		}
		s.Timeouts.SetRunLimit(d)
		timingChanged(s, now, out)

	case StepOnce:
		s.Pulse.Count++
		out.cmd(CmdStepPulse{Direction: s.Actuator.Direction, Manual: true})

	case SetBusControl:
		s.Bus.ControlEnabled = a.Enabled
		out.cmd(CmdSetBusControl{Enabled: a.Enabled})
		out.broadcast(BroadcastBusControlChanged{Enabled: s.Bus.ControlEnabled, Address: s.Bus.Address, At: now})

	case SetBusAddress:
		addr, err := ValidateBusAddress(a.Address)
		if err != nil {
			return err
		}
		s.Bus.Address = addr
		s.Persist.AddressDirty = false
		out.cmd(CmdPersistBusAddress{Address: addr})
		out.cmd(CmdReconnectBus{Address: addr})
		out.broadcast(BroadcastBusControlChanged{Enabled: s.Bus.ControlEnabled, Address: s.Bus.Address, At: now})

	default:
		return UnknownCommandError{Command: fmt.Sprintf("%T", it)}
	}

	s.LastSource = src
	return nil
}

// ValidateBusAddress checks that an address fits the persisted slot.
func ValidateBusAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", ValidationError{Param: "address", Reason: "missing address parameter"}
	}
	if len(addr) >= busAddressCapacity {
		return "", ValidationError{Param: "address", Reason: fmt.Sprintf("address too long (max %d bytes)", busAddressCapacity-1)}
	}
	if strings.IndexByte(addr, 0) >= 0 {
		return "", ValidationError{Param: "address", Reason: "address contains NUL byte"}
	}
	return addr, nil
}

func actuatorChanged(s *DaemonState, src Source, now time.Time, status string, out *reduction) {
	s.LastTransitionAt = now
	out.cmd(CmdPublishStatus{Payload: status})
	out.broadcast(BroadcastActuatorChanged{
		Enabled:   s.Actuator.Enabled,
		Direction: s.Actuator.Direction,
		Source:    src,
		At:        now,
	})
}

func timingChanged(s *DaemonState, now time.Time, out *reduction) {
	t := s.Microstep.Timing
	out.broadcast(BroadcastTimingChanged{
		Mode:              s.Microstep.Mode(),
		IntervalMicros:    t.IntervalMicros,
		MinIntervalMicros: t.MinIntervalMicros,
		MaxIntervalMicros: t.MaxIntervalMicros,
		RevolutionsPerSec: RevolutionsPerSecond(t.IntervalMicros, s.Microstep.PulsesPerRevolution()),
		RunDuration:       s.Timeouts.RunLimit,
		At:                now,
	})
}

func directionStatus(d Direction) string {
	if d == Reverse {
		return statusMotorReverse
	}
	return statusMotorForward
}

// buttonIntents debounces one tick's samples and translates press edges into requests.
//
// Motor button: enable when disabled; while enabled, disable, unless the direction
// button is held, in which case it is a limit event that reverses travel. Every
// motor-button press refreshes the activity clock.
// Direction button: toggle direction.
func buttonIntents(s *DaemonState, levels ButtonLevels, now time.Time, cfg ArbiterConfig) []Request {
	var pressed [numButtons]bool
	for id := ButtonID(0); id < numButtons; id++ {
		if e, ok := s.Buttons.Poll(id, levels[id], now, cfg.DebounceWindow); ok && cfg.Polarity.PressEdge(e) {
			pressed[id] = true
		}
	}

	var reqs []Request
	if pressed[ButtonMotor] {
		s.Timeouts.Touch(now)
		var it Intent
		switch {
		case s.Actuator.Enabled && cfg.Polarity.Pressed(s.Buttons[ButtonDirection].Stable):
			it = limitReverse{}
		case s.Actuator.Enabled:
			it = Disable{}
		default:
			it = Enable{}
		}
		reqs = append(reqs, Request{Intent: it, Source: SourceButton})
	}
	if pressed[ButtonDirection] {
		reqs = append(reqs, Request{Intent: ToggleDirection{}, Source: SourceButton})
	}
	return reqs
}

// reconcileLines brings the physical lines in line with the actuator state.
// Direction is written before enable so motion never starts in the stale direction.
func reconcileLines(s *DaemonState, out *reduction) {
	if !s.Lines.Known || s.Lines.Direction != s.Actuator.Direction {
		out.cmd(CmdSetDirectionLine{Direction: s.Actuator.Direction})
		s.Lines.Direction = s.Actuator.Direction
	}
	if !s.Lines.Known || s.Lines.EnableAsserted != s.Actuator.Enabled {
		out.cmd(CmdSetEnableLine{Asserted: s.Actuator.Enabled})
		s.Lines.EnableAsserted = s.Actuator.Enabled
	}
	s.Lines.Known = true
}
