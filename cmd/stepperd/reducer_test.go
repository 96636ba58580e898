package main

import (
	"errors"
	"testing"
	"time"
)

// ============================================================================
// Helpers
// ============================================================================

func testArbiterConfig() ArbiterConfig {
	return ArbiterConfig{
		Policy:          PolicyLastWriterWins,
		Priority:        PriorityFromOrder(defaultSourcePriority),
		DebounceWindow:  50 * time.Millisecond,
		Polarity:        ButtonPolarity{ActiveLow: true},
		SpeedStepMicros: 10,
		PersistRetry:    5 * time.Second,
	}
}

func newTestState() *DaemonState {
	return NewDaemonState(DaemonStateConfig{
		Mode:            ModeSixteenth,
		StepsPerRev:     stepsPerRevolution,
		IntervalMicros:  200,
		MaxInterval:     2000,
		InactivityLimit: 5 * time.Minute,
		RunLimit:        10 * time.Second,
		Polarity:        ButtonPolarity{ActiveLow: true},
		BusAddress:      defaultBusAddress,
	})
}

// Active-low wiring: released is high, pressed is low.
var (
	levelsIdle      = ButtonLevels{LevelHigh, LevelHigh}
	levelsMotor     = ButtonLevels{LevelLow, LevelHigh}
	levelsDirection = ButtonLevels{LevelHigh, LevelLow}
	levelsBoth      = ButtonLevels{LevelLow, LevelLow}
)

// settle runs one idle tick so the output lines are known.
func settle(t *testing.T, s *DaemonState, cfg ArbiterConfig) {
	t.Helper()
	Reduce(s, Tick{Now: t0, Levels: levelsIdle}, cfg)
	if !s.Lines.Known {
		t.Fatalf("lines not reconciled by the first tick")
	}
}

// submitAt sends a request through the reducer and returns the reply plus the result.
func submitAt(s *DaemonState, it Intent, src Source, at time.Time, cfg ArbiterConfig) (chan IntentResult, ReduceResult) {
	reply := make(chan IntentResult, 1)
	rr := Reduce(s, TimedEvent{Event: Request{Intent: it, Source: src, Reply: reply}, At: at}, cfg)
	return reply, rr
}

// replyOf finds the CmdReply in a result and returns its payload.
func replyOf(t *testing.T, rr ReduceResult) IntentResult {
	t.Helper()
	replies := commandsOf[CmdReply](rr.Commands)
	if len(replies) != 1 {
		t.Fatalf("got %d replies, want 1 (commands=%v)", len(replies), rr.Commands)
	}
	return replies[0].Result
}

func commandsOf[T Command](cmds []Command) []T {
	var out []T
	for _, c := range cmds {
		if v, ok := c.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func broadcastsOf[T StateBroadcast](bs []StateBroadcast) []T {
	var out []T
	for _, b := range bs {
		if v, ok := b.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// runTicks reduces ticks in [from, to) every step with fixed levels and returns all results.
func runTicks(s *DaemonState, from, to, step time.Duration, levels ButtonLevels, cfg ArbiterConfig) []ReduceResult {
	var out []ReduceResult
	for d := from; d < to; d += step {
		out = append(out, Reduce(s, Tick{Now: t0.Add(d), Levels: levels}, cfg))
	}
	return out
}

// ============================================================================
// Lines and replies
// ============================================================================

func TestReducer_FirstTickWritesDirectionBeforeEnable(t *testing.T) {
	s := newTestState()
	rr := Reduce(s, Tick{Now: t0, Levels: levelsIdle}, testArbiterConfig())

	if len(rr.Commands) < 2 {
		t.Fatalf("commands=%v, want both line writes", rr.Commands)
	}
	if _, ok := rr.Commands[0].(CmdSetDirectionLine); !ok {
		t.Fatalf("first command=%v, want CmdSetDirectionLine", rr.Commands[0])
	}
	en, ok := rr.Commands[1].(CmdSetEnableLine)
	if !ok || en.Asserted {
		t.Fatalf("second command=%v, want CmdSetEnableLine(false)", rr.Commands[1])
	}

	// Nothing changed, nothing written.
	rr = Reduce(s, Tick{Now: t0.Add(time.Millisecond), Levels: levelsIdle}, testArbiterConfig())
	if len(rr.Commands) != 0 {
		t.Fatalf("idle tick emitted %v", rr.Commands)
	}
}

func TestReducer_EnableAssertsLineAndRepliesLast(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	_, rr := submitAt(s, Enable{}, SourceNetwork, t0.Add(time.Millisecond), cfg)
	if !s.Actuator.Enabled {
		t.Fatalf("actuator not enabled")
	}
	if _, ok := rr.Commands[len(rr.Commands)-1].(CmdReply); !ok {
		t.Fatalf("last command=%v, want CmdReply", rr.Commands[len(rr.Commands)-1])
	}
	lines := commandsOf[CmdSetEnableLine](rr.Commands)
	if len(lines) != 1 || !lines[0].Asserted {
		t.Fatalf("enable line writes=%v", lines)
	}
	status := commandsOf[CmdPublishStatus](rr.Commands)
	if len(status) != 1 || status[0].Payload != statusMotorOn {
		t.Fatalf("status=%v, want %q", status, statusMotorOn)
	}
	res := replyOf(t, rr)
	if res.Err != nil || !res.Snapshot.Enabled {
		t.Fatalf("reply=%+v", res)
	}
	ac := broadcastsOf[BroadcastActuatorChanged](rr.Broadcasts)
	if len(ac) != 1 || ac[0].Source != SourceNetwork || !ac[0].Enabled {
		t.Fatalf("actuator broadcasts=%+v", ac)
	}
}

func TestReducer_EnableWhileEnabledKeepsRunWindow(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	submitAt(s, Enable{}, SourceNetwork, t0, cfg)
	submitAt(s, Enable{}, SourceNetwork, t0.Add(3*time.Second), cfg)

	if !s.Timeouts.RunStart.Equal(t0) {
		t.Fatalf("run start=%v, want %v", s.Timeouts.RunStart, t0)
	}
	if !s.Timeouts.LastActivity.Equal(t0.Add(3 * time.Second)) {
		t.Fatalf("activity clock not refreshed")
	}
}

// ============================================================================
// Scenarios
// ============================================================================

func TestReducer_RunDurationDisablesOnTime(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	if res := replyOfSubmit(t, s, SetMode{Mode: 16}, cfg); res.Err != nil {
		t.Fatalf("SetMode: %v", res.Err)
	}
	if res := replyOfSubmit(t, s, SetDuration{Seconds: 5}, cfg); res.Err != nil {
		t.Fatalf("SetDuration: %v", res.Err)
	}
	submitAt(s, Enable{}, SourceNetwork, t0, cfg)

	var firedAt time.Duration = -1
	fires := 0
	for d := time.Millisecond; d <= 6*time.Second; d += time.Millisecond {
		rr := Reduce(s, Tick{Now: t0.Add(d), Levels: levelsIdle}, cfg)
		if tf := broadcastsOf[BroadcastTimeoutFired](rr.Broadcasts); len(tf) > 0 {
			fires++
			if tf[0].Reason != TimeoutRunDuration {
				t.Fatalf("reason=%v, want run_duration", tf[0].Reason)
			}
			firedAt = d
			lines := commandsOf[CmdSetEnableLine](rr.Commands)
			if len(lines) != 1 || lines[0].Asserted {
				t.Fatalf("enable line writes on expiry=%v", lines)
			}
			status := commandsOf[CmdPublishStatus](rr.Commands)
			if len(status) != 1 || status[0].Payload != statusMotorOff {
				t.Fatalf("status on expiry=%v", status)
			}
		}
	}

	if fires != 1 {
		t.Fatalf("timeout fired %d times, want 1", fires)
	}
	if firedAt < 5*time.Second || firedAt > 5*time.Second+time.Millisecond {
		t.Fatalf("disabled at %v, want 5s within one tick", firedAt)
	}
	if s.Actuator.Enabled || s.LastSource != SourceTimeout {
		t.Fatalf("actuator=%+v last source=%v", s.Actuator, s.LastSource)
	}
}

func replyOfSubmit(t *testing.T, s *DaemonState, it Intent, cfg ArbiterConfig) IntentResult {
	t.Helper()
	_, rr := submitAt(s, it, SourceNetwork, s.LastTickAt, cfg)
	return replyOf(t, rr)
}

func TestReducer_InactivityDisablesOnce(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	s.Timeouts = NewTimeoutMonitor(2*time.Second, 0)
	settle(t, s, cfg)

	submitAt(s, Enable{}, SourceIPC, t0, cfg)

	fires := 0
	for _, rr := range runTicks(s, 100*time.Millisecond, 5*time.Second, 100*time.Millisecond, levelsIdle, cfg) {
		for _, tf := range broadcastsOf[BroadcastTimeoutFired](rr.Broadcasts) {
			fires++
			if tf.Reason != TimeoutInactivity {
				t.Fatalf("reason=%v, want inactivity", tf.Reason)
			}
		}
	}
	if fires != 1 {
		t.Fatalf("inactivity fired %d times, want 1", fires)
	}
	if s.Actuator.Enabled {
		t.Fatalf("actuator still enabled")
	}
}

func TestReducer_ModeSwitchClampsInterval(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	s.Microstep = NewMicrostepController(ModeThirtySecond, stepsPerRevolution, 50, 2000)
	settle(t, s, cfg)

	_, rr := submitAt(s, SetMode{Mode: 8}, SourceNetwork, t0, cfg)
	if res := replyOf(t, rr); res.Err != nil {
		t.Fatalf("SetMode(8): %v", res.Err)
	}
	if s.Microstep.Timing.IntervalMicros != 200 {
		t.Fatalf("interval=%d, want 200", s.Microstep.Timing.IntervalMicros)
	}
	persist := commandsOf[CmdPersistMode](rr.Commands)
	if len(persist) != 1 || persist[0].Mode != ModeEighth {
		t.Fatalf("persist=%v", persist)
	}
	tc := broadcastsOf[BroadcastTimingChanged](rr.Broadcasts)
	if len(tc) != 1 || tc[0].IntervalMicros != 200 || tc[0].Mode != ModeEighth {
		t.Fatalf("timing broadcasts=%+v", tc)
	}
}

func TestReducer_BusForwardThenReverseInOneTick(t *testing.T) {
	for _, policy := range []ArbitrationPolicy{PolicyLastWriterWins, PolicyPriority} {
		t.Run(string(policy), func(t *testing.T) {
			cfg := testArbiterConfig()
			cfg.Policy = policy
			s := newTestState()
			s.Bus.ControlEnabled = true
			settle(t, s, cfg)

			at := t0.Add(100 * time.Microsecond)
			submitAt(s, SetDirection{Direction: Forward}, SourceBus, at, cfg)
			submitAt(s, SetDirection{Direction: Reverse}, SourceBus, at, cfg)
			rr := Reduce(s, Tick{Now: t0.Add(200 * time.Microsecond), Levels: levelsIdle}, cfg)

			if s.Actuator.Direction != Reverse {
				t.Fatalf("direction=%v, want reverse", s.Actuator.Direction)
			}
			if policy == PolicyPriority {
				dl := commandsOf[CmdSetDirectionLine](rr.Commands)
				if len(dl) != 1 || dl[0].Direction != Reverse {
					t.Fatalf("direction line writes=%v", dl)
				}
			}
		})
	}
}

func TestReducer_LimitComboReversesWhileEnabled(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	// Motor press enables.
	runTicks(s, 10*time.Millisecond, 100*time.Millisecond, 10*time.Millisecond, levelsMotor, cfg)
	runTicks(s, 100*time.Millisecond, 200*time.Millisecond, 10*time.Millisecond, levelsIdle, cfg)
	if !s.Actuator.Enabled || s.Actuator.Direction != Forward {
		t.Fatalf("after motor press: %+v", s.Actuator)
	}

	// Holding the direction button toggles once.
	runTicks(s, 200*time.Millisecond, 300*time.Millisecond, 10*time.Millisecond, levelsDirection, cfg)
	if s.Actuator.Direction != Reverse {
		t.Fatalf("direction=%v after direction press, want reverse", s.Actuator.Direction)
	}

	// Motor press with direction held is a limit event.
	var dirWrites []CmdSetDirectionLine
	for _, rr := range runTicks(s, 300*time.Millisecond, 400*time.Millisecond, 10*time.Millisecond, levelsBoth, cfg) {
		dirWrites = append(dirWrites, commandsOf[CmdSetDirectionLine](rr.Commands)...)
	}
	if !s.Actuator.Enabled {
		t.Fatalf("limit event disabled the actuator")
	}
	if s.Actuator.Direction != Forward {
		t.Fatalf("direction=%v after limit event, want forward", s.Actuator.Direction)
	}
	if len(dirWrites) != 1 || dirWrites[0].Direction != Forward {
		t.Fatalf("direction line writes=%v", dirWrites)
	}
	if s.LastSource != SourceButton {
		t.Fatalf("last source=%v", s.LastSource)
	}
}

func TestReducer_MotorButtonTogglesEnable(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	press := func(start time.Duration) {
		runTicks(s, start, start+100*time.Millisecond, 10*time.Millisecond, levelsMotor, cfg)
		runTicks(s, start+100*time.Millisecond, start+200*time.Millisecond, 10*time.Millisecond, levelsIdle, cfg)
	}

	press(10 * time.Millisecond)
	if !s.Actuator.Enabled {
		t.Fatalf("first press did not enable")
	}
	press(300 * time.Millisecond)
	if s.Actuator.Enabled {
		t.Fatalf("second press did not disable")
	}
}

func TestReducer_ButtonFlickerIgnored(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	runTicks(s, 10*time.Millisecond, 40*time.Millisecond, 10*time.Millisecond, levelsMotor, cfg)
	runTicks(s, 40*time.Millisecond, 300*time.Millisecond, 10*time.Millisecond, levelsIdle, cfg)
	if s.Actuator.Enabled {
		t.Fatalf("30ms flicker enabled the actuator")
	}
}

// ============================================================================
// Arbitration
// ============================================================================

func TestReducer_PriorityPolicyHigherSourceWins(t *testing.T) {
	cfg := testArbiterConfig()
	cfg.Policy = PolicyPriority
	s := newTestState()
	s.Bus.ControlEnabled = true
	settle(t, s, cfg)

	// network ranks above bus, so its intent is applied last even though it arrived first.
	netReply, _ := submitAt(s, SetDirection{Direction: Forward}, SourceNetwork, t0, cfg)
	busReply, _ := submitAt(s, SetDirection{Direction: Reverse}, SourceBus, t0, cfg)
	if len(s.Pending) != 2 {
		t.Fatalf("pending=%d, want 2", len(s.Pending))
	}

	rr := Reduce(s, Tick{Now: t0.Add(time.Millisecond), Levels: levelsIdle}, cfg)
	if s.Actuator.Direction != Forward {
		t.Fatalf("direction=%v, want forward", s.Actuator.Direction)
	}
	if len(s.Pending) != 0 {
		t.Fatalf("pending not drained")
	}
	if len(commandsOf[CmdReply](rr.Commands)) != 2 {
		t.Fatalf("want two replies, commands=%v", rr.Commands)
	}

	runEffects(rr.Commands)
	for name, ch := range map[string]chan IntentResult{"network": netReply, "bus": busReply} {
		select {
		case res := <-ch:
			if res.Err != nil {
				t.Fatalf("%s reply error: %v", name, res.Err)
			}
		default:
			t.Fatalf("%s reply not delivered", name)
		}
	}
}

func TestReducer_PriorityPolicyButtonOverridesBus(t *testing.T) {
	cfg := testArbiterConfig()
	cfg.Policy = PolicyPriority
	s := newTestState()
	s.Bus.ControlEnabled = true
	settle(t, s, cfg)

	// Enable via network first.
	submitAt(s, Enable{}, SourceNetwork, t0, cfg)
	Reduce(s, Tick{Now: t0.Add(10 * time.Millisecond), Levels: levelsIdle}, cfg)
	if !s.Actuator.Enabled {
		t.Fatalf("not enabled")
	}

	// Motor button held; on the tick its edge is detected, a bus "on" is also pending.
	runTicks(s, 20*time.Millisecond, 70*time.Millisecond, 10*time.Millisecond, levelsMotor, cfg)
	submitAt(s, Enable{}, SourceBus, t0.Add(75*time.Millisecond), cfg)
	Reduce(s, Tick{Now: t0.Add(80 * time.Millisecond), Levels: levelsMotor}, cfg)

	if s.Actuator.Enabled {
		t.Fatalf("button disable should win over the bus enable in the same tick")
	}
	if s.LastSource != SourceButton {
		t.Fatalf("last source=%v, want button", s.LastSource)
	}
}

func TestReducer_BusIntentDroppedWhenGateClosed(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	_, rr := submitAt(s, Enable{}, SourceBus, t0, cfg)
	res := replyOf(t, rr)
	if !errors.Is(res.Err, errBusControlDisabled) {
		t.Fatalf("err=%v, want bus control disabled", res.Err)
	}
	if s.Actuator.Enabled {
		t.Fatalf("bus intent applied with the gate closed")
	}
	if n := len(commandsOf[CmdSetEnableLine](rr.Commands)); n != 0 {
		t.Fatalf("line written for a dropped intent")
	}

	// Other sources are unaffected.
	_, rr = submitAt(s, Enable{}, SourceNetwork, t0, cfg)
	if res := replyOf(t, rr); res.Err != nil || !s.Actuator.Enabled {
		t.Fatalf("network enable failed: %v", res.Err)
	}
}

func TestReducer_BusControlToggle(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	_, rr := submitAt(s, SetBusControl{Enabled: true}, SourceNetwork, t0, cfg)
	if !s.Bus.ControlEnabled {
		t.Fatalf("gate not opened")
	}
	if c := commandsOf[CmdSetBusControl](rr.Commands); len(c) != 1 || !c[0].Enabled {
		t.Fatalf("bus control commands=%v", c)
	}
	if b := broadcastsOf[BroadcastBusControlChanged](rr.Broadcasts); len(b) != 1 || !b[0].Enabled {
		t.Fatalf("bus control broadcasts=%+v", b)
	}

	_, rr = submitAt(s, Enable{}, SourceBus, t0, cfg)
	if res := replyOf(t, rr); res.Err != nil || !s.Actuator.Enabled {
		t.Fatalf("bus enable with open gate: %v", res.Err)
	}
}

// ============================================================================
// Validation
// ============================================================================

func TestReducer_RejectedIntentsLeaveStateUnchanged(t *testing.T) {
	tests := []struct {
		name string
		it   Intent
	}{
		{"duration zero", SetDuration{Seconds: 0}},
		{"duration too long", SetDuration{Seconds: 1801}},
		{"mode 3", SetMode{Mode: 3}},
		{"speed unknown", AdjustSpeed{}},
		{"direction invalid", SetDirection{Direction: Direction(7)}},
		{"address empty", SetBusAddress{Address: "  "}},
		{"address too long", SetBusAddress{Address: string(make([]byte, 100))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testArbiterConfig()
			s := newTestState()
			settle(t, s, cfg)
			before := s.Snapshot()

			_, rr := submitAt(s, tt.it, SourceNetwork, t0, cfg)
			res := replyOf(t, rr)
			var ve ValidationError
			if !errors.As(res.Err, &ve) {
				t.Fatalf("err=%v, want ValidationError", res.Err)
			}
			if after := s.Snapshot(); after != before {
				t.Fatalf("state changed:\nbefore=%+v\nafter=%+v", before, after)
			}
			if len(rr.Broadcasts) != 0 {
				t.Fatalf("broadcasts on rejection: %+v", rr.Broadcasts)
			}
		})
	}
}

func TestReducer_UnknownIntent(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	_, rr := submitAt(s, nil, SourceIPC, t0, cfg)
	var uc UnknownCommandError
	if res := replyOf(t, rr); !errors.As(res.Err, &uc) {
		t.Fatalf("err=%v, want UnknownCommandError", res.Err)
	}
}

// ============================================================================
// Other intents
// ============================================================================

func TestReducer_AdjustSpeed(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	_, rr := submitAt(s, AdjustSpeed{Direction: Faster}, SourceNetwork, t0, cfg)
	if s.Microstep.Timing.IntervalMicros != 190 {
		t.Fatalf("interval=%d, want 190", s.Microstep.Timing.IntervalMicros)
	}
	if len(broadcastsOf[BroadcastTimingChanged](rr.Broadcasts)) != 1 {
		t.Fatalf("missing timing broadcast")
	}
	submitAt(s, AdjustSpeed{Direction: Slower}, SourceNetwork, t0, cfg)
	submitAt(s, AdjustSpeed{Direction: Slower}, SourceNetwork, t0, cfg)
	if s.Microstep.Timing.IntervalMicros != 210 {
		t.Fatalf("interval=%d, want 210", s.Microstep.Timing.IntervalMicros)
	}
}

func TestReducer_StepOnceWhileDisabled(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	_, rr := submitAt(s, StepOnce{}, SourceNetwork, t0, cfg)
	steps := commandsOf[CmdStepPulse](rr.Commands)
	if len(steps) != 1 || !steps[0].Manual {
		t.Fatalf("step commands=%v", steps)
	}
	if s.Actuator.Enabled {
		t.Fatalf("single step enabled the actuator")
	}
	if n := len(commandsOf[CmdSetEnableLine](rr.Commands)); n != 0 {
		t.Fatalf("single step touched the enable line")
	}
	if s.Pulse.Count != 1 {
		t.Fatalf("pulse count=%d", s.Pulse.Count)
	}
}

func TestReducer_PulsesOnlyWhileEnabled(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	pulseAt := func(d time.Duration) int {
		rr := Reduce(s, PulseDue{Now: t0.Add(d)}, cfg)
		return len(commandsOf[CmdStepPulse](rr.Commands))
	}

	if n := pulseAt(time.Millisecond); n != 0 {
		t.Fatalf("pulses while disabled: %d", n)
	}

	enableAt := 10 * time.Millisecond
	submitAt(s, Enable{}, SourceNetwork, t0.Add(enableAt), cfg)

	// Ticks only sample buttons and watchdogs.
	for _, rr := range runTicks(s, enableAt, enableAt+2*time.Millisecond, 100*time.Microsecond, levelsIdle, cfg) {
		if n := len(commandsOf[CmdStepPulse](rr.Commands)); n != 0 {
			t.Fatalf("tick emitted %d pulses", n)
		}
	}

	// 200µs interval.
	steps := []struct {
		at   time.Duration
		want int
	}{
		{enableAt, 1},
		{enableAt + 100*time.Microsecond, 0},
		{enableAt + 200*time.Microsecond, 1},
		{enableAt + 1000*time.Microsecond, maxPulseCatchUp},
		{enableAt + 1200*time.Microsecond, 1},
		{enableAt + 20*time.Millisecond, maxPulseCatchUp},
		{enableAt + 20*time.Millisecond + 200*time.Microsecond, 1},
	}
	for _, st := range steps {
		if n := pulseAt(st.at); n != st.want {
			t.Fatalf("PulseDue at +%v: pulses=%d, want %d", st.at-enableAt, n, st.want)
		}
	}
}

func TestReducer_ReenableRestartsPulseSchedule(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	submitAt(s, Enable{}, SourceNetwork, t0, cfg)
	Reduce(s, PulseDue{Now: t0}, cfg)
	submitAt(s, Disable{}, SourceNetwork, t0.Add(time.Millisecond), cfg)
	submitAt(s, Enable{}, SourceNetwork, t0.Add(time.Second), cfg)

	due, ok := s.Pulse.NextDue(s.Actuator.Enabled, s.Microstep.Timing.IntervalMicros)
	if !ok || !due.IsZero() {
		t.Fatalf("NextDue=(%v,%v) after re-enable, want immediately due", due, ok)
	}
	rr := Reduce(s, PulseDue{Now: t0.Add(time.Second)}, cfg)
	if n := len(commandsOf[CmdStepPulse](rr.Commands)); n != 1 {
		t.Fatalf("pulses=%d after re-enable, want 1 (no backlog)", n)
	}
}

func TestReducer_SetBusAddressPersistsAndReconnects(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	_, rr := submitAt(s, SetBusAddress{Address: " 10.0.0.7 "}, SourceNetwork, t0, cfg)
	if res := replyOf(t, rr); res.Err != nil {
		t.Fatalf("SetBusAddress: %v", res.Err)
	}
	if s.Bus.Address != "10.0.0.7" {
		t.Fatalf("address=%q", s.Bus.Address)
	}
	if p := commandsOf[CmdPersistBusAddress](rr.Commands); len(p) != 1 || p[0].Address != "10.0.0.7" {
		t.Fatalf("persist=%v", p)
	}
	if r := commandsOf[CmdReconnectBus](rr.Commands); len(r) != 1 || r[0].Address != "10.0.0.7" {
		t.Fatalf("reconnect=%v", r)
	}
}

func TestReducer_SnapshotRequest(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	reply := make(chan StateSnapshot, 1)
	rr := Reduce(s, TimedEvent{Event: RequestStateSnapshot{Reply: reply}, At: t0}, cfg)
	snaps := commandsOf[CmdPublishStateSnapshot](rr.Commands)
	if len(snaps) != 1 {
		t.Fatalf("commands=%v", rr.Commands)
	}
	if snaps[0].Snapshot.Mode != 16 || snaps[0].Snapshot.BusAddress != defaultBusAddress {
		t.Fatalf("snapshot=%+v", snaps[0].Snapshot)
	}
}

// ============================================================================
// Failures
// ============================================================================

func TestReducer_FailedPersistIsRetried(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	_, rr := submitAt(s, SetMode{Mode: 32}, SourceNetwork, t0, cfg)
	persist := commandsOf[CmdPersistMode](rr.Commands)
	if len(persist) != 1 {
		t.Fatalf("persist commands=%v", persist)
	}

	Reduce(s, CommandFailed{Command: persist[0], Err: errors.New("disk full"), At: t0}, cfg)
	if !s.Persist.ModeDirty {
		t.Fatalf("mode not marked dirty")
	}

	rr = Reduce(s, Tick{Now: t0.Add(time.Second), Levels: levelsIdle}, cfg)
	if len(commandsOf[CmdPersistMode](rr.Commands)) != 0 {
		t.Fatalf("retried before the retry interval")
	}

	rr = Reduce(s, Tick{Now: t0.Add(5 * time.Second), Levels: levelsIdle}, cfg)
	persist = commandsOf[CmdPersistMode](rr.Commands)
	if len(persist) != 1 || persist[0].Mode != ModeThirtySecond {
		t.Fatalf("retry persist=%v", persist)
	}
	if s.Persist.ModeDirty {
		t.Fatalf("dirty flag not cleared after retry")
	}
	if s.Microstep.Mode() != ModeThirtySecond {
		t.Fatalf("persist failure changed the mode")
	}
}

func TestReducer_FailedLineWriteIsRewritten(t *testing.T) {
	cfg := testArbiterConfig()
	s := newTestState()
	settle(t, s, cfg)

	Reduce(s, CommandFailed{Command: CmdSetEnableLine{Asserted: false}, Err: errors.New("gpio"), At: t0}, cfg)
	rr := Reduce(s, Tick{Now: t0.Add(time.Millisecond), Levels: levelsIdle}, cfg)

	if len(commandsOf[CmdSetDirectionLine](rr.Commands)) != 1 || len(commandsOf[CmdSetEnableLine](rr.Commands)) != 1 {
		t.Fatalf("lines not rewritten: %v", rr.Commands)
	}
}

// runEffects delivers replies without hardware.
func runEffects(cmds []Command) {
	env := effectEnv{Driver: newSimDriver(nil)}
	for _, c := range cmds {
		runEffect(env, c, discardLogger(), nil)
	}
}
