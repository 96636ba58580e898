package main

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next state + commands + broadcasts.
//   - The daemon loop is the only place that executes side effects (GPIO, bus, storage).
//   - Effect failures are turned into Events and fed back into the reducer.
//   - Explicit event and command queues; no nested/re-entrant execution.
//
// ============================================================================

// InputSampler returns the current raw level of every button.
// It is called once per tick from the daemon goroutine and must not block.
type InputSampler interface {
	Sample() ButtonLevels
}

// runDaemon is the main daemon loop that:
//   - Receives Events from the control sources
//   - Samples the buttons and emits a Tick on a fixed cadence
//   - Emits PulseDue at the pulse generator's deadline, sleeping until shortly
//     before it and spinning for the rest
//   - Reduces events into (state, commands, broadcasts)
//   - Executes commands and feeds failures back into the reducer
//   - Forwards broadcasts to the websocket feed without blocking
//
// Shutdown semantics:
//   - Exits when ctx is canceled or the events channel is closed
//   - Deasserts the enable line on the way out
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	env effectEnv,
	inputs InputSampler,
	cfg ArbiterConfig,
	state *DaemonState,
	tickHz int,
	broadcasts chan<- StateBroadcast,
	logger *slog.Logger,
) {
	if state == nil {
		logger.Error("daemon state is nil")
		return
	}
	if tickHz <= 0 {
		tickHz = defaultTickHz
	}

	ticker := time.NewTicker(time.Second / time.Duration(tickHz))
	defer ticker.Stop()

	defer func() {
		if env.Driver == nil {
			return
		}
		if err := env.Driver.SetEnable(false); err != nil {
			logger.Error("failed to deassert enable line on shutdown", "error", err)
		}
	}()

	// Explicit queues:
	// - eventQueue holds events awaiting reduction
	// - cmdQueue holds commands awaiting execution
	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	publish := func(bs []StateBroadcast) {
		for _, b := range bs {
			logBroadcast(logger, b)
			if broadcasts == nil {
				continue
			}
			select {
			case broadcasts <- b:
			default:
				logger.Warn("broadcast queue full, dropping state event")
			}
		}
	}

	// Reduce all queued events, enqueuing any resulting commands.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, cfg)
			if rr.State != nil {
				state = rr.State
			}
			cmdQueue = append(cmdQueue, rr.Commands...)
			publish(rr.Broadcasts)
		}
	}

	// Execute all queued commands, reducing any failure events right away.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			runEffect(env, cmd, logger, enqueueEvent)
			flushEvents()
		}
	}

	// Write the initial line state before the first tick.
	enqueueEvent(Tick{Now: time.Now(), Levels: sample(inputs, state)})
	flushEvents()
	flushCommands()

	pulseTimer := time.NewTimer(time.Hour)
	pulseTimer.Stop()
	defer pulseTimer.Stop()

	// handle reduces one wakeup. It reports false when the loop must exit.
	handle := func(ev Event, ok bool) bool {
		if !ok {
			logger.Info("daemon stopping (events channel closed)")
			return false
		}
		enqueueEvent(ev)
		flushEvents()
		flushCommands()
		return true
	}

	firePulse := func(due time.Time) {
		spin(time.Until(due))
		enqueueEvent(PulseDue{Now: time.Now()})
		flushEvents()
		flushCommands()
	}

	for {
		due, pulsing := state.Pulse.NextDue(state.Actuator.Enabled, state.Microstep.Timing.IntervalMicros)

		// Close to a deadline: busy-wait for it, then check the other sources without blocking.
		if pulsing && time.Until(due) <= pulseSpinWindow {
			firePulse(due)

			select {
			case <-ctx.Done():
				logger.Info("daemon stopping (context canceled)")
				return
			case ev, ok := <-events:
				if !handle(TimedEvent{Event: ev, At: time.Now()}, ok) {
					return
				}
			case now := <-ticker.C:
				handle(Tick{Now: now, Levels: sample(inputs, state)}, true)
			default:
			}
			continue
		}

		var pulseC <-chan time.Time
		if pulsing {
			pulseTimer.Reset(time.Until(due) - pulseSpinWindow)
			pulseC = pulseTimer.C
		} else {
			pulseTimer.Stop()
		}

		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !handle(TimedEvent{Event: ev, At: time.Now()}, ok) {
				return
			}

		case now := <-ticker.C:
			handle(Tick{Now: now, Levels: sample(inputs, state)}, true)

		case <-pulseC:
			// The next iteration spins out the remainder.
		}
	}
}

// sample reads the buttons, reporting every button idle when there is no sampler.
func sample(inputs InputSampler, state *DaemonState) ButtonLevels {
	if inputs != nil {
		return inputs.Sample()
	}
	var lv ButtonLevels
	for i := range lv {
		lv[i] = state.Buttons[i].Stable
	}
	return lv
}

func logBroadcast(logger *slog.Logger, b StateBroadcast) {
	switch ev := b.(type) {
	case BroadcastActuatorChanged:
		logger.Info("actuator changed", "enabled", ev.Enabled, "direction", ev.Direction, "source", ev.Source)
	case BroadcastTimingChanged:
		logger.Info("timing changed", "mode", int(ev.Mode), "interval_us", ev.IntervalMicros,
			"min_interval_us", ev.MinIntervalMicros, "rps", ev.RevolutionsPerSec, "run_duration", ev.RunDuration)
	case BroadcastTimeoutFired:
		logger.Info("timeout fired, actuator disabled", "reason", ev.Reason)
	case BroadcastBusControlChanged:
		logger.Info("bus control state", "enabled", ev.Enabled, "address", ev.Address)
	}
}

var (
	errQueueFull     = errors.New("event queue full")
	errDaemonTimeout = errors.New("daemon did not respond in time")
)

// sendIntent submits an intent on behalf of src and waits for its result.
// The wait is bounded by timeout and by ctx.
func sendIntent(ctx context.Context, events chan<- Event, it Intent, src Source, timeout time.Duration) (IntentResult, error) {
	reply := make(chan IntentResult, 1)

	select {
	case events <- Request{Intent: it, Source: src, Reply: reply}:
	default:
		return IntentResult{}, errQueueFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return res, nil
	case <-timer.C:
		return IntentResult{}, errDaemonTimeout
	case <-ctx.Done():
		return IntentResult{}, ctx.Err()
	}
}

// requestSnapshot asks the daemon loop for a coherent copy of its state.
func requestSnapshot(ctx context.Context, events chan<- Event, timeout time.Duration) (StateSnapshot, error) {
	reply := make(chan StateSnapshot, 1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case events <- RequestStateSnapshot{Reply: reply}:
	case <-timer.C:
		return StateSnapshot{}, errDaemonTimeout
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-timer.C:
		return StateSnapshot{}, errDaemonTimeout
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}
}
