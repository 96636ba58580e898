package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================================
// Fakes
// ============================================================================

type fakeStore struct {
	mu      sync.Mutex
	fail    error
	modes   []MicrostepMode
	address []string
}

func (s *fakeStore) SaveMode(m MicrostepMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.modes = append(s.modes, m)
	return nil
}

func (s *fakeStore) SaveBusAddress(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.address = append(s.address, addr)
	return nil
}

func (s *fakeStore) savedModes() []MicrostepMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MicrostepMode(nil), s.modes...)
}

type fakeBus struct {
	mu        sync.Mutex
	published []string
	control   []bool
	addresses []string
}

func (b *fakeBus) PublishStatus(payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

func (b *fakeBus) SetControl(enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.control = append(b.control, enabled)
	return nil
}

func (b *fakeBus) Reconnect(address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addresses = append(b.addresses, address)
	return nil
}

func (b *fakeBus) statuses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.published...)
}

// ============================================================================
// runEffect
// ============================================================================

func TestRunEffect_StoreFailureReportsCommandFailed(t *testing.T) {
	store := &fakeStore{fail: errors.New("read-only filesystem")}
	env := effectEnv{Driver: newSimDriver(nil), Store: store}

	var got []Event
	runEffect(env, CmdPersistMode{Mode: ModeEighth}, discardLogger(), func(e Event) { got = append(got, e) })

	if len(got) != 1 {
		t.Fatalf("events=%v, want one CommandFailed", got)
	}
	cf, ok := got[0].(CommandFailed)
	if !ok {
		t.Fatalf("event=%T, want CommandFailed", got[0])
	}
	var tio TransientIOError
	if !errors.As(cf.Err, &tio) {
		t.Fatalf("err=%v, want TransientIOError", cf.Err)
	}
	if _, ok := cf.Command.(CmdPersistMode); !ok {
		t.Fatalf("failed command=%v", cf.Command)
	}
}

func TestRunEffect_DriverLines(t *testing.T) {
	drv := newSimDriver(nil)
	env := effectEnv{Driver: drv}

	runEffect(env, CmdSetDirectionLine{Direction: Reverse}, discardLogger(), nil)
	runEffect(env, CmdSetEnableLine{Asserted: true}, discardLogger(), nil)
	runEffect(env, CmdStepPulse{Manual: true}, discardLogger(), nil)

	if !drv.Enabled() || drv.Direction() != Reverse || drv.Pulses() != 1 {
		t.Fatalf("driver enabled=%v direction=%v pulses=%d", drv.Enabled(), drv.Direction(), drv.Pulses())
	}

	drv.failNext.Store(true)
	var failed bool
	runEffect(env, CmdSetEnableLine{Asserted: false}, discardLogger(), func(e Event) {
		_, failed = e.(CommandFailed)
	})
	if !failed {
		t.Fatalf("line failure not reported")
	}
}

func TestRunEffect_NilBusAndStoreAreNoops(t *testing.T) {
	env := effectEnv{Driver: newSimDriver(nil)}
	for _, cmd := range []Command{
		CmdPublishStatus{Payload: statusMotorOn},
		CmdSetBusControl{Enabled: true},
		CmdReconnectBus{Address: "10.0.0.1"},
		CmdPersistMode{Mode: ModeFull},
		CmdPersistBusAddress{Address: "10.0.0.1"},
	} {
		runEffect(env, cmd, discardLogger(), func(e Event) {
			t.Fatalf("%v: unexpected event %v", cmd, e)
		})
	}
}

func TestRunEffect_ReplyNeverBlocks(t *testing.T) {
	reply := make(chan IntentResult) // unbuffered, nobody reading
	done := make(chan struct{})
	go func() {
		runEffect(effectEnv{}, CmdReply{Reply: reply}, discardLogger(), nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("runEffect blocked on reply")
	}
}

// ============================================================================
// runDaemon
// ============================================================================

type daemonHarness struct {
	events     chan Event
	broadcasts chan StateBroadcast
	driver     *simDriver
	store      *fakeStore
	bus        *fakeBus
	cancel     context.CancelFunc
	done       chan struct{}
}

func startDaemon(t *testing.T, cfg ArbiterConfig, state *DaemonState) *daemonHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &daemonHarness{
		events:     make(chan Event, 16),
		broadcasts: make(chan StateBroadcast, 64),
		driver:     newSimDriver(nil),
		store:      &fakeStore{},
		bus:        &fakeBus{},
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	env := effectEnv{Driver: h.driver, Bus: h.bus, Store: h.store}
	go func() {
		defer close(h.done)
		runDaemon(ctx, h.events, env, idleButtons{level: cfg.Polarity.Idle()}, cfg, state, 1000, h.broadcasts, discardLogger())
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *daemonHarness) stop() {
	h.cancel()
	<-h.done
}

func TestDaemon_EnableDrivesLineAndShutdownDeasserts(t *testing.T) {
	cfg := testArbiterConfig()
	h := startDaemon(t, cfg, newTestState())
	ctx := context.Background()

	res, err := sendIntent(ctx, h.events, Enable{}, SourceNetwork, time.Second)
	if err != nil || res.Err != nil {
		t.Fatalf("enable: err=%v result=%v", err, res.Err)
	}
	if !res.Snapshot.Enabled {
		t.Fatalf("snapshot not enabled")
	}
	// Replies run after the line writes of the same reduction.
	if !h.driver.Enabled() {
		t.Fatalf("enable line not asserted when the reply arrived")
	}

	waitUntil(t, time.Second, func() bool { return h.driver.Pulses() > 0 }, "no step pulses while enabled")

	h.stop()
	if h.driver.Enabled() {
		t.Fatalf("enable line still asserted after shutdown")
	}
	if got := h.bus.statuses(); len(got) == 0 || got[0] != statusMotorOn {
		t.Fatalf("bus statuses=%v", got)
	}
}

func TestDaemon_PulseCadenceFollowsInterval(t *testing.T) {
	cases := []struct {
		mode     MicrostepMode
		interval uint32
	}{
		{ModeThirtySecond, 50},
		{ModeSixteenth, 100},
		{ModeSixteenth, 200},
		{ModeSixteenth, 600},
		{ModeFull, 800},
		{ModeSixteenth, 2000},
	}
	const window = 300 * time.Millisecond

	for _, tc := range cases {
		t.Run(fmt.Sprintf("mode%d@%dus", uint8(tc.mode), tc.interval), func(t *testing.T) {
			state := newTestState()
			state.Microstep = NewMicrostepController(tc.mode, stepsPerRevolution, tc.interval, 2000)
			h := startDaemon(t, testArbiterConfig(), state)

			start := time.Now()
			if _, err := sendIntent(context.Background(), h.events, Enable{}, SourceNetwork, time.Second); err != nil {
				t.Fatalf("enable: %v", err)
			}
			time.Sleep(window)
			got := h.driver.Pulses()
			elapsed := time.Since(start)

			interval := time.Duration(tc.interval) * time.Microsecond
			want := float64(elapsed / interval)
			if float64(got) < 0.75*want || float64(got) > want+1 {
				t.Fatalf("pulses=%d over %v, want about %.0f", got, elapsed, want)
			}
		})
	}
}

func TestDaemon_SetModePersistsAndBroadcasts(t *testing.T) {
	cfg := testArbiterConfig()
	h := startDaemon(t, cfg, newTestState())

	res, err := sendIntent(context.Background(), h.events, SetMode{Mode: 32}, SourceIPC, time.Second)
	if err != nil || res.Err != nil {
		t.Fatalf("set mode: err=%v result=%v", err, res.Err)
	}
	if res.Snapshot.Mode != 32 || res.Snapshot.PulsesPerRevolution != 6400 {
		t.Fatalf("snapshot=%+v", res.Snapshot)
	}
	if modes := h.store.savedModes(); len(modes) != 1 || modes[0] != ModeThirtySecond {
		t.Fatalf("persisted modes=%v", modes)
	}

	select {
	case b := <-h.broadcasts:
		tc, ok := b.(BroadcastTimingChanged)
		if !ok || tc.Mode != ModeThirtySecond {
			t.Fatalf("broadcast=%+v", b)
		}
	case <-time.After(time.Second):
		t.Fatalf("no timing broadcast")
	}
}

func TestDaemon_ValidationErrorReturnedToCaller(t *testing.T) {
	h := startDaemon(t, testArbiterConfig(), newTestState())

	res, err := sendIntent(context.Background(), h.events, SetDuration{Seconds: 0}, SourceNetwork, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var ve ValidationError
	if !errors.As(res.Err, &ve) {
		t.Fatalf("err=%v, want ValidationError", res.Err)
	}
	if res.Snapshot.RunDurationSec != 10 {
		t.Fatalf("run duration changed to %d", res.Snapshot.RunDurationSec)
	}
}

func TestDaemon_SnapshotRequest(t *testing.T) {
	h := startDaemon(t, testArbiterConfig(), newTestState())

	snap, err := requestSnapshot(context.Background(), h.events, time.Second)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Enabled || snap.Mode != 16 || snap.IntervalMicros != 200 || snap.BusAddress != defaultBusAddress {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestDaemon_LineFailureIsRewritten(t *testing.T) {
	h := startDaemon(t, testArbiterConfig(), newTestState())

	h.driver.failNext.Store(true)
	if _, err := sendIntent(context.Background(), h.events, Enable{}, SourceNetwork, time.Second); err != nil {
		t.Fatalf("enable: %v", err)
	}
	waitUntil(t, time.Second, h.driver.Enabled, "enable line not rewritten after a failed write")
}

func TestSendIntent_QueueFull(t *testing.T) {
	events := make(chan Event) // no receiver
	if _, err := sendIntent(context.Background(), events, Enable{}, SourceNetwork, 10*time.Millisecond); !errors.Is(err, errQueueFull) {
		t.Fatalf("err=%v, want errQueueFull", err)
	}
}

func TestSendIntent_Timeout(t *testing.T) {
	events := make(chan Event, 1) // accepted, never reduced
	if _, err := sendIntent(context.Background(), events, Enable{}, SourceNetwork, 10*time.Millisecond); !errors.Is(err, errDaemonTimeout) {
		t.Fatalf("err=%v, want errDaemonTimeout", err)
	}
}
