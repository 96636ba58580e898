package main

import "time"

// Motor geometry and pulse timing defaults
const (
	stepsPerRevolution = 200 // full steps per mechanical revolution

	defaultIntervalMicros = 200  // default pulse interval (µs)
	maxIntervalMicros     = 2000 // slowest legal pulse interval (µs)
	speedStepMicros       = 10   // interval change per speed adjustment (µs)

	pulseHighMicros = 20 // STEP high time per pulse (µs)
	pulseLowMicros  = 20 // STEP low time after each pulse (µs)

	maxPulseCatchUp = 4 // edges emitted at once after a late wakeup

	// pulseSpinWindow is how close to a pulse deadline the loop stops sleeping
	// and busy-waits. Timer wakeups are not precise below this.
	pulseSpinWindow = time.Millisecond
)

// Scheduler
const (
	defaultTickHz = 1000 // button and watchdog tick rate (Hz); pulses are scheduled separately
	maxTickHz     = 5000 // upper bound accepted by config validation
)

// Watchdogs and input handling
const (
	defaultInactivityLimit = 5 * time.Minute
	defaultRunDuration     = 10 * time.Second

	minRunDurationSec = 1
	maxRunDurationSec = 1800

	defaultDebounceWindow = 50 * time.Millisecond
)

// Persisted settings image layout
const (
	settingsImageSize  = 512
	busAddressOffset   = 0
	busAddressCapacity = 100 // includes the terminating NUL
	microstepOffset    = 200
)

// Message bus defaults
const (
	defaultBusAddress         = "192.168.1.100"
	defaultBusPort            = 1883
	defaultBusReconnectMS     = 5000
	defaultBusControlTopic    = "motor/control"
	defaultBusStepTopic       = "motor/step_once"
	defaultBusStatusTopic     = "motor/status"
	busPublishTimeout         = 2 * time.Second
	busDisconnectQuiesceMS    = 250
	defaultPersistRetryMS     = 5000
	defaultRequestTimeoutMS   = 1000
	defaultHTTPPort           = 8080
	defaultEventQueueCapacity = 256
)

// Status payloads published on the bus status topic
const (
	statusMotorOn      = "Motor On"
	statusMotorOff     = "Motor Off"
	statusMotorForward = "Motor Forward"
	statusMotorReverse = "Motor Reverse"
)
