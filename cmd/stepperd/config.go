package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the stepperd daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config.
type Config struct {
	Loop        LoopConfig        `yaml:"loop"`
	Motor       MotorConfig       `yaml:"motor"`
	Timers      TimersConfig      `yaml:"timers"`
	Arbitration ArbitrationConfig `yaml:"arbitration"`
	GPIO        GPIOConfig        `yaml:"gpio"`
	Buttons     ButtonsConfig     `yaml:"buttons"`
	HTTP        HTTPConfig        `yaml:"http"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	IPC         IPCConfig         `yaml:"ipc"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type LoopConfig struct {
	TickHz        int `yaml:"tick_hz"`
	EventQueueCap int `yaml:"event_queue_capacity"`
}

// MotorConfig holds the power-on motion defaults. The microstep mode comes from
// the settings image; DefaultMode applies only when the image has none.
type MotorConfig struct {
	StepsPerRev      int    `yaml:"steps_per_rev"`
	DefaultMode      int    `yaml:"default_mode"`
	IntervalUS       int    `yaml:"interval_us"`
	MaxIntervalUS    int    `yaml:"max_interval_us"`
	SpeedStepUS      int    `yaml:"speed_step_us"`
	PulseHighUS      int    `yaml:"pulse_high_us"`
	PulseLowUS       int    `yaml:"pulse_low_us"`
	InitialDirection string `yaml:"initial_direction"`
}

type TimersConfig struct {
	RunDurationSec     int `yaml:"run_duration_s"`
	InactivityLimitSec int `yaml:"inactivity_limit_s"`
	DebounceMS         int `yaml:"debounce_ms"`
}

type ArbitrationConfig struct {
	Policy string `yaml:"policy"`

	// Priority lists sources highest first. Only used by the "priority" policy.
	Priority []string `yaml:"priority"`
}

type GPIOConfig struct {
	Backend         string `yaml:"backend"`
	StepPin         int    `yaml:"step_pin"`
	DirPin          int    `yaml:"dir_pin"`
	EnablePin       int    `yaml:"enable_pin"`
	EnableActiveLow bool   `yaml:"enable_active_low"`
}

type ButtonsConfig struct {
	Backend   string `yaml:"backend"`
	ActiveLow bool   `yaml:"active_low"`

	// rpio backend
	MotorPin     int `yaml:"motor_pin"`
	DirectionPin int `yaml:"direction_pin"`

	// evdev backend
	Devices      []string `yaml:"devices,omitempty"`
	MotorKey     uint16   `yaml:"motor_key"`
	DirectionKey uint16   `yaml:"direction_key"`
}

type HTTPConfig struct {
	Enabled          bool `yaml:"enabled"`
	Port             int  `yaml:"port"`
	RequestTimeoutMS int  `yaml:"request_timeout_ms"`
}

type WebSocketConfig struct {
	Path         string `yaml:"path"`
	SendBuf      int    `yaml:"send_buf"`
	BroadcastBuf int    `yaml:"broadcast_buf"`
}

type MQTTConfig struct {
	Enabled             bool   `yaml:"enabled"`
	ControlEnabled      bool   `yaml:"control_enabled"`
	Address             string `yaml:"address,omitempty"` // overrides the persisted address when set
	Port                int    `yaml:"port"`
	ClientID            string `yaml:"client_id"`
	ControlTopic        string `yaml:"control_topic"`
	StepTopic           string `yaml:"step_topic"`
	StatusTopic         string `yaml:"status_topic"`
	ReconnectIntervalMS int    `yaml:"reconnect_interval_ms"`
	ConnectTimeoutMS    int    `yaml:"connect_timeout_ms"`
}

type IPCConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

type StorageConfig struct {
	Path            string `yaml:"path"`
	RetryIntervalMS int    `yaml:"retry_interval_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Loop: LoopConfig{
			TickHz:        defaultTickHz,
			EventQueueCap: defaultEventQueueCapacity,
		},
		Motor: MotorConfig{
			StepsPerRev:      stepsPerRevolution,
			DefaultMode:      int(defaultMicrostepMode),
			IntervalUS:       defaultIntervalMicros,
			MaxIntervalUS:    maxIntervalMicros,
			SpeedStepUS:      speedStepMicros,
			PulseHighUS:      pulseHighMicros,
			PulseLowUS:       pulseLowMicros,
			InitialDirection: Forward.String(),
		},
		Timers: TimersConfig{
			RunDurationSec:     int(defaultRunDuration / time.Second),
			InactivityLimitSec: int(defaultInactivityLimit / time.Second),
			DebounceMS:         int(defaultDebounceWindow / time.Millisecond),
		},
		Arbitration: ArbitrationConfig{
			Policy:   string(PolicyLastWriterWins),
			Priority: []string{"button", "network", "ipc", "bus"},
		},
		GPIO: GPIOConfig{
			Backend:         GPIOBackendSim,
			StepPin:         18,
			DirPin:          23,
			EnablePin:       24,
			EnableActiveLow: true,
		},
		Buttons: ButtonsConfig{
			Backend:      ButtonBackendNone,
			ActiveLow:    true,
			MotorPin:     17,
			DirectionPin: 27,
			MotorKey:     28, // KEY_ENTER
			DirectionKey: 57, // KEY_SPACE
		},
		HTTP: HTTPConfig{
			Enabled:          true,
			Port:             defaultHTTPPort,
			RequestTimeoutMS: defaultRequestTimeoutMS,
		},
		WebSocket: WebSocketConfig{
			Path:         "/ws/state",
			SendBuf:      32,
			BroadcastBuf: 128,
		},
		MQTT: MQTTConfig{
			Enabled:             true,
			ControlEnabled:      false,
			Port:                defaultBusPort,
			ClientID:            "stepperd",
			ControlTopic:        defaultBusControlTopic,
			StepTopic:           defaultBusStepTopic,
			StatusTopic:         defaultBusStatusTopic,
			ReconnectIntervalMS: defaultBusReconnectMS,
			ConnectTimeoutMS:    5000,
		},
		IPC: IPCConfig{
			Enabled:    true,
			SocketPath: "/tmp/stepperd.sock",
		},
		Storage: StorageConfig{
			Path:            "/var/lib/stepperd/settings.bin",
			RetryIntervalMS: defaultPersistRetryMS,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(LogFormatText),
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of DefaultConfig.
//
// Notes:
//   - Unknown fields are rejected (helps catch typos) via KnownFields(true).
//   - Only one YAML document is allowed.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Ensure there's no trailing garbage (only whitespace/comments are allowed after the document).
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides applies overrides from flags on top of a loaded config.
// Each pointer is applied only when non-nil, even if it points at a zero value.
type FlagOverrides struct {
	TickHz *int

	HTTPPort *int

	GPIOBackend    *string
	ButtonsBackend *string

	MQTTAddress *string
	MQTTControl *bool

	IPCSocketPath *string
	StoragePath   *string

	LogLevel  *string
	LogFormat *string
}

// Apply merges the overrides into cfg.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.TickHz != nil {
		cfg.Loop.TickHz = *o.TickHz
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}
	if o.GPIOBackend != nil {
		cfg.GPIO.Backend = *o.GPIOBackend
	}
	if o.ButtonsBackend != nil {
		cfg.Buttons.Backend = *o.ButtonsBackend
	}
	if o.MQTTAddress != nil {
		cfg.MQTT.Address = *o.MQTTAddress
	}
	if o.MQTTControl != nil {
		cfg.MQTT.ControlEnabled = *o.MQTTControl
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.StoragePath != nil {
		cfg.Storage.Path = *o.StoragePath
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		cfg.Logging.Format = *o.LogFormat
	}
}

// Validate checks config invariants and returns a user-friendly error.
// This is intended to be called after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	// Loop
	if c.Loop.TickHz <= 0 || c.Loop.TickHz > maxTickHz {
		return fmt.Errorf("loop.tick_hz must be between 1 and %d", maxTickHz)
	}
	if c.Loop.EventQueueCap <= 0 {
		return errors.New("loop.event_queue_capacity must be > 0")
	}

	// Motor
	if c.Motor.StepsPerRev <= 0 {
		return errors.New("motor.steps_per_rev must be > 0")
	}
	if _, err := ParseMicrostepMode(c.Motor.DefaultMode); err != nil {
		return fmt.Errorf("motor.default_mode: %w", err)
	}
	if c.Motor.IntervalUS <= 0 {
		return errors.New("motor.interval_us must be > 0")
	}
	if c.Motor.MaxIntervalUS < c.Motor.IntervalUS {
		return errors.New("motor.max_interval_us must be >= motor.interval_us")
	}
	if c.Motor.SpeedStepUS <= 0 {
		return errors.New("motor.speed_step_us must be > 0")
	}
	if c.Motor.PulseHighUS <= 0 || c.Motor.PulseLowUS <= 0 {
		return errors.New("motor.pulse_high_us and motor.pulse_low_us must be > 0")
	}
	var dir Direction
	if err := dir.UnmarshalText([]byte(c.Motor.InitialDirection)); err != nil {
		return fmt.Errorf("motor.initial_direction: %w", err)
	}

	// Timers
	if _, err := ValidateRunDuration(c.Timers.RunDurationSec); err != nil {
		return fmt.Errorf("timers.run_duration_s: %w", err)
	}
	if c.Timers.InactivityLimitSec <= 0 {
		return errors.New("timers.inactivity_limit_s must be > 0")
	}
	if c.Timers.DebounceMS < 0 {
		return errors.New("timers.debounce_ms must be >= 0")
	}

	// Arbitration
	switch ArbitrationPolicy(c.Arbitration.Policy) {
	case PolicyLastWriterWins:
	case PolicyPriority:
		if _, err := c.SourcePriority(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("arbitration.policy must be %q or %q", PolicyLastWriterWins, PolicyPriority)
	}

	// GPIO
	switch c.GPIO.Backend {
	case GPIOBackendRPIO, GPIOBackendSim:
	default:
		return fmt.Errorf("gpio.backend must be %q or %q", GPIOBackendRPIO, GPIOBackendSim)
	}
	if c.GPIO.Backend == GPIOBackendRPIO {
		if c.GPIO.StepPin == c.GPIO.DirPin || c.GPIO.StepPin == c.GPIO.EnablePin || c.GPIO.DirPin == c.GPIO.EnablePin {
			return errors.New("gpio.step_pin, gpio.dir_pin and gpio.enable_pin must differ")
		}
	}

	// Buttons
	switch c.Buttons.Backend {
	case ButtonBackendNone:
	case ButtonBackendRPIO:
		if c.Buttons.MotorPin == c.Buttons.DirectionPin {
			return errors.New("buttons.motor_pin and buttons.direction_pin must differ")
		}
	case ButtonBackendEvdev:
		if len(c.Buttons.Devices) == 0 {
			return errors.New("buttons.devices must not be empty for the evdev backend")
		}
		for i, dev := range c.Buttons.Devices {
			if dev == "" {
				return fmt.Errorf("buttons.devices[%d] is empty", i)
			}
		}
		if c.Buttons.MotorKey == c.Buttons.DirectionKey {
			return errors.New("buttons.motor_key and buttons.direction_key must differ")
		}
	default:
		return fmt.Errorf("buttons.backend must be %q, %q or %q", ButtonBackendRPIO, ButtonBackendEvdev, ButtonBackendNone)
	}

	// HTTP
	if c.HTTP.Enabled && (c.HTTP.Port <= 0 || c.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if c.HTTP.RequestTimeoutMS <= 0 {
		return errors.New("http.request_timeout_ms must be > 0")
	}

	// WebSocket
	if c.WebSocket.Path == "" || c.WebSocket.Path[0] != '/' {
		return errors.New("websocket.path must start with /")
	}

	// MQTT
	if c.MQTT.Enabled {
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return errors.New("mqtt.port must be between 1 and 65535")
		}
		if c.MQTT.Address != "" {
			if _, err := ValidateBusAddress(c.MQTT.Address); err != nil {
				return fmt.Errorf("mqtt.address: %w", err)
			}
		}
		if c.MQTT.ClientID == "" {
			return errors.New("mqtt.client_id must not be empty")
		}
		if c.MQTT.ControlTopic == "" || c.MQTT.StepTopic == "" || c.MQTT.StatusTopic == "" {
			return errors.New("mqtt topics must not be empty")
		}
		if c.MQTT.ReconnectIntervalMS <= 0 {
			return errors.New("mqtt.reconnect_interval_ms must be > 0")
		}
		if c.MQTT.ConnectTimeoutMS <= 0 {
			return errors.New("mqtt.connect_timeout_ms must be > 0")
		}
	}

	// IPC
	if c.IPC.Enabled && c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	// Storage
	if c.Storage.Path == "" {
		return errors.New("storage.path must not be empty")
	}
	if c.Storage.RetryIntervalMS <= 0 {
		return errors.New("storage.retry_interval_ms must be > 0")
	}

	// Logging
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if _, err := parseLogFormat(c.Logging.Format); err != nil {
		return fmt.Errorf("logging.format: %w", err)
	}

	return nil
}

// SourcePriority converts arbitration.priority into ranks. Sources left out rank lowest.
func (c *Config) SourcePriority() (map[Source]int, error) {
	seen := make(map[Source]bool)
	order := make([]Source, 0, len(c.Arbitration.Priority))
	for i, name := range c.Arbitration.Priority {
		src, err := ParseSource(name)
		if err != nil {
			return nil, fmt.Errorf("arbitration.priority[%d]: %w", i, err)
		}
		if seen[src] {
			return nil, fmt.Errorf("arbitration.priority[%d]: duplicate source %q", i, name)
		}
		seen[src] = true
		order = append(order, src)
	}
	if len(order) == 0 {
		order = defaultSourcePriority
	}
	return PriorityFromOrder(order), nil
}

// ToArbiterConfig converts the file config into the reducer's configuration.
func (c *Config) ToArbiterConfig() ArbiterConfig {
	prio, err := c.SourcePriority()
	if err != nil {
		prio = PriorityFromOrder(defaultSourcePriority)
	}
	return ArbiterConfig{
		Policy:          ArbitrationPolicy(c.Arbitration.Policy),
		Priority:        prio,
		DebounceWindow:  time.Duration(c.Timers.DebounceMS) * time.Millisecond,
		Polarity:        ButtonPolarity{ActiveLow: c.Buttons.ActiveLow},
		SpeedStepMicros: uint32(c.Motor.SpeedStepUS),
		PersistRetry:    time.Duration(c.Storage.RetryIntervalMS) * time.Millisecond,
	}
}

// ToDaemonStateConfig seeds the daemon state from config and persisted settings.
func (c *Config) ToDaemonStateConfig(s Settings) DaemonStateConfig {
	addr := s.BusAddress
	if c.MQTT.Address != "" {
		addr = c.MQTT.Address
	}
	return DaemonStateConfig{
		Mode:            s.Mode,
		StepsPerRev:     c.Motor.StepsPerRev,
		IntervalMicros:  uint32(c.Motor.IntervalUS),
		MaxInterval:     uint32(c.Motor.MaxIntervalUS),
		InactivityLimit: time.Duration(c.Timers.InactivityLimitSec) * time.Second,
		RunLimit:        time.Duration(c.Timers.RunDurationSec) * time.Second,
		Polarity:        ButtonPolarity{ActiveLow: c.Buttons.ActiveLow},
		BusControl:      c.MQTT.ControlEnabled,
		BusAddress:      addr,
		Direction:       c.initialDirection(),
	}
}

func (c *Config) initialDirection() Direction {
	var d Direction
	if err := d.UnmarshalText([]byte(c.Motor.InitialDirection)); err != nil {
		return Forward
	}
	return d
}

// ToBusConfig converts the mqtt section into bridge settings.
func (c *Config) ToBusConfig() BusConfig {
	return BusConfig{
		Port:              c.MQTT.Port,
		ClientID:          c.MQTT.ClientID,
		ControlTopic:      c.MQTT.ControlTopic,
		StepTopic:         c.MQTT.StepTopic,
		StatusTopic:       c.MQTT.StatusTopic,
		ReconnectInterval: time.Duration(c.MQTT.ReconnectIntervalMS) * time.Millisecond,
		ConnectTimeout:    time.Duration(c.MQTT.ConnectTimeoutMS) * time.Millisecond,
	}
}

// DefaultSettings is what a blank settings image decodes to.
func (c *Config) DefaultSettings() Settings {
	return Settings{Mode: MicrostepMode(c.Motor.DefaultMode), BusAddress: defaultBusAddress}
}

// ToKeymap maps evdev key codes to buttons.
func (c *Config) ToKeymap() map[uint16]ButtonID {
	return map[uint16]ButtonID{
		c.Buttons.MotorKey:     ButtonMotor,
		c.Buttons.DirectionKey: ButtonDirection,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
