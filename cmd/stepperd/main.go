package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	rpio "github.com/stianeikeland/go-rpio/v4"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const version = "1.0.2"

func printVersion() {
	fmt.Printf("stepperd v%s\n", version)
	fmt.Println("Stepper motor actuator controller")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  stepperd [OPTIONS]")
	fmt.Println("  stepperd print-config [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Drives a STEP/DIR/ENABLE stepper driver from two push buttons, an HTTP")
	fmt.Println("  API, MQTT topics and a local IPC socket. Runs are bounded by a run-duration")
	fmt.Println("  timer and an inactivity watchdog.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        YAML config file (defaults are used when empty)")
	fmt.Println()
	fmt.Println("  -tick-hz int")
	fmt.Printf("        Button and watchdog tick rate in Hz (default %d)\n", defaultTickHz)
	fmt.Println()
	fmt.Println("  -http-port int")
	fmt.Printf("        HTTP listener port (default %d)\n", defaultHTTPPort)
	fmt.Println()
	fmt.Println("  -gpio-backend string")
	fmt.Println("        Output backend: rpio|sim (default \"sim\")")
	fmt.Println()
	fmt.Println("  -buttons-backend string")
	fmt.Println("        Button backend: rpio|evdev|none (default \"none\")")
	fmt.Println()
	fmt.Println("  -mqtt-address string")
	fmt.Println("        MQTT broker address, overrides the stored address")
	fmt.Println()
	fmt.Println("  -mqtt-control")
	fmt.Println("        Accept commands from MQTT at startup (default false)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/stepperd.sock\")")
	fmt.Println()
	fmt.Println("  -storage-path string")
	fmt.Println("        Settings image file (default \"/var/lib/stepperd/settings.bin\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -log-format string")
	fmt.Println("        Log format: text|json (default \"text\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("SUBCOMMANDS:")
	fmt.Println("  print-config")
	fmt.Println("        Print the effective configuration as YAML and exit")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Simulated outputs, no buttons")
	fmt.Println("  stepperd")
	fmt.Println()
	fmt.Println("  # Raspberry Pi with buttons on GPIO17/GPIO27")
	fmt.Println("  stepperd -gpio-backend rpio -buttons-backend rpio")
	fmt.Println()
	fmt.Println("  # Use a broker and accept MQTT commands")
	fmt.Println("  stepperd -mqtt-address 10.0.0.5 -mqtt-control")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - The rpio backends need access to /dev/gpiomem")
	fmt.Println("  - The evdev backend needs read access to the input devices")
	fmt.Println()
}

// cliFlags holds every flag the daemon understands.
type cliFlags struct {
	fs *flag.FlagSet

	configPath     *string
	tickHz         *int
	httpPort       *int
	gpioBackend    *string
	buttonsBackend *string
	mqttAddress    *string
	mqttControl    *bool
	ipcSocket      *string
	storagePath    *string
	logLevel       *string
	logFormat      *string
	showVersion    *bool
	showHelp       *bool
}

func newCLIFlags(name string) *cliFlags {
	def := DefaultConfig()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return &cliFlags{
		fs:             fs,
		configPath:     fs.String("config", "", "YAML config file"),
		tickHz:         fs.Int("tick-hz", def.Loop.TickHz, "Button and watchdog tick rate in Hz"),
		httpPort:       fs.Int("http-port", def.HTTP.Port, "HTTP listener port"),
		gpioBackend:    fs.String("gpio-backend", def.GPIO.Backend, "Output backend: rpio|sim"),
		buttonsBackend: fs.String("buttons-backend", def.Buttons.Backend, "Button backend: rpio|evdev|none"),
		mqttAddress:    fs.String("mqtt-address", "", "MQTT broker address (overrides the stored address)"),
		mqttControl:    fs.Bool("mqtt-control", def.MQTT.ControlEnabled, "Accept commands from MQTT at startup"),
		ipcSocket:      fs.String("ipc-socket", def.IPC.SocketPath, "Unix domain socket path for IPC"),
		storagePath:    fs.String("storage-path", def.Storage.Path, "Settings image file"),
		logLevel:       fs.String("log-level", def.Logging.Level, "Log level: error, warn, info, debug"),
		logFormat:      fs.String("log-format", def.Logging.Format, "Log format: text|json"),
		showVersion:    fs.Bool("version", false, "Print version and exit"),
		showHelp:       fs.Bool("help", false, "Print help message"),
	}
}

// overrides returns only the flags given on the command line, so a config file
// value is not clobbered by a flag default.
func (f *cliFlags) overrides() FlagOverrides {
	var o FlagOverrides
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "tick-hz":
			o.TickHz = f.tickHz
		case "http-port":
			o.HTTPPort = f.httpPort
		case "gpio-backend":
			o.GPIOBackend = f.gpioBackend
		case "buttons-backend":
			o.ButtonsBackend = f.buttonsBackend
		case "mqtt-address":
			o.MQTTAddress = f.mqttAddress
		case "mqtt-control":
			o.MQTTControl = f.mqttControl
		case "ipc-socket":
			o.IPCSocketPath = f.ipcSocket
		case "storage-path":
			o.StoragePath = f.storagePath
		case "log-level":
			o.LogLevel = f.logLevel
		case "log-format":
			o.LogFormat = f.logFormat
		}
	})
	return o
}

// loadConfig builds the effective config: defaults, then file, then flags.
func (f *cliFlags) loadConfig() (Config, error) {
	cfg := DefaultConfig()
	if *f.configPath != "" {
		var err error
		cfg, err = LoadConfigFile(*f.configPath)
		if err != nil {
			return Config{}, err
		}
	}
	f.overrides().Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "print-config" {
		os.Exit(runPrintConfig(os.Args[2:]))
	}

	flags := newCLIFlags("stepperd")
	flags.fs.Usage = printUsage
	if err := flags.fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if *flags.showHelp {
		printUsage()
		return
	}
	if *flags.showVersion {
		printVersion()
		return
	}

	cfg, err := flags.loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logger, err := setupLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("stepperd exited with error", "error", err)
		os.Exit(1)
	}
}

// runPrintConfig implements the print-config subcommand.
func runPrintConfig(args []string) int {
	flags := newCLIFlags("print-config")
	if err := flags.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	cfg, err := flags.loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	out, err := yaml.Marshal(&cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error: encode config:", err)
		return 1
	}
	_, _ = os.Stdout.Write(out)
	return 0
}

// run wires every component and blocks until a signal arrives or one of them fails.
func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, settings, err := openFileStore(ExpandPath(cfg.Storage.Path), cfg.DefaultSettings())
	if err != nil {
		return fmt.Errorf("open settings: %w", err)
	}
	state := NewDaemonState(cfg.ToDaemonStateConfig(settings))

	if cfg.GPIO.Backend == GPIOBackendRPIO || cfg.Buttons.Backend == ButtonBackendRPIO {
		if err := rpio.Open(); err != nil {
			return fmt.Errorf("open gpio: %w", err)
		}
		defer func() {
			if err := rpio.Close(); err != nil {
				logger.Warn("failed to close gpio", "error", err)
			}
		}()
	}

	var driver OutputDriver
	switch cfg.GPIO.Backend {
	case GPIOBackendRPIO:
		driver = newRPIODriver(cfg.GPIO.StepPin, cfg.GPIO.DirPin, cfg.GPIO.EnablePin, cfg.GPIO.EnableActiveLow,
			time.Duration(cfg.Motor.PulseHighUS)*time.Microsecond,
			time.Duration(cfg.Motor.PulseLowUS)*time.Microsecond)
	default:
		driver = newSimDriver(logger)
	}

	events := make(chan Event, cfg.Loop.EventQueueCap)
	requestTimeout := time.Duration(cfg.HTTP.RequestTimeoutMS) * time.Millisecond

	g, gctx := errgroup.WithContext(ctx)

	polarity := ButtonPolarity{ActiveLow: cfg.Buttons.ActiveLow}
	var inputs InputSampler
	switch cfg.Buttons.Backend {
	case ButtonBackendRPIO:
		inputs = newRPIOButtons(cfg.Buttons.MotorPin, cfg.Buttons.DirectionPin, cfg.Buttons.ActiveLow)
	case ButtonBackendEvdev:
		files, err := openInputDevices(cfg.Buttons.Devices)
		if err != nil {
			logger.Error("failed to open input devices", "error", err, "tip", "run as root or add user to 'input' group")
			return err
		}
		defer func() {
			for _, f := range files {
				_ = f.Close()
			}
		}()
		keys := newKeyButtons(cfg.ToKeymap(), polarity)
		inputs = keys
		g.Go(func() error {
			err := readInputEventsEpoll(gctx, files, func(ev inputEvent) {
				if keys.Apply(ev) {
					logger.Debug("button key event", "code", ev.Code, "value", ev.Value)
				}
			})
			if err != nil {
				return fmt.Errorf("input reader: %w", err)
			}
			return nil
		})
	default:
		inputs = idleButtons{level: polarity.Idle()}
	}

	env := effectEnv{Driver: driver, Store: store}

	var bridge *mqttBridge
	if cfg.MQTT.Enabled {
		bridge = newMQTTBridge(cfg.ToBusConfig(), state.Bus.Address, state.Bus.ControlEnabled, events, logger)
		env.Bus = bridge
		bridge.Start()
		defer bridge.Stop()
	}

	wsServer := NewServer(logger, events, ServerConfig{
		Hub: HubConfig{
			SendBuf:      cfg.WebSocket.SendBuf,
			BroadcastBuf: cfg.WebSocket.BroadcastBuf,
		},
		SnapshotTimeout: requestTimeout,
	})
	broadcasts := make(chan StateBroadcast, cfg.WebSocket.BroadcastBuf)

	g.Go(func() error {
		wsServer.Hub().Run(gctx)
		return nil
	})
	g.Go(func() error {
		RunBroadcaster(gctx, wsServer.Hub(), broadcasts, logger)
		return nil
	})

	if cfg.HTTP.Enabled {
		mux := http.NewServeMux()
		newAPIServer(events, requestTimeout, newClientRegistry(), version, logger).Register(mux)
		wsServer.Register(mux, cfg.WebSocket.Path)
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.HTTP.Port, mux, logger)
		})
	}

	if cfg.IPC.Enabled {
		g.Go(func() error {
			return runIPCServer(gctx, cfg.IPC.SocketPath, events, requestTimeout, logger)
		})
	}

	g.Go(func() error {
		runDaemon(gctx, events, env, inputs, cfg.ToArbiterConfig(), state, cfg.Loop.TickHz, broadcasts, logger)
		return nil
	})

	logger.Debug("starting stepperd", "version", version)
	logger.Debug("configuration",
		"tick_hz", cfg.Loop.TickHz,
		"mode", int(settings.Mode),
		"interval_us", cfg.Motor.IntervalUS,
		"run_duration_s", cfg.Timers.RunDurationSec,
		"inactivity_limit_s", cfg.Timers.InactivityLimitSec,
		"arbitration", cfg.Arbitration.Policy,
		"gpio_backend", cfg.GPIO.Backend,
		"buttons_backend", cfg.Buttons.Backend,
		"storage", cfg.Storage.Path)
	listenInfo := []any{"http_port", cfg.HTTP.Port, "ipc", cfg.IPC.SocketPath, "gpio", cfg.GPIO.Backend}
	if bridge != nil {
		listenInfo = append(listenInfo, "mqtt_broker", state.Bus.Address, "mqtt_control", state.Bus.ControlEnabled)
	}
	logger.Info("listening", listenInfo...)

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
