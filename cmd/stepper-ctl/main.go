package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// stepper-ctl - Command-line IPC Client
// ============================================================================
// Sends one intent to the stepperd daemon over its Unix socket and prints the
// resulting state.
//
// Usage:
//   stepper-ctl on
//   stepper-ctl direction reverse
//   stepper-ctl mode 8
//   stepper-ctl status
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/stepperd.sock)
// ============================================================================

const defaultSocketPath = "/tmp/stepperd.sock"

// ioTimeout bounds the whole request/response exchange.
const ioTimeout = 3 * time.Second

// envelope mirrors the daemon's {"type","data"} wire format.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// response is the daemon's reply. State is kept raw so it prints as sent.
type response struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

var errUsage = errors.New("usage")

func main() {
	socketPath := defaultSocketPath

	args := os.Args[1:]
	if len(args) > 0 && (args[0] == "-socket" || args[0] == "--socket") {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		return
	}

	req, err := buildRequest(args)
	if err != nil {
		if errors.Is(err, errUsage) {
			printUsage()
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}

	resp, err := send(socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(resp.State) > 0 {
		var pretty map[string]any
		if err := json.Unmarshal(resp.State, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return
		}
	}
	fmt.Println("ok")
}

// buildRequest maps command-line words to a wire envelope.
func buildRequest(args []string) (envelope, error) {
	arg := func(i int) (string, error) {
		if len(args) <= i {
			return "", fmt.Errorf("%s requires an argument", args[0])
		}
		return args[i], nil
	}
	withData := func(typ string, v any) (envelope, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return envelope{}, fmt.Errorf("marshal %s: %w", typ, err)
		}
		return envelope{Type: typ, Data: data}, nil
	}

	switch args[0] {
	case "status":
		return envelope{Type: "status"}, nil

	case "on", "enable":
		return envelope{Type: "enable"}, nil

	case "off", "disable":
		return envelope{Type: "disable"}, nil

	case "toggle":
		return envelope{Type: "toggle_direction"}, nil

	case "step":
		return envelope{Type: "step_once"}, nil

	case "direction", "dir":
		d, err := arg(1)
		if err != nil {
			return envelope{}, err
		}
		if d != "forward" && d != "reverse" {
			return envelope{}, fmt.Errorf("direction must be forward or reverse, got %q", d)
		}
		return withData("set_direction", map[string]string{"direction": d})

	case "faster", "slower":
		return withData("adjust_speed", map[string]string{"direction": args[0]})

	case "mode":
		s, err := arg(1)
		if err != nil {
			return envelope{}, err
		}
		m, err := strconv.Atoi(s)
		if err != nil {
			return envelope{}, fmt.Errorf("invalid mode: %w", err)
		}
		return withData("set_mode", map[string]int{"mode": m})

	case "duration":
		s, err := arg(1)
		if err != nil {
			return envelope{}, err
		}
		sec, err := strconv.Atoi(s)
		if err != nil {
			return envelope{}, fmt.Errorf("invalid duration: %w", err)
		}
		return withData("set_duration", map[string]int{"seconds": sec})

	case "bus-control":
		s, err := arg(1)
		if err != nil {
			return envelope{}, err
		}
		on, err := strconv.ParseBool(s)
		if err != nil {
			return envelope{}, fmt.Errorf("invalid bus-control value: %w", err)
		}
		return withData("set_bus_control", map[string]bool{"enabled": on})

	case "bus-address":
		a, err := arg(1)
		if err != nil {
			return envelope{}, err
		}
		return withData("set_bus_address", map[string]string{"address": a})

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		return envelope{}, errUsage
	}
}

func send(socketPath string, req envelope) (response, error) {
	conn, err := net.DialTimeout("unix", socketPath, ioTimeout)
	if err != nil {
		return response{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	data, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return response{}, fmt.Errorf("send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return response{}, fmt.Errorf("read response: %w", err)
	}
	var resp response
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &resp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `stepper-ctl - Control the stepperd daemon via IPC

Usage:
  stepper-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: %s)

Commands:
  status                      Print the current state
  on, enable                  Enable the motor
  off, disable                Disable the motor
  toggle                      Toggle the direction
  direction <forward|reverse> Set the direction
  faster, slower              Shorten or lengthen the pulse interval
  mode <1|8|16|32>            Set the microstep mode
  duration <seconds>          Set the run duration (1-1800)
  step                        Emit a single step pulse
  bus-control <true|false>    Accept or ignore MQTT commands
  bus-address <host>          Store a new MQTT broker address and reconnect
  help, -h, --help            Show this help message

Examples:
  stepper-ctl on
  stepper-ctl mode 16
  stepper-ctl -socket /run/stepperd.sock status
`, defaultSocketPath)
}
