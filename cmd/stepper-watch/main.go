package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// stepper-watch connects to the stepperd state feed and prints one line per
// event. With -raw it prints the frames as received.

type frame struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:8080/ws/state", "stepperd state feed URL")
		raw   = flag.Bool("raw", false, "Print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("connected! (press Ctrl+C to exit)")

	// The server pings every 20s; answer with pongs and keep the read deadline moving.
	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			printFrame(message)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

func printFrame(message []byte) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	var data map[string]any
	_ = json.Unmarshal(f.Data, &data)

	ts := "--:--:--.---"
	if f.Ts != nil {
		ts = f.Ts.Local().Format("15:04:05.000")
	}

	switch f.Type {
	case "state_init":
		pretty, _ := json.MarshalIndent(data, "", "  ")
		fmt.Printf("%s [STATE]\n%s\n", ts, string(pretty))
	case "actuator_changed":
		state := "OFF"
		if on, _ := data["enabled"].(bool); on {
			state = "ON"
		}
		fmt.Printf("%s [MOTOR] %s %v (source=%v)\n", ts, state, data["direction"], data["source"])
	case "timing_changed":
		fmt.Printf("%s [TIMING] mode=%v interval=%vus rps=%.3f run=%vs\n",
			ts, data["mode"], data["interval_us"], asFloat(data["rps"]), data["run_duration_s"])
	case "timeout_fired":
		fmt.Printf("%s [TIMEOUT] %v\n", ts, data["reason"])
	case "bus_control_changed":
		fmt.Printf("%s [MQTT] control=%v address=%v\n", ts, data["enabled"], data["address"])
	default:
		fmt.Printf("%s [%s] %s\n", ts, f.Type, string(f.Data))
	}
}

func asFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
