package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ============================================================================
// MQTT bridge
// ============================================================================
//
// The bridge turns messages on the command topics into bus-sourced Requests and
// publishes status payloads for the daemon. It never touches daemon state: the
// control gate it keeps only decides whether it is subscribed.
//
// paho handles reconnects. Publishes and (un)subscribes are asynchronous; their
// tokens are waited on in throwaway goroutines so the daemon loop never blocks.
//
// ============================================================================

// BusConfig configures the MQTT bridge.
type BusConfig struct {
	Port              int
	ClientID          string
	ControlTopic      string
	StepTopic         string
	StatusTopic       string
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
}

type mqttBridge struct {
	cfg    BusConfig
	events chan<- Event
	logger *slog.Logger

	mu      sync.Mutex
	client  mqtt.Client
	address string
	control bool
}

func newMQTTBridge(cfg BusConfig, address string, control bool, events chan<- Event, logger *slog.Logger) *mqttBridge {
	return &mqttBridge{
		cfg:     cfg,
		events:  events,
		logger:  logger,
		address: address,
		control: control,
	}
}

// Start begins connecting in the background. It returns immediately.
func (b *mqttBridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = b.newClient(b.address)
	b.connect(b.client, b.address)
}

// Stop disconnects from the broker.
func (b *mqttBridge) Stop() {
	b.mu.Lock()
	c := b.client
	b.client = nil
	b.mu.Unlock()
	if c != nil {
		c.Disconnect(busDisconnectQuiesceMS)
	}
	b.logger.Info("mqtt bridge stopped")
}

func (b *mqttBridge) brokerURL(address string) string {
	return fmt.Sprintf("tcp://%s:%d", address, b.cfg.Port)
}

func (b *mqttBridge) newClient(address string) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(b.brokerURL(address)).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(b.cfg.ReconnectInterval).
		SetMaxReconnectInterval(b.cfg.ReconnectInterval).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("mqtt connection lost", "error", err)
		}).
		SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
			b.logger.Debug("mqtt reconnecting", "broker", b.brokerURL(address))
		})
	return mqtt.NewClient(opts)
}

func (b *mqttBridge) connect(c mqtt.Client, address string) {
	b.logger.Info("mqtt connecting", "broker", b.brokerURL(address))
	tok := c.Connect()
	go func() {
		// With ConnectRetry the token completes only on success or Disconnect.
		<-tok.Done()
		if err := tok.Error(); err != nil {
			b.logger.Warn("mqtt connect failed", "broker", b.brokerURL(address), "error", err)
		}
	}()
}

func (b *mqttBridge) onConnect(c mqtt.Client) {
	b.mu.Lock()
	control := b.control
	current := c == b.client
	b.mu.Unlock()

	if !current {
		return
	}
	b.logger.Info("mqtt connected", "control", control)
	if control {
		b.subscribe(c)
	}
}

func (b *mqttBridge) subscribe(c mqtt.Client) {
	tok := c.SubscribeMultiple(map[string]byte{
		b.cfg.ControlTopic: 0,
		b.cfg.StepTopic:    0,
	}, b.handleMessage)
	b.await(tok, "subscribe")
}

func (b *mqttBridge) unsubscribe(c mqtt.Client) {
	b.await(c.Unsubscribe(b.cfg.ControlTopic, b.cfg.StepTopic), "unsubscribe")
}

func (b *mqttBridge) await(tok mqtt.Token, op string) {
	go func() {
		if !tok.WaitTimeout(busPublishTimeout) {
			b.logger.Warn("mqtt operation timed out", "op", op)
			return
		}
		if err := tok.Error(); err != nil {
			b.logger.Warn("mqtt operation failed", "op", op, "error", err)
		}
	}()
}

// handleMessage is the paho callback for both command topics.
func (b *mqttBridge) handleMessage(_ mqtt.Client, m mqtt.Message) {
	b.mu.Lock()
	control := b.control
	b.mu.Unlock()

	if !control {
		b.logger.Debug("mqtt message ignored, control disabled", "topic", m.Topic())
		return
	}

	var it Intent
	switch m.Topic() {
	case b.cfg.StepTopic:
		it = StepOnce{}
	case b.cfg.ControlTopic:
		parsed, err := parseControlPayload(m.Payload())
		if err != nil {
			b.logger.Warn("mqtt control payload rejected", "error", err)
			return
		}
		it = parsed
	default:
		b.logger.Debug("mqtt message on unexpected topic", "topic", m.Topic())
		return
	}

	select {
	case b.events <- Request{Intent: it, Source: SourceBus}:
		b.logger.Debug("mqtt intent received", "topic", m.Topic(), "intent", it.intentName())
	default:
		b.logger.Warn("event queue full, dropping mqtt intent", "intent", it.intentName())
	}
}

// parseControlPayload maps a motor/control payload to an intent.
func parseControlPayload(payload []byte) (Intent, error) {
	cmd := strings.TrimSpace(string(payload))
	switch cmd {
	case "on":
		return Enable{}, nil
	case "off":
		return Disable{}, nil
	case "forward":
		return SetDirection{Direction: Forward}, nil
	case "reverse":
		return SetDirection{Direction: Reverse}, nil
	default:
		return nil, UnknownCommandError{Command: cmd}
	}
}

// PublishStatus publishes payload on the status topic. While disconnected the
// payload is dropped.
func (b *mqttBridge) PublishStatus(payload string) error {
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()

	if c == nil || !c.IsConnectionOpen() {
		b.logger.Debug("mqtt not connected, status dropped", "payload", payload)
		return nil
	}
	b.await(c.Publish(b.cfg.StatusTopic, 0, false, payload), "publish")
	return nil
}

// SetControl opens or closes the control gate. The connection stays up either way.
func (b *mqttBridge) SetControl(enabled bool) error {
	b.mu.Lock()
	changed := b.control != enabled
	b.control = enabled
	c := b.client
	b.mu.Unlock()

	if !changed || c == nil || !c.IsConnectionOpen() {
		// onConnect subscribes according to the gate.
		return nil
	}
	if enabled {
		b.subscribe(c)
	} else {
		b.unsubscribe(c)
	}
	return nil
}

// Reconnect replaces the client with one pointed at address.
func (b *mqttBridge) Reconnect(address string) error {
	if address == "" {
		return ValidationError{Param: "address", Reason: "empty broker address"}
	}

	b.mu.Lock()
	old := b.client
	b.address = address
	b.client = b.newClient(address)
	next := b.client
	b.mu.Unlock()

	go func() {
		if old != nil {
			old.Disconnect(busDisconnectQuiesceMS)
		}
		b.connect(next, address)
	}()
	return nil
}

// Connected reports whether the current client has an open connection.
func (b *mqttBridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil && b.client.IsConnectionOpen()
}
