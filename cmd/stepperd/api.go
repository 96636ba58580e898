package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// HTTP control API
// ============================================================================
// Every write goes through the daemon loop as a network-sourced Request and
// waits for the reducer's verdict. Reads use state snapshots from the loop.
// ============================================================================

type apiServer struct {
	events  chan<- Event
	timeout time.Duration
	clients *clientRegistry
	version string
	logger  *slog.Logger

	// identity reports the host's address pair for /api/device_info.
	identity func() (ip, mac string)
}

func newAPIServer(events chan<- Event, timeout time.Duration, clients *clientRegistry, version string, logger *slog.Logger) *apiServer {
	if clients == nil {
		clients = newClientRegistry()
	}
	return &apiServer{
		events:   events,
		timeout:  timeout,
		clients:  clients,
		version:  version,
		logger:   logger,
		identity: hostIdentity,
	}
}

// Register registers the API routes on mux.
func (a *apiServer) Register(mux *http.ServeMux) {
	simple := func(it Intent, msg string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, ok := a.do(w, r, it); ok {
				writeText(w, msg)
			}
		}
	}

	mux.HandleFunc("/motor/on", simple(Enable{}, "Motor enabled"))
	mux.HandleFunc("/motor/off", simple(Disable{}, "Motor disabled"))
	mux.HandleFunc("/motor/direction", a.handleDirection)
	mux.HandleFunc("/motor/speed_up", simple(AdjustSpeed{Direction: Faster}, "Motor speed increased"))
	mux.HandleFunc("/motor/slow_down", simple(AdjustSpeed{Direction: Slower}, "Motor speed decreased"))
	mux.HandleFunc("/motor/step_once", simple(StepOnce{}, "Step motor once executed"))

	mux.HandleFunc("/api/step_once", a.handleAPIStepOnce)
	mux.HandleFunc("/api/motor", a.handleMotorCommand)
	mux.HandleFunc("/api/set_motor_duration", a.handleSetDuration)
	mux.HandleFunc("/api/set_microstep", a.handleSetMicrostep)
	mux.HandleFunc("/api/get_microstep", a.handleGetMicrostep)
	mux.HandleFunc("/api/mqtt_control", a.handleBusControl)
	mux.HandleFunc("/api/set_mqtt", a.handleSetBusAddress)
	mux.HandleFunc("/api/device_info", a.handleDeviceInfo)
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/version", a.handleVersion)
	mux.HandleFunc("/api/register", a.handleRegister)
	mux.HandleFunc("/clients", a.handleClients)
	mux.HandleFunc("/api/set_client_name", a.handleSetClientName)
}

// do submits it and writes an error response on failure.
func (a *apiServer) do(w http.ResponseWriter, r *http.Request, it Intent) (IntentResult, bool) {
	res, err := sendIntent(r.Context(), a.events, it, SourceNetwork, a.timeout)
	if err != nil {
		a.logger.Warn("http intent not delivered", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return res, false
	}
	if res.Err != nil {
		a.logger.Debug("http intent rejected", "path", r.URL.Path, "error", res.Err)
		writeIntentError(w, res.Err)
		return res, false
	}
	return res, true
}

func writeIntentError(w http.ResponseWriter, err error) {
	var ve ValidationError
	var ue UnknownCommandError
	switch {
	case errors.As(err, &ve), errors.As(err, &ue):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeText(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, msg)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, param, reason string) {
	http.Error(w, ValidationError{Param: param, Reason: reason}.Error(), http.StatusBadRequest)
}

func directionText(d string) string {
	if d == Reverse.String() {
		return "Motor reverse"
	}
	return "Motor forward"
}

func (a *apiServer) handleDirection(w http.ResponseWriter, r *http.Request) {
	res, ok := a.do(w, r, ToggleDirection{})
	if !ok {
		return
	}
	writeText(w, directionText(res.Snapshot.Direction))
}

func (a *apiServer) handleAPIStepOnce(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.do(w, r, StepOnce{}); !ok {
		return
	}
	writeJSON(w, map[string]any{"result": true, "msg": "step once ok"})
}

func (a *apiServer) handleMotorCommand(w http.ResponseWriter, r *http.Request) {
	cmd := r.URL.Query().Get("command")
	var (
		it  Intent
		msg string
	)
	switch cmd {
	case "":
		badRequest(w, "command", "missing command parameter")
		return
	case "on":
		it, msg = Enable{}, "Motor enabled"
	case "off":
		it, msg = Disable{}, "Motor disabled"
	case "forward":
		it, msg = SetDirection{Direction: Forward}, "Motor forward"
	case "reverse":
		it, msg = SetDirection{Direction: Reverse}, "Motor reverse"
	default:
		http.Error(w, UnknownCommandError{Command: cmd}.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := a.do(w, r, it); ok {
		writeText(w, msg)
	}
}

func (a *apiServer) handleSetDuration(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("duration")
	if raw == "" {
		badRequest(w, "duration", "missing duration parameter")
		return
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(w, "duration", fmt.Sprintf("invalid duration %q", raw))
		return
	}
	if _, ok := a.do(w, r, SetDuration{Seconds: secs}); ok {
		writeText(w, "Motor run duration updated")
	}
}

func (a *apiServer) handleSetMicrostep(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("mode")
	if raw == "" {
		badRequest(w, "mode", "missing mode parameter")
		return
	}
	mode, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(w, "mode", fmt.Sprintf("invalid microstep mode %q", raw))
		return
	}
	if _, ok := a.do(w, r, SetMode{Mode: mode}); ok {
		writeText(w, "Microstep mode switched")
	}
}

func (a *apiServer) handleGetMicrostep(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]int{"mode": snap.Mode})
}

func (a *apiServer) handleBusControl(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("enable")
	var enable bool
	switch raw {
	case "":
		badRequest(w, "enable", "missing parameter")
		return
	case "true":
		enable = true
	case "false":
		enable = false
	default:
		badRequest(w, "enable", fmt.Sprintf("invalid parameter %q", raw))
		return
	}
	if _, ok := a.do(w, r, SetBusControl{Enabled: enable}); !ok {
		return
	}
	if enable {
		writeText(w, "MQTT control enabled")
	} else {
		writeText(w, "MQTT control disabled")
	}
}

func (a *apiServer) handleSetBusAddress(w http.ResponseWriter, r *http.Request) {
	if !r.URL.Query().Has("address") {
		badRequest(w, "address", "missing address parameter")
		return
	}
	if _, ok := a.do(w, r, SetBusAddress{Address: r.URL.Query().Get("address")}); ok {
		writeText(w, "MQTT address updated")
	}
}

func (a *apiServer) snapshot(w http.ResponseWriter, r *http.Request) (StateSnapshot, bool) {
	snap, err := requestSnapshot(r.Context(), a.events, a.timeout)
	if err != nil {
		a.logger.Warn("http snapshot request failed", "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return snap, false
	}
	return snap, true
}

// deviceInfo is the /api/device_info payload.
type deviceInfo struct {
	IP            string `json:"ip"`
	MAC           string `json:"mac"`
	Version       string `json:"version"`
	OnlineClients int    `json:"onlineClients"`

	Enabled        bool    `json:"enabled"`
	Direction      string  `json:"direction"`
	Mode           int     `json:"mode"`
	IntervalMicros uint32  `json:"interval_us"`
	RPS            float64 `json:"rps"`
	RunDurationSec int     `json:"run_duration_s"`
	BusControl     bool    `json:"bus_control"`
	BusAddress     string  `json:"bus_address"`
}

func (a *apiServer) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	ip, mac := a.identity()
	writeJSON(w, deviceInfo{
		IP:             ip,
		MAC:            mac,
		Version:        a.version,
		OnlineClients:  a.clients.Len(),
		Enabled:        snap.Enabled,
		Direction:      snap.Direction,
		Mode:           snap.Mode,
		IntervalMicros: snap.IntervalMicros,
		RPS:            snap.RevolutionsPerSec,
		RunDurationSec: snap.RunDurationSec,
		BusControl:     snap.BusControlEnabled,
		BusAddress:     snap.BusAddress,
	})
}

func (a *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.snapshot(w, r)
	if !ok {
		return
	}
	writeJSON(w, snap)
}

func (a *apiServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeText(w, "Firmware Version: "+a.version)
}

func (a *apiServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	mac := strings.TrimSpace(r.URL.Query().Get("mac"))
	if mac == "" {
		mac = remoteHost(r.RemoteAddr)
	}
	c := a.clients.Register(mac, time.Now())
	a.logger.Info("controller registered", "mac", c.MAC, "name", c.Name)
	writeText(w, "Controller registered")
}

func (a *apiServer) handleClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.clients.List())
}

func (a *apiServer) handleSetClientName(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mac, name := strings.TrimSpace(q.Get("mac")), strings.TrimSpace(q.Get("name"))
	if mac == "" || name == "" {
		badRequest(w, "mac", "missing mac or name parameter")
		return
	}
	a.clients.SetName(mac, name, time.Now())
	writeText(w, "Client name updated")
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// hostIdentity returns the first non-loopback IPv4 address and its interface's MAC.
func hostIdentity() (ip, mac string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ""
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.To4() == nil {
				continue
			}
			return ipn.IP.String(), ifc.HardwareAddr.String()
		}
	}
	return "", ""
}
