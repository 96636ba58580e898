package main

import (
	"sort"
	"sync"
	"time"
)

const defaultClientName = "default"

// ControllerInfo is one registered remote controller.
type ControllerInfo struct {
	MAC          string    `json:"mac"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
}

// clientRegistry tracks remote controllers that announced themselves. Registering
// an existing MAC keeps its name.
type clientRegistry struct {
	mu      sync.Mutex
	clients map[string]ControllerInfo
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[string]ControllerInfo)}
}

func (r *clientRegistry) Register(mac string, now time.Time) ControllerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[mac]; ok {
		return c
	}
	c := ControllerInfo{MAC: mac, Name: defaultClientName, RegisteredAt: now}
	r.clients[mac] = c
	return c
}

// SetName names a controller, registering it if needed.
func (r *clientRegistry) SetName(mac, name string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[mac]
	if !ok {
		c = ControllerInfo{MAC: mac, RegisteredAt: now}
	}
	c.Name = name
	r.clients[mac] = c
}

// List returns the controllers ordered by MAC.
func (r *clientRegistry) List() []ControllerInfo {
	r.mu.Lock()
	out := make([]ControllerInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

func (r *clientRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
