// Package clients tracks the application instances connected to the agent
// and delivers events to them over websockets.
package clients

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Instance is one connected application instance
type Instance struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	RemoteAddr  string

	// gorilla connections allow one concurrent writer
	writeMu    sync.Mutex
	controller string
}

// Controller returns the agent version controlling this instance, or "" when
// it connected before the current version activated
func (i *Instance) Controller() string {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	return i.controller
}

// WriteMessage writes one frame
func (i *Instance) WriteMessage(messageType int, data []byte) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	return i.Conn.WriteMessage(messageType, data)
}

// WriteJSON writes v as a text frame
func (i *Instance) WriteJSON(v any) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	return i.Conn.WriteJSON(v)
}

// Info is the public view of an instance
type Info struct {
	ID          string    `json:"id"`
	Controller  string    `json:"controller,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
}

// Registry manages connected instances
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	claimed   string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Add registers an instance. Instances that connect after a version claimed
// control are controlled by it immediately.
func (r *Registry) Add(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst.writeMu.Lock()
	inst.controller = r.claimed
	inst.writeMu.Unlock()
	r.instances[inst.ID] = inst
}

// Remove drops the instance with id, if it is still the registered one
func (r *Registry) Remove(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.instances[inst.ID]; ok && cur == inst {
		delete(r.instances, inst.ID)
	}
}

// Get retrieves an instance by id
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// All returns every registered instance
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

// Count returns the number of connected instances
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Claim makes version the controller of every open instance and of every
// instance that connects later. It returns the number of instances claimed.
func (r *Registry) Claim(version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed = version
	for _, inst := range r.instances {
		inst.writeMu.Lock()
		inst.controller = version
		inst.writeMu.Unlock()
	}
	return len(r.instances)
}

// Infos lists connected instances ordered by connection time
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.instances))
	for _, inst := range r.instances {
		inst.writeMu.Lock()
		infos = append(infos, Info{
			ID:          inst.ID,
			Controller:  inst.controller,
			ConnectedAt: inst.ConnectedAt,
			RemoteAddr:  inst.RemoteAddr,
		})
		inst.writeMu.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
