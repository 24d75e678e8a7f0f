package backend

import (
	"sort"
	"sync"

	"github.com/xbusproject/xbus/backend/envelope"
)

// registry tracks which recipient processes are connected and which
// roles are ready to receive work. register_node, ready and logout
// mutate it; graph materialization reads it. One lock covers all three
// maps so a reader always sees a consistent picture.
type registry struct {
	mu sync.RWMutex

	// clients maps role id to its open recipient connection.
	clients map[string]envelope.Recipient

	// ready maps service id to the set of role ids that completed the
	// register_node + ready handshake.
	ready map[string]map[string]struct{}

	// consumers maps consumer service id to every configured role id,
	// ready or not. Loaded once at startup.
	consumers map[string][]string
}

func newRegistry() *registry {
	return &registry{
		clients:   make(map[string]envelope.Recipient),
		ready:     make(map[string]map[string]struct{}),
		consumers: make(map[string][]string),
	}
}

// setClient binds a role id to an open recipient connection, replacing
// any previous one.
func (r *registry) setClient(roleID string, client envelope.Recipient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[roleID] = client
}

// client returns the connection bound to a role id, or nil.
func (r *registry) client(roleID string) envelope.Recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[roleID]
}

// markReady adds the role to its service's ready set. It fails when the
// role has no registered connection.
func (r *registry) markReady(serviceID, roleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[roleID]; !ok {
		return false
	}
	set := r.ready[serviceID]
	if set == nil {
		set = make(map[string]struct{})
		r.ready[serviceID] = set
	}
	set[roleID] = struct{}{}
	return true
}

// remove drops the role from both the connection map and its service's
// ready set. Idempotent.
func (r *registry) remove(serviceID, roleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, roleID)
	if set := r.ready[serviceID]; set != nil {
		delete(set, roleID)
	}
}

// readyRoles returns the sorted ready role ids of a service. Sorting
// makes the worker role pick deterministic.
func (r *registry) readyRoles(serviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.ready[serviceID]
	roles := make([]string, 0, len(set))
	for roleID := range set {
		roles = append(roles, roleID)
	}
	sort.Strings(roles)
	return roles
}

// setConsumers installs the configured consumer role map.
func (r *registry) setConsumers(consumers map[string][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers = consumers
}

// consumerRoles returns every configured role id of a consumer service.
func (r *registry) consumerRoles(serviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.consumers[serviceID]
}
