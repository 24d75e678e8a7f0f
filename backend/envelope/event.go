package envelope

import "sync"

// Event is the runtime DAG of one event instance. Immutable after
// materialization except for node-internal counters.
type Event struct {
	envelopeID string
	eventID    string
	typeID     string
	typeName   string

	nodes map[string]Node
	start []Node

	mu       sync.Mutex
	received int
}

// NewEvent creates an empty event graph.
func NewEvent(envelopeID, eventID, typeName, typeID string) *Event {
	return &Event{
		envelopeID: envelopeID,
		eventID:    eventID,
		typeID:     typeID,
		typeName:   typeName,
		nodes:      make(map[string]Node),
	}
}

// EventID returns the event's UUID.
func (e *Event) EventID() string { return e.eventID }

// TypeID returns the event type's UUID.
func (e *Event) TypeID() string { return e.typeID }

// TypeName returns the event type's configured name.
func (e *Event) TypeName() string { return e.typeName }

// NewWorker adds a worker node bound to one recipient.
func (e *Event) NewWorker(nodeID, roleID string, client Recipient, childIDs []string, isStart bool) *WorkerNode {
	n := &WorkerNode{
		node:     newNode(nodeID),
		roleID:   roleID,
		client:   client,
		children: childIDs,
	}
	e.addNode(n, isStart)
	return n
}

// NewConsumer adds a terminal node fanning out to every active replica.
// inactiveRoleIDs lists configured roles that were not ready.
func (e *Event) NewConsumer(nodeID string, roleIDs []string, clients []Recipient, inactiveRoleIDs []string, isStart bool) *ConsumerNode {
	n := &ConsumerNode{
		node:     newNode(nodeID),
		roleIDs:  roleIDs,
		clients:  clients,
		inactive: inactiveRoleIDs,
	}
	e.addNode(n, isStart)
	return n
}

func (e *Event) addNode(n Node, isStart bool) {
	e.nodes[n.NodeID()] = n
	if isStart {
		e.start = append(e.start, n)
	}
}

// Node returns the node with the given id, or nil.
func (e *Event) Node(id string) Node {
	return e.nodes[id]
}

// Nodes returns the full node map. Callers must not mutate it.
func (e *Event) Nodes() map[string]Node {
	return e.nodes
}

// Start returns the nodes fed directly by the bus boundary.
func (e *Event) Start() []Node {
	return e.start
}

// noteItem counts one item crossing the bus boundary into this event.
func (e *Event) noteItem() {
	e.mu.Lock()
	e.received++
	e.mu.Unlock()
}

// ItemsReceived returns how many items the emitter actually sent, as
// opposed to the total it announced on end_event.
func (e *Event) ItemsReceived() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.received
}
