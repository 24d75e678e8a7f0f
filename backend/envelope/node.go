package envelope

import (
	"context"
	"sync"

	"github.com/xbusproject/xbus/xbusrpc"
)

// Recipient is the transport-level contract of one remote worker or
// consumer process. *xbusrpc.RecipientClient implements it; tests
// substitute call-recording mocks.
type Recipient interface {
	StartEvent(ctx context.Context, envelopeID, eventID, typeName string) (bool, error)
	SendItem(ctx context.Context, envelopeID, eventID string, indices []int, data []byte) ([]xbusrpc.ItemReply, bool, error)
	EndEvent(ctx context.Context, envelopeID, eventID string) (bool, error)
	EndEnvelope(ctx context.Context, envelopeID string) (bool, error)
	StopEnvelope(envelopeID string) error
}

// Node is one position in an event's execution graph. The two concrete
// kinds are *WorkerNode and *ConsumerNode.
type Node interface {
	NodeID() string
	IsConsumer() bool

	cancelTrigger()
}

// node carries the ordering state every graph position shares.
//
// recv counts parent items this node has consumed (-1 until start_event
// succeeds); sent counts items forwarded to children. A task that must run
// at forward index k blocks in waitTrigger until recv reaches k.
type node struct {
	id string

	mu      sync.Mutex
	sent    int
	recv    int
	done    bool
	trigger *Trigger
}

func newNode(id string) node {
	return node{
		id:      id,
		recv:    -1,
		trigger: NewTrigger(),
	}
}

// NodeID returns the node's metadata id.
func (n *node) NodeID() string { return n.id }

// Sent returns the number of items forwarded to children so far.
func (n *node) Sent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

// Recv returns the number of parent items consumed so far.
func (n *node) Recv() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.recv
}

// Done reports whether the node finished its event.
func (n *node) Done() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.done
}

// waitTrigger blocks until recv reaches index, the trigger is cancelled,
// or ctx expires. It reports true only when the index was reached.
// The arm is snapshotted before reading recv so an advance racing with
// the check still wakes this waiter.
func (n *node) waitTrigger(ctx context.Context, index int) bool {
	for {
		armed, cancelled := n.trigger.Armed()
		if cancelled {
			return false
		}
		n.mu.Lock()
		recv := n.recv
		n.mu.Unlock()
		if recv >= index {
			return true
		}
		select {
		case <-armed:
		case <-ctx.Done():
			return false
		}
	}
}

// markStarted records a successful start_event: consumption may begin at
// index 0. Start has no index semantics, so recv jumps to 0 without
// counting an item.
func (n *node) markStarted() {
	n.mu.Lock()
	n.recv = 0
	n.mu.Unlock()
	n.trigger.Signal()
}

// advance records one consumed item and wakes waiters.
func (n *node) advance() {
	n.mu.Lock()
	n.recv++
	n.mu.Unlock()
	n.trigger.Signal()
}

// nextSent returns the forward index for the next emission and bumps the
// counter.
func (n *node) nextSent() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := n.sent
	n.sent++
	return s
}

func (n *node) markDone() {
	n.mu.Lock()
	n.done = true
	n.mu.Unlock()
}

func (n *node) cancelTrigger() {
	n.trigger.Cancel()
}

// =============================================================================
// Worker nodes
// =============================================================================

// WorkerNode transforms items: one selected role, one client, an ordered
// list of child node ids.
type WorkerNode struct {
	node

	roleID   string
	client   Recipient
	children []string
}

// IsConsumer reports false: workers forward downstream.
func (n *WorkerNode) IsConsumer() bool { return false }

// RoleID returns the role selected for this node at event start.
func (n *WorkerNode) RoleID() string { return n.roleID }

// Children returns the ordered child node ids.
func (n *WorkerNode) Children() []string { return n.children }

// =============================================================================
// Consumer nodes
// =============================================================================

// ConsumerNode is terminal: every active replica of the service receives
// every call, and the node is done once all replicas acknowledged
// end_event.
type ConsumerNode struct {
	node

	roleIDs  []string
	clients  []Recipient
	inactive []string
}

// IsConsumer reports true.
func (n *ConsumerNode) IsConsumer() bool { return true }

// RoleIDs returns the replica role ids bound at event start.
func (n *ConsumerNode) RoleIDs() []string { return n.roleIDs }

// InactiveRoleIDs returns the configured roles that were not ready when
// the graph was materialized. Recorded for operator-driven replay; no
// broker behavior attaches to them.
func (n *ConsumerNode) InactiveRoleIDs() []string { return n.inactive }
