package envelope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xbusproject/xbus/observability"
	"github.com/xbusproject/xbus/xbusrpc"
)

// errRefused marks a recipient that answered the call with a refusal
// instead of a transport error.
var errRefused = errors.New("recipient refused the call")

// =============================================================================
// Worker pipeline
// =============================================================================

// workerStartEvent announces the event to the worker and, on acceptance,
// opens the node for consumption and starts its children. Start has no
// trigger to wait on, so the stopped flag is checked here; the other
// pipeline phases get the same guarantee from their poisoned triggers.
func (e *Envelope) workerStartEvent(n *WorkerNode, ev *Event) {
	if e.Stopped() {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.timeouts.StartEvent)
	defer cancel()

	begin := time.Now()
	ok, err := n.client.StartEvent(ctx, e.id, ev.EventID(), ev.TypeName())
	if err == nil && !ok {
		err = errRefused
	}
	e.observeCall(xbusrpc.VerbStartEvent, begin, err)
	if err != nil {
		e.abort(xbusrpc.VerbStartEvent, n.NodeID(), err)
		return
	}

	n.markStarted()
	for _, childID := range n.Children() {
		e.scheduleStart(ev.Node(childID), ev)
	}
}

// workerSendItem delivers one item to the worker in forward order, then
// fans the reply pairs out to the node's children. Each pair gets the
// next forward index of this node, shared by all children.
func (e *Envelope) workerSendItem(n *WorkerNode, ev *Event, indices []int, data []byte, forwardIndex int) {
	if !n.waitTrigger(e.ctx, forwardIndex) {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.timeouts.SendItem)
	defer cancel()

	begin := time.Now()
	replies, ok, err := n.client.SendItem(ctx, e.id, ev.EventID(), indices, data)
	if err == nil && !ok {
		err = errRefused
	}
	e.observeCall(xbusrpc.VerbSendItem, begin, err)
	if err != nil {
		e.abort(xbusrpc.VerbSendItem, n.NodeID(), err)
		return
	}

	for _, reply := range replies {
		fwd := n.nextSent()
		for _, childID := range n.Children() {
			observability.RecordItemForwarded()
			e.scheduleSendItem(ev.Node(childID), ev, reply.Indices, reply.Data, fwd)
		}
	}
	n.advance()
}

// workerEndEvent waits for the node to have consumed the announced item
// total, closes the event on the worker, then propagates end_event to the
// children with this node's own emission count.
func (e *Envelope) workerEndEvent(n *WorkerNode, ev *Event, nbItems int) {
	if !n.waitTrigger(e.ctx, nbItems) {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.timeouts.EndEvent)
	defer cancel()

	begin := time.Now()
	ok, err := n.client.EndEvent(ctx, e.id, ev.EventID())
	if err == nil && !ok {
		err = errRefused
	}
	e.observeCall(xbusrpc.VerbEndEvent, begin, err)
	if err != nil {
		e.abort(xbusrpc.VerbEndEvent, n.NodeID(), err)
		return
	}

	n.markDone()
	sent := n.Sent()
	for _, childID := range n.Children() {
		e.scheduleEndEvent(ev.Node(childID), ev, sent)
	}
}

// workerEndEnvelope closes the envelope on a worker. The envelope is
// already complete from the consumers' point of view, so a failure here
// is logged but does not abort.
func (e *Envelope) workerEndEnvelope(n *WorkerNode) {
	ctx, cancel := context.WithTimeout(e.ctx, e.timeouts.EndEnvelope)
	defer cancel()

	begin := time.Now()
	ok, err := n.client.EndEnvelope(ctx, e.id)
	if err == nil && !ok {
		err = errRefused
	}
	e.observeCall(xbusrpc.VerbEndEnvelope, begin, err)
	if err != nil {
		e.logger.Warn("worker_end_envelope_failed",
			"envelope_id", e.id, "node_id", n.NodeID(), "error", err.Error())
	}
}

// =============================================================================
// Consumer pipeline
// =============================================================================

// consumerStartEvent announces the event to every active replica. All
// replicas must accept. Like the worker side, the stopped flag is
// checked up front because start waits on no trigger.
func (e *Envelope) consumerStartEvent(n *ConsumerNode, ev *Event) {
	if e.Stopped() {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.timeouts.StartEvent)
	defer cancel()

	begin := time.Now()
	err := fanOut(ctx, n, func(ctx context.Context, client Recipient) (bool, error) {
		return client.StartEvent(ctx, e.id, ev.EventID(), ev.TypeName())
	})
	e.observeCall(xbusrpc.VerbStartEvent, begin, err)
	if err != nil {
		e.abort(xbusrpc.VerbStartEvent, n.NodeID(), err)
		return
	}

	n.markStarted()
}

// consumerSendItem delivers one item to every active replica in forward
// order.
func (e *Envelope) consumerSendItem(n *ConsumerNode, ev *Event, indices []int, data []byte, forwardIndex int) {
	if !n.waitTrigger(e.ctx, forwardIndex) {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.timeouts.SendItem)
	defer cancel()

	begin := time.Now()
	err := fanOut(ctx, n, func(ctx context.Context, client Recipient) (bool, error) {
		_, ok, err := client.SendItem(ctx, e.id, ev.EventID(), indices, data)
		return ok, err
	})
	e.observeCall(xbusrpc.VerbSendItem, begin, err)
	if err != nil {
		e.abort(xbusrpc.VerbSendItem, n.NodeID(), err)
		return
	}

	n.advance()
}

// consumerEndEvent waits for the announced item total, closes the event
// on every replica, marks the node done, and signals the completion
// barrier.
func (e *Envelope) consumerEndEvent(n *ConsumerNode, ev *Event, nbItems int) {
	if !n.waitTrigger(e.ctx, nbItems) {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.timeouts.EndEvent)
	defer cancel()

	begin := time.Now()
	err := fanOut(ctx, n, func(ctx context.Context, client Recipient) (bool, error) {
		return client.EndEvent(ctx, e.id, ev.EventID())
	})
	e.observeCall(xbusrpc.VerbEndEvent, begin, err)
	if err != nil {
		e.abort(xbusrpc.VerbEndEvent, n.NodeID(), err)
		return
	}

	n.markDone()
	e.trigger.Signal()
}

// consumerEndEnvelope closes the envelope on every replica. Unlike the
// worker side, a failure here aborts: the consumers define whether the
// envelope is done.
func (e *Envelope) consumerEndEnvelope(n *ConsumerNode) bool {
	ctx, cancel := context.WithTimeout(e.ctx, e.timeouts.EndEnvelope)
	defer cancel()

	begin := time.Now()
	err := fanOut(ctx, n, func(ctx context.Context, client Recipient) (bool, error) {
		return client.EndEnvelope(ctx, e.id)
	})
	e.observeCall(xbusrpc.VerbEndEnvelope, begin, err)
	if err != nil {
		e.abort(xbusrpc.VerbEndEnvelope, n.NodeID(), err)
		return false
	}
	return true
}

// fanOut runs one call against every replica of a consumer node and
// fails on the first error or refusal.
func fanOut(ctx context.Context, n *ConsumerNode, call func(ctx context.Context, client Recipient) (bool, error)) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range n.clients {
		i := i
		g.Go(func() error {
			ok, err := call(ctx, n.clients[i])
			if err != nil {
				return fmt.Errorf("role %s: %w", n.roleIDs[i], err)
			}
			if !ok {
				return fmt.Errorf("role %s: %w", n.roleIDs[i], errRefused)
			}
			return nil
		})
	}
	return g.Wait()
}

// =============================================================================
// Failure handling
// =============================================================================

// observeCall records metrics for one outbound call (or one consumer
// fan-out, counted once).
func (e *Envelope) observeCall(verb string, begin time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, errRefused):
		status = "refused"
	case err != nil:
		status = "error"
	}
	observability.RecordRecipientCall(verb, status, time.Since(begin).Seconds())
}

// abort stops the envelope after a failed call. Context cancellation
// means a teardown is already in flight, in which case there is nothing
// left to do.
func (e *Envelope) abort(verb, nodeID string, err error) {
	if errors.Is(err, context.Canceled) || e.Stopped() {
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		observability.RecordPhaseTimeout(verb)
	}
	e.logger.Error("recipient_call_failed",
		"envelope_id", e.id, "node_id", nodeID, "verb", verb, "error", err.Error())
	e.Stop()
}
