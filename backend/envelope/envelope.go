// Package envelope implements the transactional execution engine of the
// broker back-end.
//
// An Envelope owns the runtime graphs of its events and drives every
// outbound recipient call. Per-edge ordering is enforced by the node
// triggers; completion is observed through the end-of-envelope barrier;
// failure of any call aborts the whole envelope.
//
// Concurrency model: every verb handler only schedules work; the actual
// recipient calls run on goroutines spawned through the envelope, all
// derived from one cancellable context so a stop can cut every in-flight
// call at once.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xbusproject/xbus/model"
	"github.com/xbusproject/xbus/observability"
)

// Logger is the structured logger contract for this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// StateLog is the slice of the state log the engine needs: terminal state
// transitions only.
type StateLog interface {
	SetEnvelopeState(ctx context.Context, envelopeID string, state model.EnvelopeState) error
	MarkEnvelopeDone(ctx context.Context, envelopeID string) error
}

// Timeouts holds the four per-phase watchdog durations.
type Timeouts struct {
	StartEvent  time.Duration
	SendItem    time.Duration
	EndEvent    time.Duration
	EndEnvelope time.Duration
}

// persistTimeout bounds terminal state-log writes, which must not run
// under the envelope context (a stopped envelope still records its state).
const persistTimeout = 10 * time.Second

// ErrEventExists is returned when an event id is already present in the
// envelope.
var ErrEventExists = errors.New("envelope: event already started")

// Envelope is the transactional unit: a map of events, the completion
// barrier, the monotone stopped flag, and the cancellation scope wrapping
// every outbound call.
type Envelope struct {
	id       string
	logger   Logger
	stateLog StateLog
	timeouts Timeouts

	// trigger is the envelope-level barrier signal, re-armed on every
	// consumer completion.
	trigger *Trigger

	// ctx covers every outbound RPC of this envelope; cancel is the task
	// set teardown.
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	mu      sync.Mutex
	events  map[string]*Event
	stopped bool
}

// New creates an envelope in its initial (running) state.
func New(id string, logger Logger, stateLog StateLog, timeouts Timeouts) *Envelope {
	ctx, cancel := context.WithCancel(context.Background())
	return &Envelope{
		id:       id,
		logger:   logger,
		stateLog: stateLog,
		timeouts: timeouts,
		trigger:  NewTrigger(),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(map[string]*Event),
	}
}

// ID returns the envelope UUID.
func (e *Envelope) ID() string { return e.id }

// AddEvent registers a materialized event graph under its id.
func (e *Envelope) AddEvent(ev *Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.events[ev.EventID()]; exists {
		return fmt.Errorf("%w: %s", ErrEventExists, ev.EventID())
	}
	e.events[ev.EventID()] = ev
	return nil
}

// Event returns the event with the given id, or nil.
func (e *Envelope) Event(eventID string) *Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events[eventID]
}

// HasEvent reports whether the event id is already in use.
func (e *Envelope) HasEvent(eventID string) bool {
	return e.Event(eventID) != nil
}

// Events returns a snapshot of the envelope's events.
func (e *Envelope) Events() []*Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	events := make([]*Event, 0, len(e.events))
	for _, ev := range e.events {
		events = append(events, ev)
	}
	return events
}

// Stopped reports whether the envelope has been stopped or cancelled.
func (e *Envelope) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Wait blocks until every scheduled task of this envelope has returned.
// Used by shutdown and by the test suite; the verb surface never waits.
func (e *Envelope) Wait() {
	e.wg.Wait()
}

// spawn runs fn on a tracked goroutine. All pipeline fan-out goes through
// here so Wait covers the whole task tree.
func (e *Envelope) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// =============================================================================
// Scheduling surface (called by the orchestrator verbs)
// =============================================================================

// ScheduleStartEvent dispatches start_event to every start node of ev.
func (e *Envelope) ScheduleStartEvent(ev *Event) {
	for _, n := range ev.Start() {
		e.scheduleStart(n, ev)
	}
}

// ScheduleSendItem dispatches one item from the bus boundary into every
// start node. The boundary index doubles as the forward index.
func (e *Envelope) ScheduleSendItem(ev *Event, index int, data []byte) {
	ev.noteItem()
	for _, n := range ev.Start() {
		e.scheduleSendItem(n, ev, []int{index}, data, index)
	}
}

// ScheduleEndEvent dispatches end_event with the announced item total to
// every start node.
func (e *Envelope) ScheduleEndEvent(ev *Event, nbItems int) {
	for _, n := range ev.Start() {
		e.scheduleEndEvent(n, ev, nbItems)
	}
}

// ScheduleEndEnvelope dispatches the end-of-envelope barrier task.
func (e *Envelope) ScheduleEndEnvelope() {
	e.spawn(func() { e.endEnvelope() })
}

func (e *Envelope) scheduleStart(n Node, ev *Event) {
	switch n := n.(type) {
	case *WorkerNode:
		e.spawn(func() { e.workerStartEvent(n, ev) })
	case *ConsumerNode:
		e.spawn(func() { e.consumerStartEvent(n, ev) })
	}
}

func (e *Envelope) scheduleSendItem(n Node, ev *Event, indices []int, data []byte, forwardIndex int) {
	switch n := n.(type) {
	case *WorkerNode:
		e.spawn(func() { e.workerSendItem(n, ev, indices, data, forwardIndex) })
	case *ConsumerNode:
		e.spawn(func() { e.consumerSendItem(n, ev, indices, data, forwardIndex) })
	}
}

func (e *Envelope) scheduleEndEvent(n Node, ev *Event, nbItems int) {
	switch n := n.(type) {
	case *WorkerNode:
		e.spawn(func() { e.workerEndEvent(n, ev, nbItems) })
	case *ConsumerNode:
		e.spawn(func() { e.consumerEndEvent(n, ev, nbItems) })
	}
}

// =============================================================================
// End-of-envelope barrier
// =============================================================================

// endEnvelope waits for every consumer node across all events to be done,
// then fans end_envelope out: consumer calls are gathered, worker calls
// are fire-and-forget. Persists state done on all-consumer success.
func (e *Envelope) endEnvelope() bool {
	workers, consumers := e.partitionNodes()

	for {
		armed, cancelled := e.trigger.Armed()
		if cancelled || e.Stopped() {
			return false
		}
		if allDone(consumers) {
			break
		}
		select {
		case <-armed:
		case <-e.ctx.Done():
			return false
		}
	}

	// Every consumer is done: the envelope moves to exec for the closing
	// fan-out, the only state done may follow.
	func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := e.stateLog.SetEnvelopeState(ctx, e.id, model.StateExec); err != nil {
			e.logger.Warn("envelope_state_persist_failed",
				"envelope_id", e.id, "state", string(model.StateExec), "error", err.Error())
		}
	}()

	for _, n := range workers {
		n := n
		e.spawn(func() { e.workerEndEnvelope(n) })
	}

	results := make(chan bool, len(consumers))
	for _, n := range consumers {
		n := n
		e.spawn(func() { results <- e.consumerEndEnvelope(n) })
	}
	for range consumers {
		if !<-results {
			return false
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.stateLog.MarkEnvelopeDone(ctx, e.id); err != nil {
		e.logger.Error("envelope_done_persist_failed", "envelope_id", e.id, "error", err.Error())
		return false
	}
	observability.RecordEnvelopeFinished("done")
	e.logger.Info("envelope_done", "envelope_id", e.id)
	return true
}

func (e *Envelope) partitionNodes() (workers []*WorkerNode, consumers []*ConsumerNode) {
	for _, ev := range e.Events() {
		for _, n := range ev.Nodes() {
			switch n := n.(type) {
			case *WorkerNode:
				workers = append(workers, n)
			case *ConsumerNode:
				consumers = append(consumers, n)
			}
		}
	}
	return workers, consumers
}

func allDone(consumers []*ConsumerNode) bool {
	for _, n := range consumers {
		if !n.Done() {
			return false
		}
	}
	return true
}

// =============================================================================
// Stop / cancel
// =============================================================================

// Stop aborts the envelope after a recipient failure or timeout and
// persists state stop. First call wins; later calls are no-ops.
func (e *Envelope) Stop() {
	e.teardown(model.StateStop)
}

// Cancel aborts the envelope on operator request and persists state canc.
// First call wins, including against Stop.
func (e *Envelope) Cancel() {
	e.teardown(model.StateCanc)
}

func (e *Envelope) teardown(state model.EnvelopeState) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	// Cut every in-flight outbound call, then poison every wait.
	e.cancel()
	e.trigger.Cancel()
	for _, ev := range e.Events() {
		for _, n := range ev.Nodes() {
			n.cancelTrigger()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.stateLog.SetEnvelopeState(ctx, e.id, state); err != nil {
		e.logger.Error("envelope_state_persist_failed",
			"envelope_id", e.id, "state", string(state), "error", err.Error())
	}
	observability.RecordEnvelopeFinished(string(state))
	e.logger.Info("envelope_stopped", "envelope_id", e.id, "state", string(state))

	e.notifyStop()
}

// notifyStop dispatches stop_envelope to every distinct recipient of this
// envelope, best-effort, at most once per role.
func (e *Envelope) notifyStop() {
	notified := make(map[string]bool)
	for _, ev := range e.Events() {
		for _, n := range ev.Nodes() {
			switch n := n.(type) {
			case *WorkerNode:
				e.stopRecipient(notified, n.roleID, n.client)
			case *ConsumerNode:
				for i, roleID := range n.roleIDs {
					e.stopRecipient(notified, roleID, n.clients[i])
				}
			}
		}
	}
}

func (e *Envelope) stopRecipient(notified map[string]bool, roleID string, client Recipient) {
	if notified[roleID] {
		return
	}
	notified[roleID] = true
	e.spawn(func() {
		if err := client.StopEnvelope(e.id); err != nil {
			e.logger.Warn("stop_envelope_notify_failed",
				"envelope_id", e.id, "role_id", roleID, "error", err.Error())
		}
	})
}
