// Package testutil provides in-memory fakes for the broker test suites:
// a call-recording recipient, a state log sink, and a session store.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/xbusproject/xbus/model"
	"github.com/xbusproject/xbus/session"
	"github.com/xbusproject/xbus/xbusrpc"
)

// Call is one recorded outbound call.
type Call struct {
	Verb       string
	EnvelopeID string
	EventID    string
	Indices    []int
	Data       []byte
}

// MockRecipient records every call and answers from a configurable
// script. The zero value accepts everything and echoes nothing.
type MockRecipient struct {
	mu    sync.Mutex
	calls []Call

	// Replies maps an item payload to the reply pairs returned for it.
	// Payloads not in the map are acknowledged without output.
	Replies map[string][]xbusrpc.ItemReply

	// FailVerb makes the named verb return an error.
	FailVerb string
	// RefuseVerb makes the named verb answer false.
	RefuseVerb string
	// Delay is imposed before every call completes.
	Delay time.Duration
}

// NewMockRecipient returns an accept-all recipient.
func NewMockRecipient() *MockRecipient {
	return &MockRecipient{}
}

func (m *MockRecipient) record(c Call) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

// Calls returns a snapshot of the recorded calls in arrival order.
func (m *MockRecipient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor returns the recorded calls for one verb.
func (m *MockRecipient) CallsFor(verb string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Verb == verb {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockRecipient) answer(ctx context.Context, verb string) (bool, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if m.FailVerb == verb {
		return false, &xbusrpc.CallError{Verb: verb, Message: "scripted failure"}
	}
	if m.RefuseVerb == verb {
		return false, nil
	}
	return true, nil
}

func (m *MockRecipient) StartEvent(ctx context.Context, envelopeID, eventID, typeName string) (bool, error) {
	m.record(Call{Verb: xbusrpc.VerbStartEvent, EnvelopeID: envelopeID, EventID: eventID})
	return m.answer(ctx, xbusrpc.VerbStartEvent)
}

func (m *MockRecipient) SendItem(ctx context.Context, envelopeID, eventID string, indices []int, data []byte) ([]xbusrpc.ItemReply, bool, error) {
	m.record(Call{
		Verb:       xbusrpc.VerbSendItem,
		EnvelopeID: envelopeID,
		EventID:    eventID,
		Indices:    append([]int(nil), indices...),
		Data:       append([]byte(nil), data...),
	})
	ok, err := m.answer(ctx, xbusrpc.VerbSendItem)
	if err != nil || !ok {
		return nil, ok, err
	}
	m.mu.Lock()
	replies := m.Replies[string(data)]
	m.mu.Unlock()
	return replies, true, nil
}

func (m *MockRecipient) EndEvent(ctx context.Context, envelopeID, eventID string) (bool, error) {
	m.record(Call{Verb: xbusrpc.VerbEndEvent, EnvelopeID: envelopeID, EventID: eventID})
	return m.answer(ctx, xbusrpc.VerbEndEvent)
}

func (m *MockRecipient) EndEnvelope(ctx context.Context, envelopeID string) (bool, error) {
	m.record(Call{Verb: xbusrpc.VerbEndEnvelope, EnvelopeID: envelopeID})
	return m.answer(ctx, xbusrpc.VerbEndEnvelope)
}

func (m *MockRecipient) StopEnvelope(envelopeID string) error {
	m.record(Call{Verb: xbusrpc.VerbStopEnvelope, EnvelopeID: envelopeID})
	return nil
}

// =============================================================================
// State log sink
// =============================================================================

// StateLogSink records envelope state transitions in memory.
type StateLogSink struct {
	mu     sync.Mutex
	states map[string][]model.EnvelopeState
}

// NewStateLogSink returns an empty sink.
func NewStateLogSink() *StateLogSink {
	return &StateLogSink{states: make(map[string][]model.EnvelopeState)}
}

func (s *StateLogSink) push(envelopeID string, state model.EnvelopeState) {
	s.mu.Lock()
	s.states[envelopeID] = append(s.states[envelopeID], state)
	s.mu.Unlock()
}

func (s *StateLogSink) SetEnvelopeState(ctx context.Context, envelopeID string, state model.EnvelopeState) error {
	s.push(envelopeID, state)
	return nil
}

func (s *StateLogSink) MarkEnvelopeDone(ctx context.Context, envelopeID string) error {
	s.push(envelopeID, model.StateDone)
	return nil
}

// States returns the recorded transitions of one envelope, in order.
func (s *StateLogSink) States(envelopeID string) []model.EnvelopeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.EnvelopeState(nil), s.states[envelopeID]...)
}

// Last returns the most recent state of one envelope, or "".
func (s *StateLogSink) Last(envelopeID string) model.EnvelopeState {
	states := s.States(envelopeID)
	if len(states) == 0 {
		return ""
	}
	return states[len(states)-1]
}

// =============================================================================
// Session store
// =============================================================================

// MemoryStore is a map-backed session.Store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]session.Info
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]session.Info)}
}

func (s *MemoryStore) Set(ctx context.Context, token string, info *session.Info) error {
	s.mu.Lock()
	s.sessions[token] = *info
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, token string) (*session.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessions[token]
	if !ok {
		return nil, nil
	}
	return &info, nil
}

func (s *MemoryStore) Del(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[token]
	delete(s.sessions, token)
	return ok, nil
}

// =============================================================================
// Logger
// =============================================================================

// NopLogger discards everything. It satisfies the Logger contract of
// every broker package.
type NopLogger struct{}

func (NopLogger) Debug(msg string, keysAndValues ...any) {}
func (NopLogger) Info(msg string, keysAndValues ...any)  {}
func (NopLogger) Warn(msg string, keysAndValues ...any)  {}
func (NopLogger) Error(msg string, keysAndValues ...any) {}
