// Package backend implements the orchestration core of the bus: the verb
// surface facing the front and the recipients, the recipient registry,
// and graph materialization. The per-envelope execution itself lives in
// backend/envelope.
package backend

import (
	"context"
	"sync"

	"github.com/xbusproject/xbus/backend/envelope"
	"github.com/xbusproject/xbus/config"
	"github.com/xbusproject/xbus/model"
	"github.com/xbusproject/xbus/session"
)

// Logger is the structured logger contract for this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Metadata is the slice of the metadata store the orchestrator reads.
// *model.Metadata implements it.
type Metadata interface {
	FindRoleByLogin(ctx context.Context, login string) (*model.Role, error)
	EventTree(ctx context.Context, typeID string) ([]model.EventTreeRow, error)
	ConsumerRoles(ctx context.Context) (map[string][]string, error)
}

// StateLog is the full state-log surface the orchestrator writes.
// *model.StateLog implements it.
type StateLog interface {
	EnsureEnvelope(ctx context.Context, envelopeID, emitterID string) error
	SetEnvelopeState(ctx context.Context, envelopeID string, state model.EnvelopeState) error
	MarkEnvelopeDone(ctx context.Context, envelopeID string) error
	InsertEvent(ctx context.Context, eventID, envelopeID, emitterID, typeID string) error
	SetEventCounts(ctx context.Context, eventID string, estimated, sent int) error
	InsertItem(ctx context.Context, eventID string, index int, data []byte) error
	RecordInactiveConsumer(ctx context.Context, eventID, nodeID, roleID string) error
}

// Dialer opens a recipient connection from the URI a node registered
// with. Production uses xbusrpc.ConnectRecipient; tests inject mocks.
type Dialer func(ctx context.Context, uri string) (envelope.Recipient, error)

// Backend is the orchestrator: one per process, owned by the serving
// loop. All verb handlers are methods on it.
type Backend struct {
	logger   Logger
	cfg      *config.Config
	meta     Metadata
	stateLog StateLog
	sessions session.Store
	dial     Dialer
	reg      *registry

	mu        sync.Mutex
	envelopes map[string]*envelope.Envelope
}

// New assembles an orchestrator around its stores.
func New(logger Logger, cfg *config.Config, meta Metadata, stateLog StateLog, sessions session.Store, dial Dialer) *Backend {
	return &Backend{
		logger:    logger,
		cfg:       cfg,
		meta:      meta,
		stateLog:  stateLog,
		sessions:  sessions,
		dial:      dial,
		reg:       newRegistry(),
		envelopes: make(map[string]*envelope.Envelope),
	}
}

// InitConsumers loads the configured consumer-service role map from
// metadata. Must run before the back-end starts accepting events.
func (b *Backend) InitConsumers(ctx context.Context) error {
	consumers, err := b.meta.ConsumerRoles(ctx)
	if err != nil {
		return err
	}
	b.reg.setConsumers(consumers)
	b.logger.Info("consumers_loaded", "services", len(consumers))
	return nil
}

// timeouts translates the configured per-phase durations.
func (b *Backend) timeouts() envelope.Timeouts {
	return envelope.Timeouts{
		StartEvent:  b.cfg.Timeouts.StartEvent,
		SendItem:    b.cfg.Timeouts.SendItem,
		EndEvent:    b.cfg.Timeouts.EndEvent,
		EndEnvelope: b.cfg.Timeouts.EndEnvelope,
	}
}

// envelope returns the in-flight envelope with the given id, or nil.
func (b *Backend) envelope(envelopeID string) *envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.envelopes[envelopeID]
}

// reap removes the envelope from the in-flight map once its task tree
// has drained.
func (b *Backend) reap(env *envelope.Envelope) {
	go func() {
		env.Wait()
		b.mu.Lock()
		if b.envelopes[env.ID()] == env {
			delete(b.envelopes, env.ID())
		}
		b.mu.Unlock()
	}()
}

// resolveToken loads the session behind a token. Any failure resolves to
// nil; the verbs translate that to their "no" value.
func (b *Backend) resolveToken(ctx context.Context, token string) *session.Info {
	if token == "" {
		return nil
	}
	info, err := b.sessions.Get(ctx, token)
	if err != nil {
		b.logger.Warn("session_lookup_failed", "error", err.Error())
		return nil
	}
	return info
}
