package backend

import (
	"context"
	"fmt"

	"github.com/xbusproject/xbus/auth"
	"github.com/xbusproject/xbus/backend/envelope"
	"github.com/xbusproject/xbus/model"
	"github.com/xbusproject/xbus/observability"
	"github.com/xbusproject/xbus/session"
)

// Reply codes for the event verbs.
const (
	CodeOK    = 0
	CodeError = 1
)

// EndEnvelopeResult is the reply shape of the end_envelope verb.
type EndEnvelopeResult struct {
	Success    bool   `msgpack:"success"`
	EnvelopeID string `msgpack:"envelope_id"`
	Message    string `msgpack:"message"`
}

// =============================================================================
// Authentication and registration verbs
// =============================================================================

// Login authenticates a recipient role and mints a session token. An
// empty string means refusal; the reply does not distinguish unknown
// logins from bad passwords.
func (b *Backend) Login(ctx context.Context, login, password string) string {
	role, err := b.meta.FindRoleByLogin(ctx, login)
	if err != nil {
		b.logger.Warn("login_lookup_failed", "login", login, "error", err.Error())
		return ""
	}
	if role == nil || !auth.ValidatePassword(password, role.PasswordHash) {
		return ""
	}

	token := session.NewToken()
	info := &session.Info{ID: role.ID, Login: login, ServiceID: role.ServiceID}
	if err := b.sessions.Set(ctx, token, info); err != nil {
		b.logger.Warn("session_store_failed", "login", login, "error", err.Error())
		return ""
	}
	b.logger.Info("role_logged_in", "login", login, "role_id", role.ID)
	return token
}

// Logout tears the session down and withdraws the role from the
// registry. Safe to repeat; the reply reports whether a session was
// actually deleted, so a second logout answers false.
func (b *Backend) Logout(ctx context.Context, token string) bool {
	info := b.resolveToken(ctx, token)
	if info != nil {
		b.reg.remove(info.ServiceID, info.ID)
	}
	deleted, err := b.sessions.Del(ctx, token)
	if err != nil {
		b.logger.Warn("session_delete_failed", "error", err.Error())
		return false
	}
	return deleted
}

// RegisterNode connects back to the recipient process at uri and binds
// the connection to the token's role, then marks the role ready.
func (b *Backend) RegisterNode(ctx context.Context, token, uri string) bool {
	info := b.resolveToken(ctx, token)
	if info == nil {
		return false
	}
	client, err := b.dial(ctx, uri)
	if err != nil {
		b.logger.Warn("recipient_dial_failed", "uri", uri, "role_id", info.ID, "error", err.Error())
		return false
	}
	b.reg.setClient(info.ID, client)
	b.logger.Info("node_registered", "role_id", info.ID, "uri", uri)
	return b.Ready(ctx, token)
}

// Ready marks the token's role as available for work. The role must have
// registered a node first.
func (b *Backend) Ready(ctx context.Context, token string) bool {
	info := b.resolveToken(ctx, token)
	if info == nil {
		return false
	}
	if !b.reg.markReady(info.ServiceID, info.ID) {
		b.logger.Warn("ready_without_node", "role_id", info.ID)
		return false
	}
	return true
}

// =============================================================================
// Envelope lifecycle verbs
// =============================================================================

// StartEnvelope opens an envelope. Replaying an existing id returns the
// id without touching the running envelope.
func (b *Backend) StartEnvelope(ctx context.Context, envelopeID string) string {
	b.mu.Lock()
	if _, exists := b.envelopes[envelopeID]; exists {
		b.mu.Unlock()
		return envelopeID
	}
	env := envelope.New(envelopeID, b.logger, b.stateLog, b.timeouts())
	b.envelopes[envelopeID] = env
	b.mu.Unlock()

	if err := b.stateLog.EnsureEnvelope(ctx, envelopeID, ""); err != nil {
		b.logger.Error("envelope_persist_failed", "envelope_id", envelopeID, "error", err.Error())
		b.mu.Lock()
		delete(b.envelopes, envelopeID)
		b.mu.Unlock()
		return ""
	}
	observability.RecordEnvelopeStarted()
	b.logger.Info("envelope_started", "envelope_id", envelopeID)
	return envelopeID
}

// StartEvent materializes the event graph for type typeID and schedules
// start_event on every start node. targets is accepted but unused; it
// reserves the interface for operator-driven replay.
func (b *Backend) StartEvent(ctx context.Context, envelopeID, eventID, typeID, typeName string, targets []string) (int, string) {
	_ = targets

	env := b.envelope(envelopeID)
	if env == nil {
		return CodeError, fmt.Sprintf("No such envelope: %s", envelopeID)
	}
	if env.Stopped() {
		return CodeError, fmt.Sprintf("Envelope stopped: %s", envelopeID)
	}
	if env.HasEvent(eventID) {
		return CodeError, fmt.Sprintf("Event already started: %s", eventID)
	}

	ev, err := b.materializeEvent(ctx, envelopeID, eventID, typeID, typeName)
	if err != nil {
		b.logger.Warn("event_materialize_failed",
			"envelope_id", envelopeID, "event_id", eventID, "type", typeName, "error", err.Error())
		return CodeError, err.Error()
	}
	if err := env.AddEvent(ev); err != nil {
		return CodeError, fmt.Sprintf("Event already started: %s", eventID)
	}
	if err := b.stateLog.InsertEvent(ctx, eventID, envelopeID, "", typeID); err != nil {
		b.logger.Error("event_persist_failed", "event_id", eventID, "error", err.Error())
		return CodeError, err.Error()
	}

	observability.RecordEventStarted(typeName)
	b.logger.Info("event_started",
		"envelope_id", envelopeID, "event_id", eventID, "type", typeName)
	env.ScheduleStartEvent(ev)
	return CodeOK, eventID
}

// SendItem records the item and schedules its delivery into every start
// node of the event. Returns before delivery completes.
func (b *Backend) SendItem(ctx context.Context, envelopeID, eventID string, index int, data []byte) (int, string) {
	env, ev, code, msg := b.resolveEvent(envelopeID, eventID)
	if code != CodeOK {
		return code, msg
	}
	if err := b.stateLog.InsertItem(ctx, eventID, index, data); err != nil {
		b.logger.Error("item_persist_failed", "event_id", eventID, "index", index, "error", err.Error())
		env.Stop()
		return CodeError, err.Error()
	}
	env.ScheduleSendItem(ev, index, data)
	return CodeOK, eventID
}

// EndEvent announces the item total and schedules end_event into every
// start node. Returns before the graph quiesces. The log records both
// the announced total and the count actually seen on the boundary.
func (b *Backend) EndEvent(ctx context.Context, envelopeID, eventID string, nbItems int) (int, string) {
	env, ev, code, msg := b.resolveEvent(envelopeID, eventID)
	if code != CodeOK {
		return code, msg
	}
	if err := b.stateLog.SetEventCounts(ctx, eventID, nbItems, ev.ItemsReceived()); err != nil {
		b.logger.Warn("event_counts_persist_failed", "event_id", eventID, "error", err.Error())
	}
	env.ScheduleEndEvent(ev, nbItems)
	return CodeOK, eventID
}

// EndEnvelope schedules the end-of-envelope barrier and replies
// immediately; the envelope reaches done asynchronously.
func (b *Backend) EndEnvelope(ctx context.Context, envelopeID string) EndEnvelopeResult {
	env := b.envelope(envelopeID)
	if env == nil {
		return EndEnvelopeResult{EnvelopeID: envelopeID, Message: fmt.Sprintf("No such envelope: %s", envelopeID)}
	}
	if env.Stopped() {
		return EndEnvelopeResult{EnvelopeID: envelopeID, Message: fmt.Sprintf("Envelope stopped: %s", envelopeID)}
	}
	if err := b.stateLog.SetEnvelopeState(ctx, envelopeID, model.StateWait); err != nil {
		b.logger.Warn("envelope_state_persist_failed", "envelope_id", envelopeID, "error", err.Error())
	}
	env.ScheduleEndEnvelope()
	b.reap(env)
	return EndEnvelopeResult{Success: true, EnvelopeID: envelopeID}
}

// CancelEnvelope aborts the envelope on emitter request: state canc,
// every in-flight call cut, stop_envelope pushed to every recipient.
func (b *Backend) CancelEnvelope(ctx context.Context, envelopeID string) string {
	env := b.envelope(envelopeID)
	if env == nil {
		return ""
	}
	env.Cancel()
	b.reap(env)
	b.logger.Info("envelope_cancelled", "envelope_id", envelopeID)
	return envelopeID
}

func (b *Backend) resolveEvent(envelopeID, eventID string) (*envelope.Envelope, *envelope.Event, int, string) {
	env := b.envelope(envelopeID)
	if env == nil {
		return nil, nil, CodeError, fmt.Sprintf("No such envelope: %s", envelopeID)
	}
	if env.Stopped() {
		return nil, nil, CodeError, fmt.Sprintf("Envelope stopped: %s", envelopeID)
	}
	ev := env.Event(eventID)
	if ev == nil {
		return nil, nil, CodeError, fmt.Sprintf("No such event: %s", eventID)
	}
	return env, ev, CodeOK, ""
}
