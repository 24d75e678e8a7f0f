package model

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// EnvelopeState enumerates the persisted envelope lifecycle.
//
// Transitions: emit -> (canc | wait | exec) -> (done | stop | fail).
// StateFail is reserved: the enum defines it but no broker code path
// writes it.
type EnvelopeState string

const (
	StateEmit EnvelopeState = "emit"
	StateCanc EnvelopeState = "canc"
	StateWait EnvelopeState = "wait"
	StateExec EnvelopeState = "exec"
	StateDone EnvelopeState = "done"
	StateStop EnvelopeState = "stop"
	StateFail EnvelopeState = "fail"
)

// StateLog records envelope, event and item state in the database. Only
// committed transitions are durable; in-flight items are not.
type StateLog struct {
	db *sqlx.DB
}

// NewStateLog wraps an open database pool.
func NewStateLog(db *sqlx.DB) *StateLog {
	return &StateLog{db: db}
}

// EnsureEnvelope inserts the envelope row in state emit if it does not
// exist yet. Idempotent on replay. An empty emitter id is stored as NULL
// (the back-end does not always know the emitter).
func (s *StateLog) EnsureEnvelope(ctx context.Context, envelopeID, emitterID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO envelope (id, emitter_id, state, posted_date)
		VALUES ($1, $2, $3, localtimestamp)
		ON CONFLICT (id) DO NOTHING`,
		envelopeID, nullable(emitterID), StateEmit)
	if err != nil {
		return fmt.Errorf("model: ensure envelope %s: %w", envelopeID, err)
	}
	return nil
}

// SetEnvelopeState moves the envelope to the given state.
func (s *StateLog) SetEnvelopeState(ctx context.Context, envelopeID string, state EnvelopeState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE envelope SET state = $2 WHERE id = $1`, envelopeID, state)
	if err != nil {
		return fmt.Errorf("model: envelope %s state %s: %w", envelopeID, state, err)
	}
	return nil
}

// MarkEnvelopeDone moves the envelope to done and stamps the done date.
func (s *StateLog) MarkEnvelopeDone(ctx context.Context, envelopeID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE envelope
		   SET state = $2, done_date = localtimestamp
		 WHERE id = $1`, envelopeID, StateDone)
	if err != nil {
		return fmt.Errorf("model: envelope %s done: %w", envelopeID, err)
	}
	return nil
}

// InsertEvent records a started event under its envelope.
func (s *StateLog) InsertEvent(ctx context.Context, eventID, envelopeID, emitterID, typeID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event (id, envelope_id, emitter_id, type_id, started_date)
		VALUES ($1, $2, $3, $4, localtimestamp)
		ON CONFLICT (id) DO NOTHING`,
		eventID, envelopeID, nullable(emitterID), typeID)
	if err != nil {
		return fmt.Errorf("model: insert event %s: %w", eventID, err)
	}
	return nil
}

// SetEventCounts records the announced and forwarded item counts.
func (s *StateLog) SetEventCounts(ctx context.Context, eventID string, estimated, sent int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event
		   SET estimated_items = $2, sent_items = $3, done_date = localtimestamp
		 WHERE id = $1`, eventID, estimated, sent)
	if err != nil {
		return fmt.Errorf("model: event %s counts: %w", eventID, err)
	}
	return nil
}

// InsertItem records one item payload under (event, index).
func (s *StateLog) InsertItem(ctx context.Context, eventID string, index int, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item (event_id, index, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, index) DO UPDATE SET data = EXCLUDED.data`,
		eventID, index, data)
	if err != nil {
		return fmt.Errorf("model: insert item %s/%d: %w", eventID, index, err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// RecordInactiveConsumer notes that a configured consumer role was not
// ready when an event's graph was materialized. Operators use these rows
// to drive replays; the broker itself attaches no behavior to them.
func (s *StateLog) RecordInactiveConsumer(ctx context.Context, eventID, nodeID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_consumer_inactive_rel (event_id, node_id, role_id, was_unavailable)
		VALUES ($1, $2, $3, TRUE)`,
		eventID, nodeID, roleID)
	if err != nil {
		return fmt.Errorf("model: inactive consumer %s/%s: %w", eventID, roleID, err)
	}
	return nil
}
