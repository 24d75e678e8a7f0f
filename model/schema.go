package model

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaStatements creates the metadata and state-log tables. Statements
// are ordered so foreign keys resolve; all are idempotent.
var schemaStatements = []string{
	`DO $$ BEGIN
		CREATE TYPE envelope_state AS ENUM
			('emit', 'canc', 'wait', 'exec', 'done', 'stop', 'fail');
	EXCEPTION WHEN duplicate_object THEN NULL;
	END $$`,

	`CREATE TABLE IF NOT EXISTS emitter_profile (
		id UUID PRIMARY KEY,
		name VARCHAR(64) NOT NULL UNIQUE,
		description TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS emitter (
		id UUID PRIMARY KEY,
		login VARCHAR(64) NOT NULL UNIQUE,
		password VARCHAR(80),
		profile_id UUID NOT NULL REFERENCES emitter_profile (id) ON DELETE CASCADE,
		last_emit TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS service (
		id UUID PRIMARY KEY,
		name VARCHAR(64) UNIQUE,
		consumer BOOLEAN NOT NULL DEFAULT FALSE,
		description TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS role (
		id UUID PRIMARY KEY,
		login VARCHAR(64) NOT NULL UNIQUE,
		password VARCHAR(80) NOT NULL,
		service_id UUID NOT NULL REFERENCES service (id) ON DELETE CASCADE,
		last_logged TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS role_service_idx ON role (service_id)`,

	`CREATE TABLE IF NOT EXISTS event_type (
		id UUID PRIMARY KEY,
		name VARCHAR(64) NOT NULL UNIQUE,
		description TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS event_node (
		id UUID PRIMARY KEY,
		type_id UUID NOT NULL REFERENCES event_type (id) ON DELETE CASCADE,
		service_id UUID NOT NULL REFERENCES service (id) ON DELETE RESTRICT,
		is_start BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS event_node_type_idx ON event_node (type_id)`,

	`CREATE TABLE IF NOT EXISTS event_node_rel (
		parent_id UUID NOT NULL REFERENCES event_node (id) ON DELETE CASCADE,
		child_id UUID NOT NULL REFERENCES event_node (id) ON DELETE CASCADE,
		PRIMARY KEY (parent_id, child_id)
	)`,

	`CREATE TABLE IF NOT EXISTS envelope (
		id UUID PRIMARY KEY,
		emitter_id UUID REFERENCES emitter (id) ON DELETE RESTRICT,
		state envelope_state NOT NULL,
		posted_date TIMESTAMP NOT NULL DEFAULT localtimestamp,
		done_date TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS event (
		id UUID PRIMARY KEY,
		envelope_id UUID NOT NULL REFERENCES envelope (id) ON DELETE CASCADE,
		emitter_id UUID REFERENCES emitter (id) ON DELETE RESTRICT,
		type_id UUID REFERENCES event_type (id) ON DELETE RESTRICT,
		started_date TIMESTAMP,
		done_date TIMESTAMP,
		estimated_items INTEGER,
		sent_items INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS event_envelope_idx ON event (envelope_id)`,

	`CREATE TABLE IF NOT EXISTS item (
		event_id UUID NOT NULL,
		index INTEGER NOT NULL,
		data BYTEA,
		PRIMARY KEY (event_id, index)
	)`,

	`CREATE TABLE IF NOT EXISTS event_consumer_inactive_rel (
		event_id UUID REFERENCES event (id) ON DELETE CASCADE,
		node_id UUID REFERENCES event_node (id) ON DELETE CASCADE,
		role_id UUID REFERENCES role (id) ON DELETE CASCADE,
		was_unavailable BOOLEAN
	)`,

	`DO $$ BEGIN
		CREATE TYPE event_error_state AS ENUM
			('unprocessed', 'processing', 'on_hold', 'corrected', 'won_t_fix');
	EXCEPTION WHEN duplicate_object THEN NULL;
	END $$`,

	`CREATE TABLE IF NOT EXISTS event_error (
		id UUID PRIMARY KEY,
		envelope_id UUID NOT NULL REFERENCES envelope (id) ON DELETE CASCADE,
		event_id UUID REFERENCES event (id) ON DELETE CASCADE,
		node_id UUID REFERENCES event_node (id) ON DELETE SET NULL,
		role_id UUID REFERENCES role (id) ON DELETE SET NULL,
		items TEXT,
		message TEXT,
		error_date TIMESTAMP NOT NULL DEFAULT localtimestamp,
		state event_error_state NOT NULL DEFAULT 'unprocessed'
	)`,
	`CREATE INDEX IF NOT EXISTS event_error_envelope_idx ON event_error (envelope_id)`,

	`CREATE TABLE IF NOT EXISTS event_error_tracking (
		id UUID PRIMARY KEY,
		event_error_id UUID NOT NULL REFERENCES event_error (id) ON DELETE CASCADE,
		user_id UUID NOT NULL,
		date TIMESTAMP NOT NULL DEFAULT localtimestamp,
		comment TEXT NOT NULL,
		new_state event_error_state
	)`,
	`CREATE INDEX IF NOT EXISTS event_error_tracking_error_idx
		ON event_error_tracking (event_error_id)`,
}

// Setup creates every table the broker needs. Safe to run repeatedly.
func Setup(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("model: setup schema: %w", err)
		}
	}
	return nil
}
