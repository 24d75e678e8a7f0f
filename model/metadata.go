// Package model gives the broker its two relational surfaces: the metadata
// store (emitters, roles, services, event types and the per-type node graph)
// and the state log (durable envelope/event/item state transitions).
//
// Both live in the same PostgreSQL database. All queries go through sqlx
// with the pq driver; array aggregation relies on pq.Array.
package model

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Logger is the structured logger contract for this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ConnectOptions tunes the database pool.
type ConnectOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Connect opens the PostgreSQL pool, retrying with exponential backoff
// until the database answers a ping.
func Connect(ctx context.Context, logger Logger, dsn string, opts ConnectOptions) (*sqlx.DB, error) {
	var db *sqlx.DB
	operation := func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
		if err != nil {
			logger.Warn("database_connect_retry", "error", err.Error())
			return err
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("model: connect database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	logger.Info("database_connected")
	return db, nil
}

// =============================================================================
// Metadata store
// =============================================================================

// Role carries the credentials row looked up at login time.
type Role struct {
	ID           string `db:"id"`
	PasswordHash string `db:"password"`
	ServiceID    string `db:"service_id"`
}

// Emitter is a front-side principal; kept here so the store surface covers
// the whole schema.
type Emitter struct {
	ID        string `db:"id"`
	Login     string `db:"login"`
	ProfileID string `db:"profile_id"`
}

// EventType names one configured dataflow type.
type EventType struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

// EventTreeRow is one node of an event type's execution graph, with its
// aggregated child ids. Rows are returned start-nodes first.
type EventTreeRow struct {
	NodeID    string
	ServiceID string
	IsStart   bool
	ChildIDs  []string
}

// Metadata answers the static-configuration queries of the orchestrator.
type Metadata struct {
	db *sqlx.DB
}

// NewMetadata wraps an open database pool.
func NewMetadata(db *sqlx.DB) *Metadata {
	return &Metadata{db: db}
}

// FindRoleByLogin returns the role credentials for a login, or nil when the
// login is unknown.
func (m *Metadata) FindRoleByLogin(ctx context.Context, login string) (*Role, error) {
	var role Role
	err := m.db.GetContext(ctx, &role,
		`SELECT id, password, service_id FROM role WHERE login = $1 LIMIT 1`, login)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("model: find role %q: %w", login, err)
	}
	return &role, nil
}

// EmitterByLogin returns the emitter row for a login, or nil.
func (m *Metadata) EmitterByLogin(ctx context.Context, login string) (*Emitter, error) {
	var emitter Emitter
	err := m.db.GetContext(ctx, &emitter,
		`SELECT id, login, profile_id FROM emitter WHERE login = $1 LIMIT 1`, login)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("model: find emitter %q: %w", login, err)
	}
	return &emitter, nil
}

// EventTypeByName returns the event type row for a name, or nil.
func (m *Metadata) EventTypeByName(ctx context.Context, name string) (*EventType, error) {
	var et EventType
	err := m.db.GetContext(ctx, &et,
		`SELECT id, name FROM event_type WHERE name = $1 LIMIT 1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("model: find event type %q: %w", name, err)
	}
	return &et, nil
}

// EventTree returns the node graph of an event type: every node with its
// service, start flag and child ids, start nodes first.
func (m *Metadata) EventTree(ctx context.Context, typeID string) ([]EventTreeRow, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT n.id,
		       n.service_id,
		       n.is_start,
		       array_remove(array_agg(rel.child_id), NULL) AS child_ids
		  FROM event_node n
		  LEFT JOIN event_node_rel rel ON rel.parent_id = n.id
		 WHERE n.type_id = $1
		 GROUP BY n.id, n.service_id, n.is_start
		 ORDER BY n.is_start DESC, n.id`, typeID)
	if err != nil {
		return nil, fmt.Errorf("model: event tree %s: %w", typeID, err)
	}
	defer rows.Close()

	var tree []EventTreeRow
	for rows.Next() {
		var row EventTreeRow
		var childIDs pq.StringArray
		if err := rows.Scan(&row.NodeID, &row.ServiceID, &row.IsStart, &childIDs); err != nil {
			return nil, fmt.Errorf("model: event tree %s: %w", typeID, err)
		}
		row.ChildIDs = []string(childIDs)
		tree = append(tree, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("model: event tree %s: %w", typeID, err)
	}
	return tree, nil
}

// ConsumerRoles returns, for every consumer service, the role ids
// configured for it.
func (m *Metadata) ConsumerRoles(ctx context.Context) (map[string][]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT s.id,
		       array_agg(r.id) AS role_ids
		  FROM service s
		  JOIN role r ON r.service_id = s.id
		 WHERE s.consumer
		 GROUP BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("model: consumer roles: %w", err)
	}
	defer rows.Close()

	consumers := make(map[string][]string)
	for rows.Next() {
		var serviceID string
		var roleIDs pq.StringArray
		if err := rows.Scan(&serviceID, &roleIDs); err != nil {
			return nil, fmt.Errorf("model: consumer roles: %w", err)
		}
		consumers[serviceID] = []string(roleIDs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("model: consumer roles: %w", err)
	}
	return consumers, nil
}
