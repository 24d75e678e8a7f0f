package model

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	db := sqlx.NewDb(rawDB, "sqlmock")
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// =============================================================================
// METADATA QUERIES
// =============================================================================

func TestFindRoleByLogin(t *testing.T) {
	db, mock := newMockDB(t)
	meta := NewMetadata(db)

	mock.ExpectQuery(`SELECT id, password, service_id FROM role`).
		WithArgs("worker_a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "password", "service_id"}).
			AddRow("role-1", "$2a$10$hash", "svc-1"))

	role, err := meta.FindRoleByLogin(context.Background(), "worker_a")
	require.NoError(t, err)
	require.NotNil(t, role)
	assert.Equal(t, "role-1", role.ID)
	assert.Equal(t, "$2a$10$hash", role.PasswordHash)
	assert.Equal(t, "svc-1", role.ServiceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRoleByLoginUnknown(t *testing.T) {
	db, mock := newMockDB(t)
	meta := NewMetadata(db)

	mock.ExpectQuery(`SELECT id, password, service_id FROM role`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "password", "service_id"}))

	role, err := meta.FindRoleByLogin(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, role, "unknown login is not an error")
}

func TestEventTree(t *testing.T) {
	db, mock := newMockDB(t)
	meta := NewMetadata(db)

	mock.ExpectQuery(`SELECT n.id`).
		WithArgs("type-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "service_id", "is_start", "child_ids"}).
			AddRow("node-w", "svc-w", true, "{node-c}").
			AddRow("node-c", "svc-c", false, "{}"))

	tree, err := meta.EventTree(context.Background(), "type-1")
	require.NoError(t, err)
	require.Len(t, tree, 2)

	assert.Equal(t, "node-w", tree[0].NodeID)
	assert.True(t, tree[0].IsStart)
	assert.Equal(t, []string{"node-c"}, tree[0].ChildIDs)

	assert.Equal(t, "node-c", tree[1].NodeID)
	assert.False(t, tree[1].IsStart)
	assert.Empty(t, tree[1].ChildIDs)
}

func TestConsumerRoles(t *testing.T) {
	db, mock := newMockDB(t)
	meta := NewMetadata(db)

	mock.ExpectQuery(`SELECT s.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "role_ids"}).
			AddRow("svc-c", "{role-1,role-2}"))

	consumers, err := meta.ConsumerRoles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"svc-c": {"role-1", "role-2"}}, consumers)
}

// =============================================================================
// SCHEMA
// =============================================================================

// Setup executes every schema statement; the DDL must carry the event
// error log alongside the metadata and state tables.
func TestSetupRunsFullSchema(t *testing.T) {
	db, mock := newMockDB(t)
	for range schemaStatements {
		mock.ExpectExec(`(?s).+`).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, Setup(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())

	ddl := strings.Join(schemaStatements, "\n")
	assert.Contains(t, ddl, "CREATE TYPE event_error_state")
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS event_error (")
	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS event_error_tracking (")
}

// =============================================================================
// STATE LOG
// =============================================================================

func TestEnsureEnvelopeIdempotent(t *testing.T) {
	db, mock := newMockDB(t)
	slog := NewStateLog(db)

	mock.ExpectExec(`INSERT INTO envelope`).
		WithArgs("env-1", "emitter-1", StateEmit).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO envelope`).
		WithArgs("env-1", "emitter-1", StateEmit).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	require.NoError(t, slog.EnsureEnvelope(ctx, "env-1", "emitter-1"))
	require.NoError(t, slog.EnsureEnvelope(ctx, "env-1", "emitter-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetEnvelopeState(t *testing.T) {
	db, mock := newMockDB(t)
	slog := NewStateLog(db)

	mock.ExpectExec(`UPDATE envelope SET state`).
		WithArgs("env-1", StateStop).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, slog.SetEnvelopeState(context.Background(), "env-1", StateStop))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkEnvelopeDone(t *testing.T) {
	db, mock := newMockDB(t)
	slog := NewStateLog(db)

	mock.ExpectExec(`UPDATE envelope`).
		WithArgs("env-1", StateDone).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, slog.MarkEnvelopeDone(context.Background(), "env-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertItem(t *testing.T) {
	db, mock := newMockDB(t)
	slog := NewStateLog(db)

	mock.ExpectExec(`INSERT INTO item`).
		WithArgs("ev-1", 0, []byte("payload")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, slog.InsertItem(context.Background(), "ev-1", 0, []byte("payload")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordInactiveConsumer(t *testing.T) {
	db, mock := newMockDB(t)
	slog := NewStateLog(db)

	mock.ExpectExec(`INSERT INTO event_consumer_inactive_rel`).
		WithArgs("ev-1", "node-c", "role-9").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, slog.RecordInactiveConsumer(context.Background(), "ev-1", "node-c", "role-9"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
