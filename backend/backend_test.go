package backend

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xbusproject/xbus/auth"
	"github.com/xbusproject/xbus/backend/envelope"
	"github.com/xbusproject/xbus/config"
	"github.com/xbusproject/xbus/model"
	"github.com/xbusproject/xbus/testutil"
	"github.com/xbusproject/xbus/xbusrpc"
)

// fakeMeta serves metadata from maps.
type fakeMeta struct {
	roles     map[string]*model.Role
	trees     map[string][]model.EventTreeRow
	consumers map[string][]string
}

func (m *fakeMeta) FindRoleByLogin(ctx context.Context, login string) (*model.Role, error) {
	return m.roles[login], nil
}

func (m *fakeMeta) EventTree(ctx context.Context, typeID string) ([]model.EventTreeRow, error) {
	return m.trees[typeID], nil
}

func (m *fakeMeta) ConsumerRoles(ctx context.Context) (map[string][]string, error) {
	return m.consumers, nil
}

// fakeStateLog adds the orchestrator-only writes on top of the sink.
type fakeStateLog struct {
	*testutil.StateLogSink

	mu       sync.Mutex
	items    map[string][][]byte
	counts   map[string][2]int
	inactive []string
}

func newFakeStateLog() *fakeStateLog {
	return &fakeStateLog{
		StateLogSink: testutil.NewStateLogSink(),
		items:        make(map[string][][]byte),
		counts:       make(map[string][2]int),
	}
}

func (s *fakeStateLog) EnsureEnvelope(ctx context.Context, envelopeID, emitterID string) error {
	return s.SetEnvelopeState(ctx, envelopeID, model.StateEmit)
}

func (s *fakeStateLog) InsertEvent(ctx context.Context, eventID, envelopeID, emitterID, typeID string) error {
	return nil
}

func (s *fakeStateLog) SetEventCounts(ctx context.Context, eventID string, estimated, sent int) error {
	s.mu.Lock()
	s.counts[eventID] = [2]int{estimated, sent}
	s.mu.Unlock()
	return nil
}

func (s *fakeStateLog) eventCounts(eventID string) [2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[eventID]
}

func (s *fakeStateLog) InsertItem(ctx context.Context, eventID string, index int, data []byte) error {
	s.mu.Lock()
	s.items[eventID] = append(s.items[eventID], data)
	s.mu.Unlock()
	return nil
}

func (s *fakeStateLog) RecordInactiveConsumer(ctx context.Context, eventID, nodeID, roleID string) error {
	s.mu.Lock()
	s.inactive = append(s.inactive, roleID)
	s.mu.Unlock()
	return nil
}

// harness wires an orchestrator to in-memory stores and mock recipients.
type harness struct {
	b    *Backend
	meta *fakeMeta
	slog *fakeStateLog

	mu    sync.Mutex
	dials map[string]*testutil.MockRecipient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		meta: &fakeMeta{
			roles:     make(map[string]*model.Role),
			trees:     make(map[string][]model.EventTreeRow),
			consumers: make(map[string][]string),
		},
		slog:  newFakeStateLog(),
		dials: make(map[string]*testutil.MockRecipient),
	}
	cfg := config.DefaultConfig()
	cfg.Timeouts.StartEvent = 2 * time.Second
	cfg.Timeouts.SendItem = 2 * time.Second
	cfg.Timeouts.EndEvent = 2 * time.Second
	cfg.Timeouts.EndEnvelope = 2 * time.Second

	dial := func(ctx context.Context, uri string) (envelope.Recipient, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		r, ok := h.dials[uri]
		if !ok {
			return nil, fmt.Errorf("no recipient at %s", uri)
		}
		return r, nil
	}
	h.b = New(testutil.NopLogger{}, cfg, h.meta, h.slog, testutil.NewMemoryStore(), dial)
	return h
}

// addRole configures a role with password "secret" and a mock recipient
// reachable at tcp://<login>.
func (h *harness) addRole(t *testing.T, login, roleID, serviceID string) *testutil.MockRecipient {
	t.Helper()
	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	h.meta.roles[login] = &model.Role{ID: roleID, PasswordHash: hash, ServiceID: serviceID}

	r := testutil.NewMockRecipient()
	h.mu.Lock()
	h.dials["tcp://"+login] = r
	h.mu.Unlock()
	return r
}

// connect runs the full login + register_node handshake for a role.
func (h *harness) connect(t *testing.T, login string) string {
	t.Helper()
	ctx := context.Background()
	token := h.b.Login(ctx, login, "secret")
	require.NotEmpty(t, token)
	require.True(t, h.b.RegisterNode(ctx, token, "tcp://"+login))
	return token
}

// =============================================================================
// Authentication
// =============================================================================

func TestLoginTokenRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.addRole(t, "worker_a", "role-w", "svc-w")
	ctx := context.Background()

	token := h.b.Login(ctx, "worker_a", "secret")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), token)

	info, err := h.b.sessions.Get(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "role-w", info.ID)
	assert.Equal(t, "worker_a", info.Login)
	assert.Equal(t, "svc-w", info.ServiceID)

	assert.True(t, h.b.Logout(ctx, token))
	assert.False(t, h.b.Logout(ctx, token), "second logout finds nothing to delete")
}

func TestLoginRefusals(t *testing.T) {
	h := newHarness(t)
	h.addRole(t, "worker_a", "role-w", "svc-w")
	ctx := context.Background()

	assert.Empty(t, h.b.Login(ctx, "worker_a", "wrong"))
	assert.Empty(t, h.b.Login(ctx, "ghost", "secret"), "unknown login looks like a bad password")
}

func TestReadyRequiresRegisteredNode(t *testing.T) {
	h := newHarness(t)
	h.addRole(t, "worker_a", "role-w", "svc-w")
	ctx := context.Background()

	token := h.b.Login(ctx, "worker_a", "secret")
	assert.False(t, h.b.Ready(ctx, token), "ready before register_node")
	assert.False(t, h.b.Ready(ctx, "bogus-token"))

	require.True(t, h.b.RegisterNode(ctx, token, "tcp://worker_a"))
	assert.True(t, h.b.Ready(ctx, token))
}

func TestLogoutWithdrawsRole(t *testing.T) {
	h := newHarness(t)
	h.addRole(t, "worker_a", "role-w", "svc-w")
	ctx := context.Background()

	token := h.connect(t, "worker_a")
	require.Equal(t, []string{"role-w"}, h.b.reg.readyRoles("svc-w"))

	require.True(t, h.b.Logout(ctx, token))
	assert.Empty(t, h.b.reg.readyRoles("svc-w"))
	assert.Nil(t, h.b.reg.client("role-w"))
}

// =============================================================================
// Envelope lifecycle
// =============================================================================

// wcTree wires the canonical two-node graph: worker node-w feeding
// consumer node-c.
func (h *harness) wcTree() {
	h.meta.trees["type-1"] = []model.EventTreeRow{
		{NodeID: "node-w", ServiceID: "svc-w", IsStart: true, ChildIDs: []string{"node-c"}},
		{NodeID: "node-c", ServiceID: "svc-c", IsStart: false},
	}
	h.meta.consumers["svc-c"] = []string{"role-c"}
}

func TestFullEnvelopeFlow(t *testing.T) {
	h := newHarness(t)
	worker := h.addRole(t, "worker_a", "role-w", "svc-w")
	consumer := h.addRole(t, "consumer_a", "role-c", "svc-c")
	h.wcTree()
	ctx := context.Background()
	require.NoError(t, h.b.InitConsumers(ctx))

	worker.Replies = map[string][]xbusrpc.ItemReply{
		"a": {{Indices: []int{0}, Data: []byte("a_x")}},
		"b": {{Indices: []int{1}, Data: []byte("b_x")}},
	}
	h.connect(t, "worker_a")
	h.connect(t, "consumer_a")

	require.Equal(t, "env-1", h.b.StartEnvelope(ctx, "env-1"))
	code, msg := h.b.StartEvent(ctx, "env-1", "ev-1", "type-1", "t", nil)
	require.Equal(t, CodeOK, code)
	require.Equal(t, "ev-1", msg)

	code, _ = h.b.SendItem(ctx, "env-1", "ev-1", 0, []byte("a"))
	require.Equal(t, CodeOK, code)
	code, _ = h.b.SendItem(ctx, "env-1", "ev-1", 1, []byte("b"))
	require.Equal(t, CodeOK, code)
	code, _ = h.b.EndEvent(ctx, "env-1", "ev-1", 2)
	require.Equal(t, CodeOK, code)

	env := h.b.envelope("env-1")
	require.NotNil(t, env)
	res := h.b.EndEnvelope(ctx, "env-1")
	require.True(t, res.Success)
	env.Wait()

	sends := consumer.CallsFor(xbusrpc.VerbSendItem)
	require.Len(t, sends, 2)
	assert.Equal(t, []byte("a_x"), sends[0].Data)
	assert.Equal(t, []byte("b_x"), sends[1].Data)
	assert.Len(t, consumer.CallsFor(xbusrpc.VerbEndEnvelope), 1)

	assert.Equal(t, []model.EnvelopeState{
		model.StateEmit, model.StateWait, model.StateExec, model.StateDone,
	}, h.slog.States("env-1"))
	assert.Equal(t, [2]int{2, 2}, h.slog.eventCounts("ev-1"))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, h.slog.items["ev-1"])
}

// An emitter may announce more items than it actually sent; the log keeps
// the announced total apart from the count seen on the boundary.
func TestEndEventRecordsBoundaryCount(t *testing.T) {
	h := newHarness(t)
	h.addRole(t, "worker_a", "role-w", "svc-w")
	h.addRole(t, "consumer_a", "role-c", "svc-c")
	h.wcTree()
	ctx := context.Background()
	h.connect(t, "worker_a")
	h.connect(t, "consumer_a")

	require.Equal(t, "env-1", h.b.StartEnvelope(ctx, "env-1"))
	code, _ := h.b.StartEvent(ctx, "env-1", "ev-1", "type-1", "t", nil)
	require.Equal(t, CodeOK, code)
	code, _ = h.b.SendItem(ctx, "env-1", "ev-1", 0, []byte("a"))
	require.Equal(t, CodeOK, code)

	code, _ = h.b.EndEvent(ctx, "env-1", "ev-1", 2)
	require.Equal(t, CodeOK, code)
	assert.Equal(t, [2]int{2, 1}, h.slog.eventCounts("ev-1"))

	// The graph still waits on the missing item; tear it down.
	env := h.b.envelope("env-1")
	require.NotNil(t, env)
	h.b.CancelEnvelope(ctx, "env-1")
	env.Wait()
}

func TestStartEventDuplicate(t *testing.T) {
	h := newHarness(t)
	h.addRole(t, "worker_a", "role-w", "svc-w")
	h.addRole(t, "consumer_a", "role-c", "svc-c")
	h.wcTree()
	ctx := context.Background()
	h.connect(t, "worker_a")
	h.connect(t, "consumer_a")

	require.Equal(t, "env-1", h.b.StartEnvelope(ctx, "env-1"))
	code, msg := h.b.StartEvent(ctx, "env-1", "ev-1", "type-1", "t", nil)
	require.Equal(t, CodeOK, code)
	require.Equal(t, "ev-1", msg)

	code, msg = h.b.StartEvent(ctx, "env-1", "ev-1", "type-1", "t", nil)
	assert.Equal(t, CodeError, code)
	assert.Equal(t, "Event already started: ev-1", msg)
}

func TestStartEventUnknownEnvelope(t *testing.T) {
	h := newHarness(t)
	code, msg := h.b.StartEvent(context.Background(), "ghost", "ev-1", "type-1", "t", nil)
	assert.Equal(t, CodeError, code)
	assert.Contains(t, msg, "No such envelope")
}

func TestStartEventMissingWorker(t *testing.T) {
	h := newHarness(t)
	h.addRole(t, "consumer_a", "role-c", "svc-c")
	h.wcTree()
	ctx := context.Background()
	h.connect(t, "consumer_a")
	// No worker role ever becomes ready for svc-w.

	require.Equal(t, "env-1", h.b.StartEnvelope(ctx, "env-1"))
	code, msg := h.b.StartEvent(ctx, "env-1", "ev-1", "type-1", "t", nil)
	assert.Equal(t, CodeError, code)
	assert.Contains(t, msg, "svc-w")
	assert.Equal(t, model.StateEmit, h.slog.Last("env-1"), "failed materialization leaves the envelope in emit")
}

func TestInactiveConsumersRecorded(t *testing.T) {
	h := newHarness(t)
	h.addRole(t, "worker_a", "role-w", "svc-w")
	h.addRole(t, "consumer_a", "role-c", "svc-c")
	h.wcTree()
	h.meta.consumers["svc-c"] = []string{"role-c", "role-c2"}
	ctx := context.Background()
	require.NoError(t, h.b.InitConsumers(ctx))
	h.connect(t, "worker_a")
	h.connect(t, "consumer_a")

	require.Equal(t, "env-1", h.b.StartEnvelope(ctx, "env-1"))
	code, _ := h.b.StartEvent(ctx, "env-1", "ev-1", "type-1", "t", nil)
	require.Equal(t, CodeOK, code)

	assert.Equal(t, []string{"role-c2"}, h.slog.inactive)
}

func TestCancelEnvelope(t *testing.T) {
	h := newHarness(t)
	worker := h.addRole(t, "worker_a", "role-w", "svc-w")
	consumer := h.addRole(t, "consumer_a", "role-c", "svc-c")
	h.wcTree()
	ctx := context.Background()
	h.connect(t, "worker_a")
	h.connect(t, "consumer_a")

	require.Equal(t, "env-1", h.b.StartEnvelope(ctx, "env-1"))
	code, _ := h.b.StartEvent(ctx, "env-1", "ev-1", "type-1", "t", nil)
	require.Equal(t, CodeOK, code)
	h.b.SendItem(ctx, "env-1", "ev-1", 0, []byte("a"))
	h.b.SendItem(ctx, "env-1", "ev-1", 1, []byte("b"))

	env := h.b.envelope("env-1")
	require.NotNil(t, env)
	assert.Equal(t, "env-1", h.b.CancelEnvelope(ctx, "env-1"))
	h.b.CancelEnvelope(ctx, "env-1")
	env.Wait()

	states := h.slog.States("env-1")
	assert.Equal(t, []model.EnvelopeState{model.StateEmit, model.StateCanc}, states)
	assert.Len(t, worker.CallsFor(xbusrpc.VerbStopEnvelope), 1)
	assert.Len(t, consumer.CallsFor(xbusrpc.VerbStopEnvelope), 1)

	// The envelope is either still visible as stopped or already reaped;
	// both reject further items.
	lateCode, lateMsg := h.b.SendItem(ctx, "env-1", "ev-1", 2, []byte("c"))
	assert.Equal(t, CodeError, lateCode)
	assert.NotEmpty(t, lateMsg)
}

func TestStartEnvelopeReplay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Equal(t, "env-1", h.b.StartEnvelope(ctx, "env-1"))
	env := h.b.envelope("env-1")
	require.Equal(t, "env-1", h.b.StartEnvelope(ctx, "env-1"))
	assert.Same(t, env, h.b.envelope("env-1"), "replay keeps the running envelope")
}

// =============================================================================
// Registry
// =============================================================================

func TestRegistryDeterministicRolePick(t *testing.T) {
	reg := newRegistry()
	for _, roleID := range []string{"role-c", "role-a", "role-b"} {
		reg.setClient(roleID, testutil.NewMockRecipient())
		require.True(t, reg.markReady("svc-1", roleID))
	}
	assert.Equal(t, []string{"role-a", "role-b", "role-c"}, reg.readyRoles("svc-1"))
}

func TestRegistryMarkReadyWithoutClient(t *testing.T) {
	reg := newRegistry()
	assert.False(t, reg.markReady("svc-1", "role-a"))
}
