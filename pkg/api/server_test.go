package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logabell/conversator/pkg/builder"
	"github.com/logabell/conversator/pkg/config"
	"github.com/logabell/conversator/pkg/eventlog"
	"github.com/logabell/conversator/pkg/inbox"
	"github.com/logabell/conversator/pkg/models"
	"github.com/logabell/conversator/pkg/orchestrator"
	"github.com/logabell/conversator/pkg/promptspace"
	"github.com/logabell/conversator/pkg/transcript"
)

type harness struct {
	baseURL string
	store   *eventlog.Store
	orch    *orchestrator.Orchestrator
	adapter *builder.FakeAdapter
	feed    *transcript.Feed
	client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		WorkspaceRoot: dir,
		HTTPAddr:      ":0",
		Builders: map[string]*config.BuilderConfig{
			"default": {Name: "default", Kind: config.BuilderKindHTTP, Endpoint: "http://fake.invalid"},
		},
		Timeouts: config.TimeoutsConfig{
			SessionCreate: config.Duration(2 * time.Second),
			SendMessage:   config.Duration(time.Second),
			StreamIdle:    config.Duration(2 * time.Second),
			AbortConfirm:  config.Duration(500 * time.Millisecond),
			GateReminder:  config.Duration(time.Minute),
		},
		Limits: config.LimitsConfig{
			MaxLiveSessions:       2,
			StreamReconnectCap:    2,
			StreamReconnectWindow: config.Duration(time.Second),
			WSSendTimeout:         config.Duration(time.Second),
			WSQueueDepth:          64,
			TranscriptDepth:       50,
		},
		Notifier: config.NotifierConfig{CoalesceWindow: config.Duration(10 * time.Millisecond)},
	}

	store, err := eventlog.Open(context.Background(), filepath.Join(dir, "events.db"), inbox.NewMapper())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	workspace, err := promptspace.New(filepath.Join(dir, "prompts"))
	require.NoError(t, err)

	adapter := builder.NewFakeAdapter("sess-1")
	registry := builder.NewTestRegistry(map[string]builder.Adapter{"default": adapter})
	pool := builder.NewPool(store, registry, &cfg.Timeouts, &cfg.Limits)
	t.Cleanup(pool.Shutdown)

	orch := orchestrator.New(store, workspace, pool, registry)
	inboxService := inbox.NewService(store.DB(), cfg.Notifier.CoalesceWindow.Std(), cfg.Timeouts.GateReminder.Std())
	feed := transcript.NewFeed(cfg.Limits.TranscriptDepth)

	server := NewServer(cfg, store, orch, inboxService, registry, pool, feed)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.StartWithListener(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return &harness{
		baseURL: "http://" + ln.Addr().String(),
		store:   store,
		orch:    orch,
		adapter: adapter,
		feed:    feed,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *harness) post(t *testing.T, path string, body any, into any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := h.client.Post(h.baseURL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp
}

func (h *harness) get(t *testing.T, path string, into any) *http.Response {
	t.Helper()
	resp, err := h.client.Get(h.baseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp
}

func TestCreateAndListTasks(t *testing.T) {
	h := newHarness(t)

	var created orchestrator.CreateTaskResult
	resp := h.post(t, "/api/v1/tasks", map[string]string{"title": "JWT refresh fix", "priority": "normal"}, &created)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, created.TaskID)

	var list TaskListResponse
	h.get(t, "/api/v1/tasks", &list)
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, models.StatusDraft, list.Tasks[0].Status)

	// Status filtering.
	var filtered TaskListResponse
	h.get(t, "/api/v1/tasks?status=done", &filtered)
	assert.Empty(t, filtered.Tasks)

	resp = h.get(t, "/api/v1/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var detail TaskDetailResponse
	h.get(t, "/api/v1/tasks/"+created.TaskID, &detail)
	assert.Equal(t, created.TaskID, detail.Task.ID)

	resp = h.get(t, "/api/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommandSurfaceDrivesStateMachine(t *testing.T) {
	h := newHarness(t)

	var created orchestrator.CreateTaskResult
	h.post(t, "/api/v1/tasks", map[string]string{"title": "fix it"}, &created)

	var updated orchestrator.UpdatePromptResult
	resp := h.post(t, "/api/v1/tasks/"+created.TaskID+"/prompt",
		map[string]string{"delta_summary": "capture", "content": "# fix it"}, &updated)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var frozen orchestrator.FreezeResult
	resp = h.post(t, "/api/v1/tasks/"+created.TaskID+"/freeze", map[string]string{}, &frozen)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, frozen.HandoffJSONPath)

	var dispatched orchestrator.DispatchResult
	resp = h.post(t, "/api/v1/tasks/"+created.TaskID+"/dispatch",
		map[string]string{"builder_kind": "default"}, &dispatched)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "sess-1", dispatched.SessionID)

	resp = h.post(t, "/api/v1/tasks/"+created.TaskID+"/prompt",
		map[string]string{"delta_summary": "late", "content": "nope"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestInboxEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var created orchestrator.CreateTaskResult
	h.post(t, "/api/v1/tasks", map[string]string{"title": "doomed"}, &created)
	_, err := h.store.Append(ctx, &models.Event{
		Type: models.EventBuildFailed, TaskID: created.TaskID,
		Payload: map[string]any{"reason": "exploded"},
	})
	require.NoError(t, err)

	var inboxResp InboxResponse
	h.get(t, "/api/v1/inbox?unread=true", &inboxResp)
	require.Len(t, inboxResp.Items, 1)
	assert.Equal(t, 1, inboxResp.Unread)
	assert.Equal(t, models.SeverityError, inboxResp.Items[0].Severity)

	var ack AckResponse
	h.post(t, "/api/v1/inbox/ack", map[string]any{"ids": []string{inboxResp.Items[0].ID}}, &ack)
	assert.Equal(t, 1, ack.Acknowledged)

	h.get(t, "/api/v1/inbox?unread=true", &inboxResp)
	assert.Empty(t, inboxResp.Items)
}

func TestHealthAndBuilders(t *testing.T) {
	h := newHarness(t)

	var health HealthResponse
	resp := h.get(t, "/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	require.NotNil(t, health.Pool)
	assert.Equal(t, 2, health.Pool.MaxSessions)

	var builders BuildersResponse
	h.get(t, "/api/v1/builders", &builders)
	require.Len(t, builders.Builders, 1)
	assert.Equal(t, "default", builders.Builders[0].Name)
	assert.True(t, builders.Builders[0].Healthy)
}

func TestTranscriptEndpoints(t *testing.T) {
	h := newHarness(t)

	var entry transcript.Entry
	resp := h.post(t, "/api/v1/transcript", map[string]string{"role": "user", "text": "hello"}, &entry)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int64(1), entry.Seq)

	resp = h.post(t, "/api/v1/transcript", map[string]string{"role": "narrator", "text": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var feedResp struct {
		Entries []*transcript.Entry `json:"entries"`
	}
	h.get(t, "/api/v1/transcript", &feedResp)
	require.Len(t, feedResp.Entries, 1)
}

func TestWebSocketResumeDeliversMissedEvents(t *testing.T) {
	h := newHarness(t)

	var created orchestrator.CreateTaskResult
	h.post(t, "/api/v1/tasks", map[string]string{"title": "ws task"}, &created)
	h.post(t, "/api/v1/tasks/"+created.TaskID+"/prompt",
		map[string]string{"delta_summary": "d", "content": "# body"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + h.baseURL[len("http"):] + "/ws/events?last_seq=0"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readMsg := func() *WSMessage {
		_, raw, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg WSMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		return &msg
	}

	first := readMsg()
	assert.Equal(t, WSTypeTaskUpdate, first.Type)
	second := readMsg()
	assert.Equal(t, WSTypeTaskUpdate, second.Type)

	// Live tail: a new event arrives in order.
	h.post(t, "/api/v1/tasks/"+created.TaskID+"/freeze", map[string]string{}, nil)
	third := readMsg()
	assert.Equal(t, WSTypeTaskUpdate, third.Type)

	data, err := json.Marshal(third.Data)
	require.NoError(t, err)
	var payload taskUpdateData
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, models.EventHandoffFrozen, payload.EventType)
	assert.Equal(t, int64(3), payload.Seq)

	// Conversation entries broadcast too.
	h.feed.Append(transcript.RoleUser, "spoken words", created.TaskID)
	fourth := readMsg()
	assert.Equal(t, WSTypeConversationEntry, fourth.Type)
}

func TestWebSocketLiveTailDefault(t *testing.T) {
	h := newHarness(t)

	var created orchestrator.CreateTaskResult
	h.post(t, "/api/v1/tasks", map[string]string{"title": "pre-existing"}, &created)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := fmt.Sprintf("ws%s/ws/events", h.baseURL[len("http"):])
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Only events after connect are delivered.
	h.post(t, "/api/v1/tasks/"+created.TaskID+"/prompt",
		map[string]string{"delta_summary": "d", "content": "x"}, nil)

	_, raw, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg WSMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, WSTypeTaskUpdate, msg.Type)

	data, _ := json.Marshal(msg.Data)
	var payload taskUpdateData
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, models.EventWorkingPromptUpdated, payload.EventType)
}
