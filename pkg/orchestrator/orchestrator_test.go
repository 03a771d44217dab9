package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logabell/conversator/pkg/builder"
	"github.com/logabell/conversator/pkg/config"
	"github.com/logabell/conversator/pkg/eventlog"
	"github.com/logabell/conversator/pkg/inbox"
	"github.com/logabell/conversator/pkg/models"
	"github.com/logabell/conversator/pkg/promptspace"
)

type fixture struct {
	store   *eventlog.Store
	orch    *Orchestrator
	pool    *builder.Pool
	adapter *builder.FakeAdapter
	inbox   *inbox.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := eventlog.Open(context.Background(), filepath.Join(dir, "events.db"), inbox.NewMapper())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	workspace, err := promptspace.New(filepath.Join(dir, "prompts"))
	require.NoError(t, err)

	adapter := builder.NewFakeAdapter("sess-1")
	registry := builder.NewTestRegistry(map[string]builder.Adapter{"default": adapter})

	timeouts := &config.TimeoutsConfig{
		SessionCreate: config.Duration(2 * time.Second),
		SendMessage:   config.Duration(1 * time.Second),
		StreamIdle:    config.Duration(2 * time.Second),
		AbortConfirm:  config.Duration(500 * time.Millisecond),
		GateReminder:  config.Duration(time.Minute),
	}
	limits := &config.LimitsConfig{
		MaxLiveSessions:       2,
		StreamReconnectCap:    2,
		StreamReconnectWindow: config.Duration(time.Second),
		WSSendTimeout:         config.Duration(time.Second),
		WSQueueDepth:          64,
		TranscriptDepth:       100,
	}

	pool := builder.NewPool(store, registry, timeouts, limits)
	t.Cleanup(pool.Shutdown)

	return &fixture{
		store:   store,
		orch:    New(store, workspace, pool, registry),
		pool:    pool,
		adapter: adapter,
		inbox:   inbox.NewService(store.DB(), 10*time.Millisecond, 0),
	}
}

// waitForStatus polls the snapshot until the task reaches want.
func (f *fixture) waitForStatus(t *testing.T, taskID string, want models.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task := f.store.Snapshot().Tasks[taskID]
		if task != nil && task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	task := f.store.Snapshot().Tasks[taskID]
	t.Fatalf("task %s never reached %s (current: %+v)", taskID, want, task)
}

// eventTypes reads the full log.
func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	sub, err := f.store.Subscribe(0)
	require.NoError(t, err)
	defer sub.Close()
	var types []string
	for {
		ev := sub.TryNext()
		if ev == nil {
			return types
		}
		types = append(types, ev.Type)
	}
}

// refineToReady runs scenario 1: vague request to handoff.
func refineToReady(t *testing.T, f *fixture) string {
	t.Helper()
	ctx := context.Background()

	created, err := f.orch.CreateTask(ctx, &CreateTaskRequest{Title: "JWT refresh fix", Priority: "normal"})
	require.NoError(t, err)

	_, err = f.orch.UpdateWorkingPrompt(ctx, &UpdatePromptRequest{
		TaskID:       created.TaskID,
		DeltaSummary: "initial capture",
		Content:      "# JWT refresh fix\nfails after 15m idle",
	})
	require.NoError(t, err)

	_, err = f.orch.RaiseQuestions(ctx, &QuestionsRequest{
		TaskID:    created.TaskID,
		Questions: []string{"auto-refresh?", "idle cap?"},
	})
	require.NoError(t, err)

	_, err = f.orch.AnswerQuestions(ctx, &AnswersRequest{
		TaskID:  created.TaskID,
		Answers: map[string]any{"auto_refresh": true, "idle_cap_min": 30},
	})
	require.NoError(t, err)

	_, err = f.orch.FreezePrompt(ctx, &FreezeRequest{TaskID: created.TaskID})
	require.NoError(t, err)

	return created.TaskID
}

func TestVagueRequestToHandoff(t *testing.T) {
	f := newFixture(t)
	taskID := refineToReady(t, f)

	assert.Equal(t, []string{
		models.EventTaskCreated,
		models.EventWorkingPromptUpdated,
		models.EventQuestionsRaised,
		models.EventUserAnswered,
		models.EventHandoffFrozen,
	}, f.eventTypes(t))

	task := f.store.Snapshot().Tasks[taskID]
	require.NotNil(t, task)
	assert.Equal(t, models.StatusReadyToHandoff, task.Status)

	for _, path := range []string{task.HandoffPromptPath, task.HandoffSpecPath} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}
}

func TestDispatchGateComplete(t *testing.T) {
	f := newFixture(t)
	taskID := refineToReady(t, f)
	ctx := context.Background()

	dispatched, err := f.orch.Dispatch(ctx, &DispatchRequest{TaskID: taskID, BuilderKind: "default"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", dispatched.SessionID)

	f.adapter.Emit(&builder.RemoteEvent{Type: builder.RemoteEventStatus, Status: "running", Cursor: "1"})
	f.waitForStatus(t, taskID, models.StatusRunning)

	f.adapter.Emit(&builder.RemoteEvent{
		Type:   builder.RemoteEventGateRequested,
		Gate:   &models.GateRequest{Kind: models.GateWrite, Files: []string{"src/auth/mw.ts"}},
		Cursor: "2",
	})
	f.waitForStatus(t, taskID, models.StatusAwaitingGate)

	_, err = f.orch.ResolveGate(ctx, &GateRequest{TaskID: taskID, Approve: true})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, f.adapter.GateCalls())

	f.adapter.Emit(&builder.RemoteEvent{
		Type:      builder.RemoteEventCompleted,
		Artifacts: []string{"diff-2026-01-12.md"},
		Cursor:    "3",
	})
	f.waitForStatus(t, taskID, models.StatusDone)

	assert.Equal(t, []string{
		models.EventTaskCreated,
		models.EventWorkingPromptUpdated,
		models.EventQuestionsRaised,
		models.EventUserAnswered,
		models.EventHandoffFrozen,
		models.EventBuilderDispatched,
		models.EventBuilderStatusChanged,
		models.EventGateRequested,
		models.EventGateApproved,
		models.EventBuildCompleted,
	}, f.eventTypes(t))

	// One blocking item (gate) and one success item (completion).
	items, err := f.inbox.List(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, models.SeverityBlocking, items[0].Severity)
	assert.Equal(t, models.SeveritySuccess, items[1].Severity)
}

func TestDuplicateDispatchIsIdempotent(t *testing.T) {
	f := newFixture(t)
	taskID := refineToReady(t, f)
	ctx := context.Background()

	first, err := f.orch.Dispatch(ctx, &DispatchRequest{TaskID: taskID, BuilderKind: "default"})
	require.NoError(t, err)
	lastSeq := f.store.LastSeq()

	second, err := f.orch.Dispatch(ctx, &DispatchRequest{TaskID: taskID, BuilderKind: "default"})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, lastSeq, f.store.LastSeq(), "repeat dispatch must not produce events")
}

func TestCancellationDuringGate(t *testing.T) {
	f := newFixture(t)
	taskID := refineToReady(t, f)
	ctx := context.Background()

	_, err := f.orch.Dispatch(ctx, &DispatchRequest{TaskID: taskID, BuilderKind: "default"})
	require.NoError(t, err)
	f.adapter.Emit(&builder.RemoteEvent{Type: builder.RemoteEventStatus, Status: "running"})
	f.adapter.Emit(&builder.RemoteEvent{
		Type: builder.RemoteEventGateRequested,
		Gate: &models.GateRequest{Kind: models.GateWrite},
	})
	f.waitForStatus(t, taskID, models.StatusAwaitingGate)

	_, err = f.orch.Cancel(ctx, &CancelRequest{TaskID: taskID, Reason: "never mind"})
	require.NoError(t, err)
	f.waitForStatus(t, taskID, models.StatusCanceled)

	// The fake remote ends the stream on abort; the pool appends the
	// confirmation as a second TaskCanceled event.
	require.Eventually(t, func() bool {
		canceled := 0
		for _, typ := range f.eventTypes(t) {
			if typ == models.EventTaskCanceled {
				canceled++
			}
		}
		return canceled == 2
	}, 3*time.Second, 10*time.Millisecond)

	types := f.eventTypes(t)
	// Tail: gate auto-denied, then the two-phase cancellation.
	require.GreaterOrEqual(t, len(types), 4)
	assert.Equal(t, models.EventGateRequested, types[len(types)-4])
	assert.Equal(t, models.EventGateDenied, types[len(types)-3])
	assert.Equal(t, models.EventTaskCanceled, types[len(types)-2])

	require.Eventually(t, func() bool {
		return f.adapter.AbortCalls() > 0
	}, 3*time.Second, 10*time.Millisecond, "remote abort must be invoked")

	// The pending gate was auto-denied upstream as well.
	require.Eventually(t, func() bool {
		calls := f.adapter.GateCalls()
		return len(calls) == 1 && !calls[0]
	}, 3*time.Second, 10*time.Millisecond)
}

func TestCommandIDIdempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.CreateTask(ctx, &CreateTaskRequest{Title: "once", Priority: "high", CommandID: "cmd-42"})
	require.NoError(t, err)
	lastSeq := f.store.LastSeq()

	second, err := f.orch.CreateTask(ctx, &CreateTaskRequest{Title: "once", Priority: "high", CommandID: "cmd-42"})
	require.NoError(t, err)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, lastSeq, f.store.LastSeq(), "repeated command id must not produce events")
}

func TestFreezeTwiceReturnsSamePaths(t *testing.T) {
	f := newFixture(t)
	taskID := refineToReady(t, f)
	ctx := context.Background()

	lastSeq := f.store.LastSeq()
	again, err := f.orch.FreezePrompt(ctx, &FreezeRequest{TaskID: taskID})
	require.NoError(t, err)
	assert.True(t, again.AlreadyFrozen)
	assert.Equal(t, lastSeq, f.store.LastSeq())

	task := f.store.Snapshot().Tasks[taskID]
	assert.Equal(t, task.HandoffPromptPath, again.HandoffMDPath)
	assert.Equal(t, task.HandoffSpecPath, again.HandoffJSONPath)
}

func TestLinkExternalIsWriteOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.orch.CreateTask(ctx, &CreateTaskRequest{Title: "x"})
	require.NoError(t, err)

	_, err = f.orch.LinkExternal(ctx, &LinkRequest{TaskID: created.TaskID, ExternalTaskID: "ext-9"})
	require.NoError(t, err)
	lastSeq := f.store.LastSeq()

	// Same id: no-op.
	_, err = f.orch.LinkExternal(ctx, &LinkRequest{TaskID: created.TaskID, ExternalTaskID: "ext-9"})
	require.NoError(t, err)
	assert.Equal(t, lastSeq, f.store.LastSeq())

	// Different id: conflict.
	_, err = f.orch.LinkExternal(ctx, &LinkRequest{TaskID: created.TaskID, ExternalTaskID: "ext-10"})
	assert.True(t, eventlog.IsConflict(err))
}

func TestQuickDispatchExecutes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.orch.QuickDispatch(ctx, &QuickDispatchRequest{
		Title:       "bump deps",
		Prompt:      "bump all patch-level dependencies",
		BuilderKind: "default",
	})
	require.NoError(t, err)
	assert.Empty(t, result.Blocked)
	assert.Equal(t, "sess-1", result.SessionID)

	types := f.eventTypes(t)
	assert.Contains(t, types, models.EventQuickDispatchRequested)
	assert.Contains(t, types, models.EventQuickDispatchExecuted)
	assert.Equal(t, models.StatusHandedOff, f.store.Snapshot().Tasks[result.TaskID].Status)
}

func TestQuickDispatchBlockedOnUnknownBuilder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.orch.QuickDispatch(ctx, &QuickDispatchRequest{
		Title:       "bump deps",
		Prompt:      "bump all patch-level dependencies",
		BuilderKind: "nonexistent",
	})
	require.NoError(t, err)
	assert.Contains(t, result.Blocked, "unknown builder")

	types := f.eventTypes(t)
	assert.Contains(t, types, models.EventQuickDispatchBlocked)
	assert.NotContains(t, types, models.EventQuickDispatchExecuted)
	// The task remains available for a manual dispatch.
	assert.Equal(t, models.StatusReadyToHandoff, f.store.Snapshot().Tasks[result.TaskID].Status)
}

func TestCancelWithoutSessionConfirmsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.orch.CreateTask(ctx, &CreateTaskRequest{Title: "x"})
	require.NoError(t, err)

	_, err = f.orch.Cancel(ctx, &CancelRequest{TaskID: created.TaskID, Reason: "changed my mind"})
	require.NoError(t, err)

	types := f.eventTypes(t)
	assert.Equal(t, []string{
		models.EventTaskCreated,
		models.EventTaskCanceled,
		models.EventTaskCanceled,
	}, types)
	assert.Equal(t, models.StatusCanceled, f.store.Snapshot().Tasks[created.TaskID].Status)
}
