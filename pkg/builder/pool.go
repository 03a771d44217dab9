package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/logabell/conversator/pkg/config"
	"github.com/logabell/conversator/pkg/eventlog"
	"github.com/logabell/conversator/pkg/metrics"
	"github.com/logabell/conversator/pkg/models"
)

// ErrPoolSaturated is returned when the live-session cap is reached.
var ErrPoolSaturated = errors.New("builder session pool is saturated")

// ErrNoLiveSession is returned for operations that need an in-flight session.
var ErrNoLiveSession = errors.New("task has no live builder session")

// abortRetries is the small fixed number of remote abort attempts.
const abortRetries = 3

// Pool owns every live builder session: one stream-reader goroutine per
// session, a cancellation registry keyed by task, and gate suspension state.
// Readers publish observations exclusively through the event log.
type Pool struct {
	store    *eventlog.Store
	registry *Registry
	timeouts *config.TimeoutsConfig
	limits   *config.LimitsConfig
	logger   *slog.Logger

	mu      sync.Mutex
	runners map[string]*runner // task id → live runner
	wg      sync.WaitGroup
}

// runner tracks one live session's stream consumer.
type runner struct {
	taskID    string
	sessionID string
	adapter   Adapter
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	cursor   string
	gateOpen bool
}

// NewPool creates an empty session pool.
func NewPool(store *eventlog.Store, registry *Registry, timeouts *config.TimeoutsConfig, limits *config.LimitsConfig) *Pool {
	return &Pool{
		store:    store,
		registry: registry,
		timeouts: timeouts,
		limits:   limits,
		logger:   slog.With("component", "builder-pool"),
		runners:  make(map[string]*runner),
	}
}

// Live returns the number of live sessions.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.runners)
}

// Saturated reports whether a new dispatch would exceed the session cap.
func (p *Pool) Saturated() bool {
	return p.Live() >= p.limits.MaxLiveSessions
}

// Dispatch creates a remote session for a ready task and starts consuming its
// event stream. Idempotent by dispatch token: a repeat dispatch of the same
// frozen handoff returns the existing session id without new events; a
// dispatch with a different token against an in-flight session conflicts.
func (p *Pool) Dispatch(ctx context.Context, task *models.Task, spec *models.HandoffSpec, builderName string) (string, error) {
	adapter, err := p.registry.Get(builderName)
	if err != nil {
		return "", eventlog.NewValidationError("builder_kind", err.Error())
	}

	token := DispatchToken(task.ID, spec.Digest())

	snap := p.store.Snapshot()
	if cur := snap.Tasks[task.ID]; cur != nil && cur.BuilderSessionID != "" {
		if sess := snap.Sessions[cur.BuilderSessionID]; sess != nil && !sess.Status.IsTerminal() {
			if cur.DispatchToken == token {
				return cur.BuilderSessionID, nil
			}
			return "", eventlog.NewConflictError(
				"task %s already has in-flight session %s with a different handoff", task.ID, cur.BuilderSessionID)
		}
	}

	if p.Saturated() {
		return "", ErrPoolSaturated
	}

	// Pointer-first: the message references the frozen artifact paths and
	// the contract goal, never the full handoff body.
	msg := fmt.Sprintf("Execute the frozen handoff for task %s.\nhandoff: %s\ncontract: %s\ngoal: %s",
		task.ID, task.HandoffPromptPath, task.HandoffSpecPath, spec.Goal)

	sessionID, err := adapter.CreateSession(ctx, &CreateSessionRequest{
		TaskID:          task.ID,
		Message:         msg,
		HandoffMDPath:   task.HandoffPromptPath,
		HandoffJSONPath: task.HandoffSpecPath,
		Gates:           spec.Gates,
	})
	if err != nil {
		metrics.Dispatches.WithLabelValues(builderName, "error").Inc()
		return "", fmt.Errorf("failed to create builder session: %w", err)
	}
	metrics.Dispatches.WithLabelValues(builderName, "ok").Inc()

	_, err = p.store.Append(ctx, &models.Event{
		Type:   models.EventBuilderDispatched,
		TaskID: task.ID,
		Refs:   &models.EventRefs{SessionID: sessionID},
		Payload: map[string]any{
			"builder_kind":   builderName,
			"dispatch_token": token,
		},
		IdempotencyKey: "dispatch:" + token,
	})
	if err != nil {
		if dup, ok := eventlog.AsDuplicate(err); ok {
			p.logger.Info("Duplicate dispatch", "task_id", task.ID, "original_seq", dup.Seq)
			if cur := p.store.Snapshot().Tasks[task.ID]; cur != nil {
				return cur.BuilderSessionID, nil
			}
		}
		return "", err
	}

	p.startRunner(task.ID, sessionID, adapter, "")
	return sessionID, nil
}

// startRunner registers a runner and launches its stream consumer.
func (p *Pool) startRunner(taskID, sessionID string, adapter Adapter, cursor string) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{
		taskID:    taskID,
		sessionID: sessionID,
		adapter:   adapter,
		cancel:    cancel,
		done:      make(chan struct{}),
		cursor:    cursor,
	}

	p.mu.Lock()
	p.runners[taskID] = r
	p.mu.Unlock()
	metrics.LiveSessions.Inc()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(r.done)
		defer p.removeRunner(taskID, r)
		p.consume(ctx, r)
	}()
}

func (p *Pool) removeRunner(taskID string, r *runner) {
	p.mu.Lock()
	if p.runners[taskID] == r {
		delete(p.runners, taskID)
	}
	p.mu.Unlock()
	metrics.LiveSessions.Dec()
}

func (p *Pool) runner(taskID string) *runner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runners[taskID]
}

// HasRunner reports whether a task has a live stream consumer.
func (p *Pool) HasRunner(taskID string) bool {
	return p.runner(taskID) != nil
}

// SendUserMessage forwards user input into a live session. Suspended while a
// gate is pending: the remote gets no further input until resolution.
func (p *Pool) SendUserMessage(ctx context.Context, taskID, content string) error {
	r := p.runner(taskID)
	if r == nil {
		return ErrNoLiveSession
	}
	r.mu.Lock()
	gateOpen := r.gateOpen
	r.mu.Unlock()
	if gateOpen {
		return eventlog.NewConflictError("task %s has a pending gate; input is suspended", taskID)
	}

	op := func() error {
		return r.adapter.SendMessage(ctx, r.sessionID, content)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
}

// ForwardGateDecision relays a resolved gate to the remote, retrying a few
// times on failure, and lifts the input suspension.
func (p *Pool) ForwardGateDecision(ctx context.Context, taskID string, approved bool) error {
	r := p.runner(taskID)
	if r == nil {
		return ErrNoLiveSession
	}
	op := func() error {
		return r.adapter.ResolveGate(ctx, r.sessionID, approved)
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)); err != nil {
		return err
	}
	r.mu.Lock()
	r.gateOpen = false
	r.mu.Unlock()
	return nil
}

// Abort requests cooperative cancellation: the remote abort endpoint is
// called (a few attempts), then the stream is given a bounded interval to
// confirm termination. The confirmed or unconfirmed follow-up event is
// appended either way. The caller has already appended the pending
// TaskCanceled event.
func (p *Pool) Abort(ctx context.Context, taskID, reason string) {
	r := p.runner(taskID)
	if r == nil {
		// Nothing in flight; confirm immediately.
		p.appendCancelResolution(taskID, reason, true)
		return
	}

	var abortErr error
	for attempt := 0; attempt < abortRetries; attempt++ {
		if abortErr = r.adapter.Abort(ctx, r.sessionID); abortErr == nil {
			break
		}
		p.logger.Warn("Remote abort attempt failed",
			"task_id", taskID, "attempt", attempt+1, "error", abortErr)
	}

	confirmed := false
	select {
	case <-r.done:
		confirmed = true
	case <-time.After(p.timeouts.AbortConfirm.Std()):
		// The local session is torn down regardless.
		r.cancel()
	case <-ctx.Done():
		r.cancel()
	}

	p.appendCancelResolution(taskID, reason, confirmed)
}

// appendCancelResolution appends the TaskCanceled follow-up event.
func (p *Pool) appendCancelResolution(taskID, reason string, confirmed bool) {
	phase := models.CancelPhaseConfirmed
	if !confirmed {
		phase = models.CancelPhaseUnconfirmed
	}
	payload := map[string]any{"phase": phase, "reason": reason}
	if !confirmed {
		payload["warning"] = "abort_unconfirmed"
	}
	if _, err := p.store.Append(context.Background(), &models.Event{
		Type:    models.EventTaskCanceled,
		TaskID:  taskID,
		Payload: payload,
	}); err != nil {
		p.logger.Error("Failed to append cancel resolution", "task_id", taskID, "error", err)
	}
}

// Shutdown cancels every runner and waits for them to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	for _, r := range p.runners {
		r.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// consume reads the session's event stream until a terminal event, the
// context is canceled, or the reconnect budget is exhausted. Stream idleness
// beyond the configured timeout triggers a reconnect attempt, not a failure;
// too many reconnects within the window declare the session lost.
func (p *Pool) consume(ctx context.Context, r *runner) {
	log := p.logger.With("task_id", r.taskID, "session_id", r.sessionID)

	reconnects := 0
	windowStart := time.Now()
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		streamCtx, cancelStream := context.WithCancel(ctx)
		events, errs := r.adapter.StreamEvents(streamCtx, r.sessionID, r.currentCursor())
		terminal, streamErr := p.pump(streamCtx, r, events, errs, log)
		cancelStream()

		if terminal || ctx.Err() != nil {
			return
		}

		// Reset the reconnect budget once the window has passed.
		if time.Since(windowStart) > p.limits.StreamReconnectWindow.Std() {
			reconnects = 0
			windowStart = time.Now()
			retry.Reset()
		}
		reconnects++
		if reconnects > p.limits.StreamReconnectCap {
			log.Error("Stream reconnect cap exhausted; declaring session lost", "error", streamErr)
			p.declareLost(r, "stream reconnect cap exhausted")
			return
		}

		wait := retry.NextBackOff()
		log.Warn("Stream interrupted; reconnecting",
			"attempt", reconnects, "backoff", wait, "error", streamErr)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// pump drains one stream connection. Returns terminal=true when a terminal
// domain event was appended (or the task refuses further events).
func (p *Pool) pump(ctx context.Context, r *runner, events <-chan *RemoteEvent, errs <-chan error, log *slog.Logger) (bool, error) {
	idle := time.NewTimer(p.timeouts.StreamIdle.Std())
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()

		case err := <-errs:
			return false, err

		case <-idle.C:
			return false, fmt.Errorf("stream idle for %s", p.timeouts.StreamIdle.Std())

		case ev, ok := <-events:
			if !ok {
				// Remote closed the stream without a terminal event.
				return false, errors.New("stream closed by remote")
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.timeouts.StreamIdle.Std())

			r.setCursor(ev.Cursor)
			terminal := p.translate(r, ev, log)
			if terminal {
				return true, nil
			}
		}
	}
}

// translate converts one remote event into exactly one domain event and
// appends it. Returns true for terminal events. Appends rejected by the
// state machine (e.g. frames arriving after cancellation) are logged and
// absorbed: the log stays the only source of status truth.
func (p *Pool) translate(r *runner, ev *RemoteEvent, log *slog.Logger) bool {
	domain := &models.Event{TaskID: r.taskID, Refs: &models.EventRefs{SessionID: r.sessionID}}
	terminal := false

	switch ev.Type {
	case RemoteEventStatus:
		domain.Type = models.EventBuilderStatusChanged
		domain.Payload = map[string]any{"status": ev.Status, "cursor": ev.Cursor}

	case RemoteEventGateRequested:
		domain.Type = models.EventGateRequested
		domain.Payload = map[string]any{
			"kind":   string(ev.Gate.Kind),
			"files":  ev.Gate.Files,
			"note":   ev.Gate.Note,
			"cursor": ev.Cursor,
		}
		r.mu.Lock()
		r.gateOpen = true
		r.mu.Unlock()

	case RemoteEventArtifact:
		domain.Type = models.EventBuilderStatusChanged
		domain.Payload = map[string]any{"status": models.BuilderStatusRunning, "cursor": ev.Cursor}
		if len(ev.Artifacts) > 0 {
			domain.Refs.ArtifactPath = ev.Artifacts[0]
		}

	case RemoteEventCompleted:
		domain.Type = models.EventBuildCompleted
		domain.Payload = map[string]any{"artifacts": ev.Artifacts, "cursor": ev.Cursor}
		terminal = true

	case RemoteEventFailed:
		domain.Type = models.EventBuildFailed
		domain.Payload = map[string]any{"reason": ev.Reason, "cursor": ev.Cursor}
		terminal = true

	default:
		log.Warn("Dropping unrecognized remote event", "type", ev.Type)
		return false
	}

	if _, err := p.store.Append(context.Background(), domain); err != nil {
		if eventlog.IsConflict(err) {
			log.Info("State machine rejected remote event", "type", domain.Type, "error", err)
			// A rejected terminal frame still ends the stream consumer.
			return terminal
		}
		log.Error("Failed to append remote event", "type", domain.Type, "error", err)
		return false
	}
	return terminal
}

// declareLost emits the lost status observation followed by the failure.
func (p *Pool) declareLost(r *runner, reason string) {
	ctx := context.Background()
	if _, err := p.store.Append(ctx, &models.Event{
		Type:    models.EventBuilderStatusChanged,
		TaskID:  r.taskID,
		Refs:    &models.EventRefs{SessionID: r.sessionID},
		Payload: map[string]any{"status": models.BuilderStatusLost},
	}); err != nil {
		p.logger.Error("Failed to append lost status", "task_id", r.taskID, "error", err)
	}
	if _, err := p.store.Append(ctx, &models.Event{
		Type:    models.EventBuildFailed,
		TaskID:  r.taskID,
		Refs:    &models.EventRefs{SessionID: r.sessionID},
		Payload: map[string]any{"reason": "remote_unavailable: " + reason},
	}); err != nil {
		p.logger.Error("Failed to append failure after lost session", "task_id", r.taskID, "error", err)
	}
}

func (r *runner) currentCursor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *runner) setCursor(cursor string) {
	if cursor == "" {
		return
	}
	r.mu.Lock()
	r.cursor = cursor
	r.mu.Unlock()
}

// Reconcile restores adapter state after a restart: every non-terminal task
// with a recorded session is probed. Still-running sessions resume streaming
// from the last delivered cursor; terminal ones get their terminal event
// synthesized; unknown ones are declared lost and failed.
func (p *Pool) Reconcile(ctx context.Context) {
	snap := p.store.Snapshot()
	for _, task := range snap.Tasks {
		if task.Status.IsTerminal() || task.BuilderSessionID == "" {
			continue
		}
		sess := snap.Sessions[task.BuilderSessionID]
		if sess == nil || sess.Status.IsTerminal() {
			continue
		}
		p.reconcileSession(ctx, task, sess)
	}
}

func (p *Pool) reconcileSession(ctx context.Context, task *models.Task, sess *models.BuilderSession) {
	log := p.logger.With("task_id", task.ID, "session_id", sess.ID)

	adapter, err := p.registry.Get(task.BuilderKind)
	if err != nil {
		log.Warn("Builder gone from configuration; failing task")
		p.reconcileLost(task, sess, "builder no longer configured")
		return
	}

	health, err := adapter.Health(ctx, sess.ID)
	if err != nil {
		log.Warn("Session health probe failed; failing task", "error", err)
		p.reconcileLost(task, sess, "health probe failed")
		return
	}

	switch {
	case !health.Known:
		log.Warn("Remote no longer knows session; failing task")
		p.reconcileLost(task, sess, "session unknown to remote")

	case health.Status == "completed":
		log.Info("Synthesizing completion for finished remote session")
		p.appendSynthesized(task, sess, models.EventBuildCompleted, map[string]any{
			"reason": "reconciled after restart",
		})

	case health.Status == "failed", health.Status == "aborted":
		log.Info("Synthesizing failure for dead remote session", "remote_status", health.Status)
		p.appendSynthesized(task, sess, models.EventBuildFailed, map[string]any{
			"reason": "remote session " + health.Status + " (reconciled after restart)",
		})

	default:
		log.Info("Resuming stream for live remote session", "cursor", sess.Cursor)
		p.startRunner(task.ID, sess.ID, adapter, sess.Cursor)
	}
}

func (p *Pool) reconcileLost(task *models.Task, sess *models.BuilderSession, reason string) {
	p.declareLost(&runner{taskID: task.ID, sessionID: sess.ID}, reason)
}

func (p *Pool) appendSynthesized(task *models.Task, sess *models.BuilderSession, eventType string, payload map[string]any) {
	// BuildCompleted is only reachable from running; bridge a task that was
	// still handed_off when the process died.
	if eventType == models.EventBuildCompleted && task.Status == models.StatusHandedOff {
		_, _ = p.store.Append(context.Background(), &models.Event{
			Type:    models.EventBuilderStatusChanged,
			TaskID:  task.ID,
			Refs:    &models.EventRefs{SessionID: sess.ID},
			Payload: map[string]any{"status": models.BuilderStatusRunning},
		})
	}
	if _, err := p.store.Append(context.Background(), &models.Event{
		Type:    eventType,
		TaskID:  task.ID,
		Refs:    &models.EventRefs{SessionID: sess.ID},
		Payload: payload,
	}); err != nil {
		p.logger.Error("Failed to append reconciled event",
			"task_id", task.ID, "type", eventType, "error", err)
	}
}

// PoolHealth summarizes the pool for the system health endpoint.
type PoolHealth struct {
	LiveSessions int `json:"live_sessions"`
	MaxSessions  int `json:"max_sessions"`
}

// Health returns the pool's current health.
func (p *Pool) Health() *PoolHealth {
	return &PoolHealth{
		LiveSessions: p.Live(),
		MaxSessions:  p.limits.MaxLiveSessions,
	}
}
