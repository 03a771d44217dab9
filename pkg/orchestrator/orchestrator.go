// Package orchestrator owns the task state machine. It translates external
// commands (voice tool calls, dashboard actions) into validated events
// appended through the event log; it is the only component that constructs
// status-changing events from user intent. Stream observations enter the log
// separately via the builder pool.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/logabell/conversator/pkg/builder"
	"github.com/logabell/conversator/pkg/eventlog"
	"github.com/logabell/conversator/pkg/models"
	"github.com/logabell/conversator/pkg/promptspace"
)

// Orchestrator mediates between prompt freeze, adapter dispatch, and gate
// resolution.
type Orchestrator struct {
	store     *eventlog.Store
	workspace *promptspace.Workspace
	pool      *builder.Pool
	registry  *builder.Registry
	logger    *slog.Logger
}

// New creates the orchestrator.
func New(store *eventlog.Store, workspace *promptspace.Workspace, pool *builder.Pool, registry *builder.Registry) *Orchestrator {
	return &Orchestrator{
		store:     store,
		workspace: workspace,
		pool:      pool,
		registry:  registry,
		logger:    slog.With("component", "orchestrator"),
	}
}

// Snapshot returns the current derived state.
func (o *Orchestrator) Snapshot() *eventlog.Snapshot {
	return o.store.Snapshot()
}

// CreateTask creates a draft task and its prompt topic.
func (o *Orchestrator) CreateTask(ctx context.Context, req *CreateTaskRequest) (*CreateTaskResult, error) {
	if req.Title == "" {
		return nil, eventlog.NewValidationError("title", "required")
	}
	if req.Priority == "" {
		req.Priority = string(models.PriorityNormal)
	}

	var result CreateTaskResult
	err := o.withCommand(ctx, req.CommandID, &result, func() (any, error) {
		taskID := uuid.New().String()
		topic := o.uniqueTopic(req.Title, taskID)

		seq, err := o.store.Append(ctx, &models.Event{
			Type:   models.EventTaskCreated,
			TaskID: taskID,
			Payload: map[string]any{
				"title":    req.Title,
				"priority": req.Priority,
				"topic":    topic,
			},
		})
		if err != nil {
			return nil, err
		}
		return &CreateTaskResult{TaskID: taskID, Topic: topic, Seq: seq}, nil
	})
	return &result, err
}

// uniqueTopic derives a topic slug from the title, disambiguated with the
// task id's first segment when the slug is already taken.
func (o *Orchestrator) uniqueTopic(title, taskID string) string {
	slug := promptspace.Slugify(title)
	snap := o.store.Snapshot()
	if _, taken := snap.Topics[slug]; !taken {
		return slug
	}
	suffix := taskID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return slug + "-" + suffix
}

// UpdateWorkingPrompt overwrites working.md and records the change. The
// event carries only the caller's delta summary, never the file body.
func (o *Orchestrator) UpdateWorkingPrompt(ctx context.Context, req *UpdatePromptRequest) (*UpdatePromptResult, error) {
	task, err := o.taskFor(req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusDraft && task.Status != models.StatusRefining {
		return nil, eventlog.NewConflictError("task %s is %s; working prompt is closed", task.ID, task.Status)
	}

	var result UpdatePromptResult
	err = o.withCommand(ctx, req.CommandID, &result, func() (any, error) {
		path, err := o.workspace.UpdateWorking(task.Topic, req.Content)
		if err != nil {
			return nil, err
		}
		seq, err := o.store.Append(ctx, &models.Event{
			Type:   models.EventWorkingPromptUpdated,
			TaskID: task.ID,
			Payload: map[string]any{
				"delta": req.DeltaSummary,
				"path":  path,
			},
		})
		if err != nil {
			return nil, err
		}
		return &UpdatePromptResult{Path: path, Seq: seq}, nil
	})
	return &result, err
}

// RaiseQuestions records clarifying questions and parks the task on the user.
func (o *Orchestrator) RaiseQuestions(ctx context.Context, req *QuestionsRequest) (*SeqResult, error) {
	if len(req.Questions) == 0 {
		return nil, eventlog.NewValidationError("questions", "at least one question is required")
	}
	var result SeqResult
	err := o.withCommand(ctx, req.CommandID, &result, func() (any, error) {
		seq, err := o.store.Append(ctx, &models.Event{
			Type:    models.EventQuestionsRaised,
			TaskID:  req.TaskID,
			Payload: map[string]any{"questions": req.Questions},
		})
		if err != nil {
			return nil, err
		}
		return &SeqResult{Seq: seq}, nil
	})
	return &result, err
}

// AnswerQuestions records answers and resumes refinement.
func (o *Orchestrator) AnswerQuestions(ctx context.Context, req *AnswersRequest) (*SeqResult, error) {
	var result SeqResult
	err := o.withCommand(ctx, req.CommandID, &result, func() (any, error) {
		seq, err := o.store.Append(ctx, &models.Event{
			Type:    models.EventUserAnswered,
			TaskID:  req.TaskID,
			Payload: map[string]any{"answers": req.Answers},
		})
		if err != nil {
			return nil, err
		}
		return &SeqResult{Seq: seq}, nil
	})
	return &result, err
}

// FreezePrompt produces the immutable handoff pair and marks the task ready.
// Idempotent per topic: repeated freezes return the existing paths and do
// not re-emit HandoffFrozen.
func (o *Orchestrator) FreezePrompt(ctx context.Context, req *FreezeRequest) (*FreezeResult, error) {
	task, err := o.taskFor(req.TaskID)
	if err != nil {
		return nil, err
	}

	var result FreezeResult
	err = o.withCommand(ctx, req.CommandID, &result, func() (any, error) {
		spec := req.Spec
		if spec == nil {
			spec = o.defaultSpec(task)
		}
		if spec.Version == 0 {
			spec.Version = models.HandoffVersion
		}
		if task.ExternalTaskID != "" && spec.ContextPointers.ExternalTaskID == "" {
			spec.ContextPointers.ExternalTaskID = task.ExternalTaskID
		}

		frozen, err := o.workspace.Freeze(task.Topic, task.Title, spec)
		if err != nil {
			return nil, err
		}
		out := &FreezeResult{
			HandoffMDPath:   frozen.HandoffMDPath,
			HandoffJSONPath: frozen.HandoffJSONPath,
			AlreadyFrozen:   frozen.AlreadyFrozen,
		}
		if frozen.AlreadyFrozen {
			return out, nil
		}

		seq, err := o.store.Append(ctx, &models.Event{
			Type:   models.EventHandoffFrozen,
			TaskID: task.ID,
			Payload: map[string]any{
				"handoff_md_path":   frozen.HandoffMDPath,
				"handoff_json_path": frozen.HandoffJSONPath,
			},
			IdempotencyKey: "freeze:" + task.Topic,
		})
		if err != nil {
			if dup, ok := eventlog.AsDuplicate(err); ok {
				out.AlreadyFrozen = true
				out.Seq = dup.Seq
				return out, nil
			}
			return nil, err
		}
		out.Seq = seq
		return out, nil
	})
	return &result, err
}

// defaultSpec derives a minimal execution contract when the caller supplies
// none: conservative gates, the title as goal.
func (o *Orchestrator) defaultSpec(task *models.Task) *models.HandoffSpec {
	return &models.HandoffSpec{
		Version:          models.HandoffVersion,
		Goal:             task.Title,
		DefinitionOfDone: []string{"The working prompt's request is fully addressed."},
		Gates:            models.GateFlags{Write: true},
	}
}

// Dispatch hands a frozen task to the named builder. Requires
// ready_to_handoff; idempotent by dispatch token.
func (o *Orchestrator) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	task, err := o.taskFor(req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusReadyToHandoff {
		// A repeat dispatch against the in-flight session is tolerated; the
		// pool resolves it by dispatch token.
		snap := o.store.Snapshot()
		sess := snap.Sessions[task.BuilderSessionID]
		if sess == nil || sess.Status.IsTerminal() {
			return nil, eventlog.NewConflictError("task %s is %s; dispatch requires ready_to_handoff", task.ID, task.Status)
		}
	}
	if task.HandoffSpecPath == "" {
		return nil, eventlog.NewConflictError("task %s has no frozen handoff", task.ID)
	}

	var result DispatchResult
	err = o.withCommand(ctx, req.CommandID, &result, func() (any, error) {
		spec, err := promptspace.ReadSpec(task.HandoffSpecPath)
		if err != nil {
			return nil, eventlog.NewValidationError("handoff", err.Error())
		}
		sessionID, err := o.pool.Dispatch(ctx, task, spec, req.BuilderKind)
		if err != nil {
			return nil, err
		}
		return &DispatchResult{SessionID: sessionID}, nil
	})
	return &result, err
}

// ResolveGate approves or denies the pending gate and forwards the decision
// upstream. Remote delivery failures are absorbed and retried by the pool's
// send path; the state machine is the source of truth either way.
func (o *Orchestrator) ResolveGate(ctx context.Context, req *GateRequest) (*SeqResult, error) {
	task, err := o.taskFor(req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusAwaitingGate {
		return nil, eventlog.NewConflictError("task %s has no pending gate", task.ID)
	}

	var result SeqResult
	err = o.withCommand(ctx, req.CommandID, &result, func() (any, error) {
		eventType := models.EventGateDenied
		if req.Approve {
			eventType = models.EventGateApproved
		}
		seq, err := o.store.Append(ctx, &models.Event{
			Type:    eventType,
			TaskID:  task.ID,
			Payload: map[string]any{"resolution": "user"},
		})
		if err != nil {
			return nil, err
		}
		if err := o.pool.ForwardGateDecision(ctx, task.ID, req.Approve); err != nil {
			o.logger.Warn("Failed to forward gate decision upstream",
				"task_id", task.ID, "error", err)
		}
		return &SeqResult{Seq: seq}, nil
	})
	return &result, err
}

// Cancel requests cooperative cancellation. A pending gate is auto-denied
// first; the pending cancellation event is appended immediately. With a live
// builder session the abort confirmation follows asynchronously; without one
// it is appended before Cancel returns.
func (o *Orchestrator) Cancel(ctx context.Context, req *CancelRequest) (*SeqResult, error) {
	task, err := o.taskFor(req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, eventlog.NewConflictError("task %s is already %s", task.ID, task.Status)
	}

	var result SeqResult
	err = o.withCommand(ctx, req.CommandID, &result, func() (any, error) {
		if task.Status == models.StatusAwaitingGate {
			if _, err := o.store.Append(ctx, &models.Event{
				Type:    models.EventGateDenied,
				TaskID:  task.ID,
				Payload: map[string]any{"resolution": "auto_cancel"},
			}); err != nil {
				return nil, err
			}
			if err := o.pool.ForwardGateDecision(ctx, task.ID, false); err != nil {
				o.logger.Warn("Failed to forward auto-denied gate upstream",
					"task_id", task.ID, "error", err)
			}
		}

		seq, err := o.store.Append(ctx, &models.Event{
			Type:   models.EventTaskCanceled,
			TaskID: task.ID,
			Payload: map[string]any{
				"phase":  models.CancelPhasePending,
				"reason": req.Reason,
			},
		})
		if err != nil {
			return nil, err
		}

		if o.pool.HasRunner(task.ID) {
			go o.pool.Abort(context.Background(), task.ID, req.Reason)
		} else {
			o.pool.Abort(ctx, task.ID, req.Reason)
		}
		return &SeqResult{Seq: seq}, nil
	})
	return &result, err
}

// LinkExternal attaches the external task-graph pointer. Idempotent: linking
// the same id again is a no-op; a different id conflicts.
func (o *Orchestrator) LinkExternal(ctx context.Context, req *LinkRequest) (*SeqResult, error) {
	if req.ExternalTaskID == "" {
		return nil, eventlog.NewValidationError("external_task_id", "required")
	}
	task, err := o.taskFor(req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.ExternalTaskID == req.ExternalTaskID {
		return &SeqResult{Seq: task.LastEventSeq}, nil
	}

	var result SeqResult
	err = o.withCommand(ctx, req.CommandID, &result, func() (any, error) {
		seq, err := o.store.Append(ctx, &models.Event{
			Type:   models.EventExternalTaskLinked,
			TaskID: task.ID,
			Refs:   &models.EventRefs{ExternalTaskID: req.ExternalTaskID},
		})
		if err != nil {
			return nil, err
		}
		return &SeqResult{Seq: seq}, nil
	})
	return &result, err
}

// QuickDispatch captures a one-shot prompt, freezes it immediately, and
// dispatches it — unless a policy check blocks the dispatch step, in which
// case the task is left ready_to_handoff for a manual decision.
func (o *Orchestrator) QuickDispatch(ctx context.Context, req *QuickDispatchRequest) (*QuickDispatchResult, error) {
	if req.Title == "" || req.Prompt == "" {
		return nil, eventlog.NewValidationError("title", "title and prompt are required")
	}

	var result QuickDispatchResult
	err := o.withCommand(ctx, req.CommandID, &result, func() (any, error) {
		created, err := o.CreateTask(ctx, &CreateTaskRequest{Title: req.Title, Priority: req.Priority})
		if err != nil {
			return nil, err
		}
		if _, err := o.UpdateWorkingPrompt(ctx, &UpdatePromptRequest{
			TaskID:       created.TaskID,
			DeltaSummary: "quick capture",
			Content:      req.Prompt,
		}); err != nil {
			return nil, err
		}

		if _, err := o.store.Append(ctx, &models.Event{
			Type:    models.EventQuickDispatchRequested,
			TaskID:  created.TaskID,
			Payload: map[string]any{"builder_kind": req.BuilderKind},
		}); err != nil {
			return nil, err
		}

		frozen, err := o.FreezePrompt(ctx, &FreezeRequest{TaskID: created.TaskID})
		if err != nil {
			return nil, err
		}

		if reason := o.quickDispatchBlockReason(frozen, req.BuilderKind); reason != "" {
			if _, err := o.store.Append(ctx, &models.Event{
				Type:    models.EventQuickDispatchBlocked,
				TaskID:  created.TaskID,
				Payload: map[string]any{"reason": reason},
			}); err != nil {
				return nil, err
			}
			return &QuickDispatchResult{TaskID: created.TaskID, Blocked: reason}, nil
		}

		dispatched, err := o.Dispatch(ctx, &DispatchRequest{TaskID: created.TaskID, BuilderKind: req.BuilderKind})
		if err != nil {
			return nil, err
		}
		if _, err := o.store.Append(ctx, &models.Event{
			Type:    models.EventQuickDispatchExecuted,
			TaskID:  created.TaskID,
			Refs:    &models.EventRefs{SessionID: dispatched.SessionID},
			Payload: map[string]any{"builder_kind": req.BuilderKind},
		}); err != nil {
			return nil, err
		}
		return &QuickDispatchResult{TaskID: created.TaskID, SessionID: dispatched.SessionID}, nil
	})
	return &result, err
}

// quickDispatchBlockReason returns why an unattended dispatch must not run.
func (o *Orchestrator) quickDispatchBlockReason(frozen *FreezeResult, builderKind string) string {
	if !o.registry.Has(builderKind) {
		return "unknown builder " + builderKind
	}
	spec, err := promptspace.ReadSpec(frozen.HandoffJSONPath)
	if err != nil {
		return "unreadable handoff contract"
	}
	if spec.Gates.Destructive {
		// Destructive work never starts without an attended dispatch.
		return "handoff enables the destructive gate"
	}
	if o.pool.Saturated() {
		return "builder session pool is saturated"
	}
	return ""
}

// taskFor fetches a task from the snapshot.
func (o *Orchestrator) taskFor(taskID string) (*models.Task, error) {
	if taskID == "" {
		return nil, eventlog.NewValidationError("task_id", "required")
	}
	task := o.store.Snapshot().Tasks[taskID]
	if task == nil {
		return nil, eventlog.ErrTaskNotFound
	}
	return task, nil
}

// withCommand wraps a command with client-command-id idempotency: a repeated
// command id yields the original result without producing new events. Errors
// are not recorded, so a failed command may be retried with the same id.
func (o *Orchestrator) withCommand(ctx context.Context, commandID string, result any, fn func() (any, error)) error {
	if commandID != "" {
		var raw string
		err := o.store.DB().QueryRowContext(ctx,
			`SELECT result FROM command_results WHERE command_id = ?`, commandID).Scan(&raw)
		if err == nil {
			return json.Unmarshal([]byte(raw), result)
		}
	}

	out, err := fn()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal command result: %w", err)
	}
	if commandID != "" {
		if _, err := o.store.DB().ExecContext(ctx,
			`INSERT INTO command_results (command_id, result, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (command_id) DO NOTHING`,
			commandID, string(raw), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			o.logger.Warn("Failed to record command result", "command_id", commandID, "error", err)
		}
	}
	return json.Unmarshal(raw, result)
}
