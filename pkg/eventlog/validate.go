package eventlog

import (
	"github.com/logabell/conversator/pkg/models"
)

// validate checks a proposed event against the current derived state before
// it is assigned a seq. Returns a ValidationError for malformed events, a
// ConflictError for impossible transitions, or nil. Runs under the appender
// lock; must not mutate state.
func validate(st *State, ev *models.Event) error {
	if !models.KnownEventTypes[ev.Type] {
		return NewValidationError("type", "unknown event type "+ev.Type)
	}

	if ev.Type == models.EventTaskCreated {
		if ev.TaskID == "" {
			return NewValidationError("task_id", "required")
		}
		if st.task(ev.TaskID) != nil {
			return NewConflictError("task %s already exists", ev.TaskID)
		}
		title := ev.PayloadString("title")
		if title == "" {
			return NewValidationError("title", "required")
		}
		prio := models.TaskPriority(ev.PayloadString("priority"))
		if !models.ValidPriorities[prio] {
			return NewValidationError("priority", "unknown priority "+string(prio))
		}
		return nil
	}

	// All remaining event types are task-scoped.
	if ev.TaskID == "" {
		return NewValidationError("task_id", "required for "+ev.Type)
	}
	task := st.task(ev.TaskID)
	if task == nil {
		return ErrTaskNotFound
	}

	if _, ok := models.NextStatus(task.Status, ev); !ok {
		return NewConflictError("event %s not permitted for task %s in status %s",
			ev.Type, task.ID, task.Status)
	}

	switch ev.Type {
	case models.EventHandoffFrozen:
		if t := st.topics[task.Topic]; t != nil && t.Frozen {
			return NewConflictError("topic %s is already frozen", task.Topic)
		}

	case models.EventExternalTaskLinked:
		if ev.Refs == nil || ev.Refs.ExternalTaskID == "" {
			return NewValidationError("refs.external_task_id", "required")
		}
		if task.ExternalTaskID != "" && task.ExternalTaskID != ev.Refs.ExternalTaskID {
			return NewConflictError("task %s is already linked to %s", task.ID, task.ExternalTaskID)
		}

	case models.EventBuilderDispatched:
		if ev.Refs == nil || ev.Refs.SessionID == "" {
			return NewValidationError("refs.session_id", "required")
		}
		if live := st.liveSession(task.ID); live != nil {
			return NewConflictError("task %s already has in-flight session %s", task.ID, live.ID)
		}

	case models.EventGateRequested:
		kind := models.GateKind(ev.PayloadString("kind"))
		if !models.ValidGateKinds[kind] {
			return NewValidationError("kind", "unknown gate kind "+string(kind))
		}

	case models.EventTaskCanceled:
		switch ev.PayloadString("phase") {
		case models.CancelPhasePending, models.CancelPhaseConfirmed, models.CancelPhaseUnconfirmed:
		default:
			return NewValidationError("phase", "unknown cancel phase")
		}
	}

	return nil
}
