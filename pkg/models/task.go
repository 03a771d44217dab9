package models

import "time"

// TaskStatus is the lifecycle state of a task. The set is closed; terminal
// states are absorbing.
type TaskStatus string

// Task lifecycle states.
const (
	StatusDraft          TaskStatus = "draft"
	StatusRefining       TaskStatus = "refining"
	StatusReadyToHandoff TaskStatus = "ready_to_handoff"
	StatusHandedOff      TaskStatus = "handed_off"
	StatusRunning        TaskStatus = "running"
	StatusAwaitingGate   TaskStatus = "awaiting_gate"
	StatusAwaitingUser   TaskStatus = "awaiting_user"
	StatusDone           TaskStatus = "done"
	StatusFailed         TaskStatus = "failed"
	StatusCanceled       TaskStatus = "canceled"
)

// ValidStatuses is the closed set of task states.
var ValidStatuses = map[TaskStatus]bool{
	StatusDraft:          true,
	StatusRefining:       true,
	StatusReadyToHandoff: true,
	StatusHandedOff:      true,
	StatusRunning:        true,
	StatusAwaitingGate:   true,
	StatusAwaitingUser:   true,
	StatusDone:           true,
	StatusFailed:         true,
	StatusCanceled:       true,
}

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// TaskPriority orders tasks for display and delivery.
type TaskPriority string

// Task priorities.
const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ValidPriorities is the closed set of priorities.
var ValidPriorities = map[TaskPriority]bool{
	PriorityLow:    true,
	PriorityNormal: true,
	PriorityHigh:   true,
	PriorityUrgent: true,
}

// Task is a unit of work tracked by the control plane. Mutated only through
// events; every field here is derivable from the log.
type Task struct {
	ID                string       `json:"task_id"`
	Title             string       `json:"title"`
	Status            TaskStatus   `json:"status"`
	Priority          TaskPriority `json:"priority"`
	Topic             string       `json:"topic"`
	WorkingPromptPath string       `json:"working_prompt_path,omitempty"`
	HandoffPromptPath string       `json:"handoff_prompt_path,omitempty"`
	HandoffSpecPath   string       `json:"handoff_spec_path,omitempty"`
	ExternalTaskID    string       `json:"external_task_id,omitempty"`
	BuilderSessionID  string       `json:"builder_session_id,omitempty"`
	BuilderKind       string       `json:"builder_kind,omitempty"`
	DispatchToken     string       `json:"-"`
	LastEventSeq      int64        `json:"last_event_seq"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`

	// PendingGate holds the unresolved gate request, if any.
	PendingGate *GateRequest `json:"pending_gate,omitempty"`
}

// GateRequest is an authorization checkpoint raised by a builder.
type GateRequest struct {
	Kind  GateKind `json:"kind"`
	Files []string `json:"files,omitempty"`
	Note  string   `json:"note,omitempty"`
}

// GateKind distinguishes what the builder is asking permission for.
type GateKind string

// Gate kinds.
const (
	GateWrite       GateKind = "write"
	GateRun         GateKind = "run"
	GateDestructive GateKind = "destructive"
)

// ValidGateKinds is the closed set of gate kinds.
var ValidGateKinds = map[GateKind]bool{
	GateWrite:       true,
	GateRun:         true,
	GateDestructive: true,
}

// NextStatus computes the task status implied by applying ev to a task in
// status cur. ok is false when the transition is not permitted. Events that
// are pure observations (linking, quick-dispatch bookkeeping, non-running
// builder status) leave the status unchanged.
func NextStatus(cur TaskStatus, ev *Event) (TaskStatus, bool) {
	if cur.IsTerminal() {
		// The only event tolerated on a terminal task is the cancellation
		// confirmation follow-up, which does not change status.
		if ev.Type == EventTaskCanceled && cur == StatusCanceled {
			phase := ev.PayloadString("phase")
			if phase == CancelPhaseConfirmed || phase == CancelPhaseUnconfirmed {
				return cur, true
			}
		}
		return cur, false
	}

	switch ev.Type {
	case EventWorkingPromptUpdated:
		if cur == StatusDraft || cur == StatusRefining {
			return StatusRefining, true
		}
	case EventQuestionsRaised:
		if cur == StatusRefining {
			return StatusAwaitingUser, true
		}
	case EventUserAnswered:
		if cur == StatusAwaitingUser {
			return StatusRefining, true
		}
	case EventHandoffFrozen:
		if cur == StatusRefining {
			return StatusReadyToHandoff, true
		}
	case EventExternalTaskLinked,
		EventQuickDispatchRequested, EventQuickDispatchExecuted, EventQuickDispatchBlocked:
		return cur, true
	case EventBuilderDispatched:
		if cur == StatusReadyToHandoff {
			return StatusHandedOff, true
		}
	case EventBuilderStatusChanged:
		switch ev.PayloadString("status") {
		case BuilderStatusRunning:
			if cur == StatusHandedOff || cur == StatusRunning {
				return StatusRunning, true
			}
		case BuilderStatusPaused, BuilderStatusWaitingPermission, BuilderStatusLost:
			// Observation only; a lost session is followed by BuildFailed.
			if cur == StatusHandedOff || cur == StatusRunning || cur == StatusAwaitingGate {
				return cur, true
			}
		}
	case EventGateRequested:
		if cur == StatusRunning {
			return StatusAwaitingGate, true
		}
	case EventGateApproved, EventGateDenied:
		if cur == StatusAwaitingGate {
			return StatusRunning, true
		}
	case EventBuildCompleted:
		if cur == StatusRunning || cur == StatusAwaitingGate {
			return StatusDone, true
		}
	case EventBuildFailed:
		return StatusFailed, true
	case EventTaskCanceled:
		return StatusCanceled, true
	}
	return cur, false
}
