package orchestrator

import "github.com/logabell/conversator/pkg/models"

// CreateTaskRequest creates a new draft task.
type CreateTaskRequest struct {
	Title    string `json:"title"`
	Priority string `json:"priority"`
	// CommandID is the client-supplied idempotency id; optional.
	CommandID string `json:"command_id,omitempty"`
}

// CreateTaskResult is the outcome of CreateTask.
type CreateTaskResult struct {
	TaskID string `json:"task_id"`
	Topic  string `json:"topic"`
	Seq    int64  `json:"seq"`
}

// UpdatePromptRequest overwrites a task's working prompt.
type UpdatePromptRequest struct {
	TaskID string `json:"task_id"`
	// DeltaSummary is a short caller-provided description of the change;
	// the event never carries the full file.
	DeltaSummary string `json:"delta_summary"`
	Content      string `json:"content"`
	CommandID    string `json:"command_id,omitempty"`
}

// UpdatePromptResult is the outcome of UpdateWorkingPrompt.
type UpdatePromptResult struct {
	Path string `json:"path"`
	Seq  int64  `json:"seq"`
}

// QuestionsRequest records clarifying questions raised during refinement.
type QuestionsRequest struct {
	TaskID    string   `json:"task_id"`
	Questions []string `json:"questions"`
	CommandID string   `json:"command_id,omitempty"`
}

// AnswersRequest records the user's answers.
type AnswersRequest struct {
	TaskID    string         `json:"task_id"`
	Answers   map[string]any `json:"answers"`
	CommandID string         `json:"command_id,omitempty"`
}

// FreezeRequest freezes a task's working prompt into the handoff pair.
// Spec may be nil; a minimal contract is derived from the task.
type FreezeRequest struct {
	TaskID    string              `json:"task_id"`
	Spec      *models.HandoffSpec `json:"spec,omitempty"`
	CommandID string              `json:"command_id,omitempty"`
}

// FreezeResult is the outcome of FreezePrompt.
type FreezeResult struct {
	HandoffMDPath   string `json:"handoff_md_path"`
	HandoffJSONPath string `json:"handoff_json_path"`
	AlreadyFrozen   bool   `json:"already_frozen"`
	Seq             int64  `json:"seq,omitempty"`
}

// DispatchRequest hands a frozen task to a builder.
type DispatchRequest struct {
	TaskID      string `json:"task_id"`
	BuilderKind string `json:"builder_kind"`
	CommandID   string `json:"command_id,omitempty"`
}

// DispatchResult is the outcome of Dispatch.
type DispatchResult struct {
	SessionID string `json:"session_id"`
}

// GateRequest resolves a pending gate.
type GateRequest struct {
	TaskID    string `json:"task_id"`
	Approve   bool   `json:"approve"`
	CommandID string `json:"command_id,omitempty"`
}

// CancelRequest cancels a task.
type CancelRequest struct {
	TaskID    string `json:"task_id"`
	Reason    string `json:"reason"`
	CommandID string `json:"command_id,omitempty"`
}

// LinkRequest attaches an external task-graph pointer.
type LinkRequest struct {
	TaskID         string `json:"task_id"`
	ExternalTaskID string `json:"external_task_id"`
	CommandID      string `json:"command_id,omitempty"`
}

// QuickDispatchRequest captures, freezes, and dispatches in one step.
type QuickDispatchRequest struct {
	Title       string `json:"title"`
	Prompt      string `json:"prompt"`
	BuilderKind string `json:"builder_kind"`
	Priority    string `json:"priority,omitempty"`
	CommandID   string `json:"command_id,omitempty"`
}

// QuickDispatchResult is the outcome of QuickDispatch.
type QuickDispatchResult struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id,omitempty"`
	// Blocked explains why the dispatch step did not run; the task is left
	// in ready_to_handoff for a manual dispatch.
	Blocked string `json:"blocked,omitempty"`
}

// SeqResult is the outcome of commands whose only output is the appended seq.
type SeqResult struct {
	Seq int64 `json:"seq"`
}
