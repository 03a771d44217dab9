// Package models defines the domain types shared across the control plane:
// tasks, builder sessions, domain events, inbox items, and the handoff
// contract. All observable state is derived by replaying events in seq order.
package models

import (
	"encoding/json"
	"time"
)

// Domain event types. These strings are part of the on-disk log format and
// must remain stable across versions.
const (
	EventTaskCreated            = "TaskCreated"
	EventWorkingPromptUpdated   = "WorkingPromptUpdated"
	EventQuestionsRaised        = "QuestionsRaised"
	EventUserAnswered           = "UserAnswered"
	EventHandoffFrozen          = "HandoffFrozen"
	EventExternalTaskLinked     = "ExternalTaskLinked"
	EventBuilderDispatched      = "BuilderDispatched"
	EventBuilderStatusChanged   = "BuilderStatusChanged"
	EventGateRequested          = "GateRequested"
	EventGateApproved           = "GateApproved"
	EventGateDenied             = "GateDenied"
	EventBuildCompleted         = "BuildCompleted"
	EventBuildFailed            = "BuildFailed"
	EventTaskCanceled           = "TaskCanceled"
	EventQuickDispatchRequested = "QuickDispatchRequested"
	EventQuickDispatchExecuted  = "QuickDispatchExecuted"
	EventQuickDispatchBlocked   = "QuickDispatchBlocked"
)

// KnownEventTypes is the closed set of event types accepted by the log.
var KnownEventTypes = map[string]bool{
	EventTaskCreated:            true,
	EventWorkingPromptUpdated:   true,
	EventQuestionsRaised:        true,
	EventUserAnswered:           true,
	EventHandoffFrozen:          true,
	EventExternalTaskLinked:     true,
	EventBuilderDispatched:      true,
	EventBuilderStatusChanged:   true,
	EventGateRequested:          true,
	EventGateApproved:           true,
	EventGateDenied:             true,
	EventBuildCompleted:         true,
	EventBuildFailed:            true,
	EventTaskCanceled:           true,
	EventQuickDispatchRequested: true,
	EventQuickDispatchExecuted:  true,
	EventQuickDispatchBlocked:   true,
}

// Cancellation phases carried in TaskCanceled payloads. The pending event is
// appended immediately when cancellation is requested; the confirmed or
// unconfirmed follow-up is appended once the remote abort resolves.
const (
	CancelPhasePending     = "pending"
	CancelPhaseConfirmed   = "confirmed"
	CancelPhaseUnconfirmed = "unconfirmed"
)

// Builder status values carried in BuilderStatusChanged payloads.
const (
	BuilderStatusRunning           = "running"
	BuilderStatusPaused            = "paused"
	BuilderStatusWaitingPermission = "waiting_permission"
	BuilderStatusLost              = "lost"
)

// EventRefs holds optional pointers attached to an event.
type EventRefs struct {
	ExternalTaskID string `json:"external_task_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	ArtifactPath   string `json:"artifact_path,omitempty"`
}

// Event is one entry in the append-only domain log. Seq is assigned by the
// log at append time and is gap-free within a process epoch.
type Event struct {
	Seq     int64          `json:"seq"`
	Time    time.Time      `json:"time"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	Refs    *EventRefs     `json:"refs,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// IdempotencyKey dedupes appends; not part of the wire payload.
	IdempotencyKey string `json:"-"`
}

// PayloadString returns the named payload field as a string, or "".
func (e *Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadBool returns the named payload field as a bool.
func (e *Event) PayloadBool(key string) bool {
	if e.Payload == nil {
		return false
	}
	b, _ := e.Payload[key].(bool)
	return b
}

// MarshalPayload round-trips an arbitrary struct into the opaque payload map.
func MarshalPayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
