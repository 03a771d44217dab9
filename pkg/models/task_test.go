package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ev(eventType string, payload map[string]any) *Event {
	return &Event{Type: eventType, TaskID: "t1", Payload: payload}
}

func TestNextStatusHappyPath(t *testing.T) {
	steps := []struct {
		from  TaskStatus
		event *Event
		to    TaskStatus
	}{
		{StatusDraft, ev(EventWorkingPromptUpdated, nil), StatusRefining},
		{StatusRefining, ev(EventWorkingPromptUpdated, nil), StatusRefining},
		{StatusRefining, ev(EventQuestionsRaised, nil), StatusAwaitingUser},
		{StatusAwaitingUser, ev(EventUserAnswered, nil), StatusRefining},
		{StatusRefining, ev(EventHandoffFrozen, nil), StatusReadyToHandoff},
		{StatusReadyToHandoff, ev(EventBuilderDispatched, nil), StatusHandedOff},
		{StatusHandedOff, ev(EventBuilderStatusChanged, map[string]any{"status": BuilderStatusRunning}), StatusRunning},
		{StatusRunning, ev(EventBuilderStatusChanged, map[string]any{"status": BuilderStatusRunning}), StatusRunning},
		{StatusRunning, ev(EventGateRequested, map[string]any{"kind": "write"}), StatusAwaitingGate},
		{StatusAwaitingGate, ev(EventGateApproved, nil), StatusRunning},
		{StatusAwaitingGate, ev(EventGateDenied, nil), StatusRunning},
		{StatusRunning, ev(EventBuildCompleted, nil), StatusDone},
		{StatusAwaitingGate, ev(EventBuildCompleted, nil), StatusDone},
		{StatusRunning, ev(EventBuildFailed, nil), StatusFailed},
		{StatusDraft, ev(EventBuildFailed, nil), StatusFailed},
		{StatusRunning, ev(EventTaskCanceled, map[string]any{"phase": CancelPhasePending}), StatusCanceled},
		{StatusDraft, ev(EventTaskCanceled, map[string]any{"phase": CancelPhasePending}), StatusCanceled},
	}

	for _, step := range steps {
		next, ok := NextStatus(step.from, step.event)
		assert.True(t, ok, "%s from %s should be permitted", step.event.Type, step.from)
		assert.Equal(t, step.to, next, "%s from %s", step.event.Type, step.from)
	}
}

func TestNextStatusRejectsInvalid(t *testing.T) {
	invalid := []struct {
		from  TaskStatus
		event *Event
	}{
		{StatusDraft, ev(EventHandoffFrozen, nil)},
		{StatusDraft, ev(EventBuilderDispatched, nil)},
		{StatusRefining, ev(EventUserAnswered, nil)},
		{StatusHandedOff, ev(EventGateRequested, map[string]any{"kind": "write"})},
		{StatusRunning, ev(EventGateApproved, nil)},
		{StatusReadyToHandoff, ev(EventBuildCompleted, nil)},
		{StatusHandedOff, ev(EventWorkingPromptUpdated, nil)},
	}
	for _, step := range invalid {
		_, ok := NextStatus(step.from, step.event)
		assert.False(t, ok, "%s from %s should be rejected", step.event.Type, step.from)
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	events := []*Event{
		ev(EventWorkingPromptUpdated, nil),
		ev(EventBuilderDispatched, nil),
		ev(EventBuildCompleted, nil),
		ev(EventBuildFailed, nil),
		ev(EventTaskCanceled, map[string]any{"phase": CancelPhasePending}),
	}
	for _, terminal := range []TaskStatus{StatusDone, StatusFailed, StatusCanceled} {
		for _, event := range events {
			_, ok := NextStatus(terminal, event)
			assert.False(t, ok, "%s must not leave %s", event.Type, terminal)
		}
	}
}

func TestCancelConfirmationToleratedOnCanceled(t *testing.T) {
	for _, phase := range []string{CancelPhaseConfirmed, CancelPhaseUnconfirmed} {
		next, ok := NextStatus(StatusCanceled, ev(EventTaskCanceled, map[string]any{"phase": phase}))
		assert.True(t, ok, "phase %s", phase)
		assert.Equal(t, StatusCanceled, next)
	}
	// But not on other terminal states.
	_, ok := NextStatus(StatusDone, ev(EventTaskCanceled, map[string]any{"phase": CancelPhaseConfirmed}))
	assert.False(t, ok)
}

func TestObservationEventsKeepStatus(t *testing.T) {
	for _, status := range []TaskStatus{StatusDraft, StatusRefining, StatusRunning} {
		next, ok := NextStatus(status, ev(EventExternalTaskLinked, nil))
		assert.True(t, ok)
		assert.Equal(t, status, next)
	}
	next, ok := NextStatus(StatusRunning, ev(EventBuilderStatusChanged, map[string]any{"status": BuilderStatusLost}))
	assert.True(t, ok)
	assert.Equal(t, StatusRunning, next)
}

func TestHandoffSpecDigestStable(t *testing.T) {
	spec := &HandoffSpec{
		Version:          HandoffVersion,
		Goal:             "fix token refresh",
		DefinitionOfDone: []string{"refresh works after idle"},
		Gates:            GateFlags{Write: true},
	}
	assert.Equal(t, spec.Digest(), spec.Digest())

	other := &HandoffSpec{
		Version:          HandoffVersion,
		Goal:             "fix token refresh",
		DefinitionOfDone: []string{"refresh works after idle", "tests added"},
		Gates:            GateFlags{Write: true},
	}
	assert.NotEqual(t, spec.Digest(), other.Digest())
}
