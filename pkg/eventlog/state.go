package eventlog

import (
	"time"

	"github.com/logabell/conversator/pkg/models"
)

// TopicState tracks the freeze status of one prompt topic.
type TopicState struct {
	Slug   string `json:"topic_slug"`
	TaskID string `json:"task_id,omitempty"`
	Frozen bool   `json:"frozen"`
}

// State is the in-memory view derived by replaying the log. It is owned by
// the Store and mutated only under the appender lock; readers get copies via
// Snapshot.
type State struct {
	tasks         map[string]*models.Task
	sessions      map[string]*models.BuilderSession
	sessionByTask map[string]string
	topics        map[string]*TopicState
	lastSeq       int64
}

func newState() *State {
	return &State{
		tasks:         make(map[string]*models.Task),
		sessions:      make(map[string]*models.BuilderSession),
		sessionByTask: make(map[string]string),
		topics:        make(map[string]*TopicState),
	}
}

// task returns the task for id, or nil.
func (st *State) task(id string) *models.Task {
	return st.tasks[id]
}

// liveSession returns the in-flight session owned by the task, or nil.
func (st *State) liveSession(taskID string) *models.BuilderSession {
	id, ok := st.sessionByTask[taskID]
	if !ok {
		return nil
	}
	sess := st.sessions[id]
	if sess == nil || sess.Status.IsTerminal() {
		return nil
	}
	return sess
}

// apply folds a validated event into the derived state. It must not fail:
// every event reaching apply has passed validate against this same state.
func (st *State) apply(ev *models.Event) {
	st.lastSeq = ev.Seq

	task := st.tasks[ev.TaskID]
	if task != nil {
		if next, ok := models.NextStatus(task.Status, ev); ok {
			task.Status = next
		}
		task.LastEventSeq = ev.Seq
		task.UpdatedAt = ev.Time
	}

	switch ev.Type {
	case models.EventTaskCreated:
		topic := ev.PayloadString("topic")
		st.tasks[ev.TaskID] = &models.Task{
			ID:           ev.TaskID,
			Title:        ev.PayloadString("title"),
			Status:       models.StatusDraft,
			Priority:     models.TaskPriority(ev.PayloadString("priority")),
			Topic:        topic,
			LastEventSeq: ev.Seq,
			CreatedAt:    ev.Time,
			UpdatedAt:    ev.Time,
		}
		if topic != "" {
			st.topics[topic] = &TopicState{Slug: topic, TaskID: ev.TaskID}
		}

	case models.EventWorkingPromptUpdated:
		if task != nil {
			task.WorkingPromptPath = ev.PayloadString("path")
		}

	case models.EventHandoffFrozen:
		if task != nil {
			task.HandoffPromptPath = ev.PayloadString("handoff_md_path")
			task.HandoffSpecPath = ev.PayloadString("handoff_json_path")
			if t := st.topics[task.Topic]; t != nil {
				t.Frozen = true
			} else if task.Topic != "" {
				st.topics[task.Topic] = &TopicState{Slug: task.Topic, TaskID: task.ID, Frozen: true}
			}
		}

	case models.EventExternalTaskLinked:
		if task != nil && task.ExternalTaskID == "" && ev.Refs != nil {
			task.ExternalTaskID = ev.Refs.ExternalTaskID
		}

	case models.EventBuilderDispatched:
		if task != nil && ev.Refs != nil {
			sess := &models.BuilderSession{
				ID:          ev.Refs.SessionID,
				TaskID:      task.ID,
				BuilderKind: ev.PayloadString("builder_kind"),
				Status:      models.SessionCreated,
				StartedAt:   ev.Time,
			}
			st.sessions[sess.ID] = sess
			st.sessionByTask[task.ID] = sess.ID
			task.BuilderSessionID = sess.ID
			task.BuilderKind = sess.BuilderKind
			task.DispatchToken = ev.PayloadString("dispatch_token")
		}

	case models.EventBuilderStatusChanged:
		if sess := st.taskSession(ev.TaskID); sess != nil {
			switch ev.PayloadString("status") {
			case models.BuilderStatusRunning:
				sess.Status = models.SessionRunning
			case models.BuilderStatusPaused:
				sess.Status = models.SessionPaused
			case models.BuilderStatusWaitingPermission:
				sess.Status = models.SessionWaitingPermission
			}
			if cursor := ev.PayloadString("cursor"); cursor != "" {
				sess.Cursor = cursor
			}
			if ev.Refs != nil && ev.Refs.ArtifactPath != "" {
				sess.Artifacts = append(sess.Artifacts, models.Artifact{
					Kind:      "artifact",
					Path:      ev.Refs.ArtifactPath,
					CreatedAt: ev.Time,
				})
			}
		}

	case models.EventGateRequested:
		if task != nil {
			task.PendingGate = &models.GateRequest{
				Kind:  models.GateKind(ev.PayloadString("kind")),
				Files: payloadStrings(ev, "files"),
				Note:  ev.PayloadString("note"),
			}
		}
		if sess := st.taskSession(ev.TaskID); sess != nil {
			sess.Status = models.SessionWaitingPermission
			if cursor := ev.PayloadString("cursor"); cursor != "" {
				sess.Cursor = cursor
			}
		}

	case models.EventGateApproved, models.EventGateDenied:
		if task != nil {
			task.PendingGate = nil
		}
		if sess := st.taskSession(ev.TaskID); sess != nil {
			sess.Status = models.SessionRunning
		}

	case models.EventBuildCompleted:
		st.endSession(ev, models.SessionCompleted)

	case models.EventBuildFailed:
		if task != nil {
			task.PendingGate = nil
		}
		st.endSession(ev, models.SessionFailed)

	case models.EventTaskCanceled:
		if task != nil {
			task.PendingGate = nil
		}
		phase := ev.PayloadString("phase")
		if phase != models.CancelPhasePending {
			st.endSession(ev, models.SessionAborted)
		}
	}
}

// taskSession returns the session currently owned by a task, terminal or not.
func (st *State) taskSession(taskID string) *models.BuilderSession {
	if id, ok := st.sessionByTask[taskID]; ok {
		return st.sessions[id]
	}
	return nil
}

// endSession marks the task's session terminal and records artifacts.
func (st *State) endSession(ev *models.Event, status models.SessionStatus) {
	sess := st.taskSession(ev.TaskID)
	if sess == nil || sess.Status.IsTerminal() {
		return
	}
	sess.Status = status
	ended := ev.Time
	sess.EndedAt = &ended
	for _, path := range payloadStrings(ev, "artifacts") {
		sess.Artifacts = append(sess.Artifacts, models.Artifact{
			Kind:      "artifact",
			Path:      path,
			CreatedAt: ev.Time,
		})
	}
}

// dropSession forgets a session record (retention teardown).
func (st *State) dropSession(sessionID string) {
	sess, ok := st.sessions[sessionID]
	if !ok {
		return
	}
	delete(st.sessions, sessionID)
	if st.sessionByTask[sess.TaskID] == sessionID {
		delete(st.sessionByTask, sess.TaskID)
	}
}

// payloadStrings extracts a []string payload field that JSON decoding may
// have produced as []any.
func payloadStrings(ev *models.Event, key string) []string {
	if ev.Payload == nil {
		return nil
	}
	switch v := ev.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Snapshot is a consistent point-in-time copy of the derived state.
type Snapshot struct {
	Tasks    map[string]*models.Task           `json:"tasks"`
	Sessions map[string]*models.BuilderSession `json:"sessions"`
	Topics   map[string]*TopicState            `json:"topics"`
	LastSeq  int64                             `json:"last_seq"`
	TakenAt  time.Time                         `json:"taken_at"`
}

// copyForSnapshot deep-copies the state under the appender lock.
func (st *State) copyForSnapshot() *Snapshot {
	snap := &Snapshot{
		Tasks:    make(map[string]*models.Task, len(st.tasks)),
		Sessions: make(map[string]*models.BuilderSession, len(st.sessions)),
		Topics:   make(map[string]*TopicState, len(st.topics)),
		LastSeq:  st.lastSeq,
		TakenAt:  time.Now().UTC(),
	}
	for id, t := range st.tasks {
		tc := *t
		if t.PendingGate != nil {
			gc := *t.PendingGate
			gc.Files = append([]string(nil), t.PendingGate.Files...)
			tc.PendingGate = &gc
		}
		snap.Tasks[id] = &tc
	}
	for id, s := range st.sessions {
		sc := *s
		sc.Artifacts = append([]models.Artifact(nil), s.Artifacts...)
		if s.EndedAt != nil {
			ended := *s.EndedAt
			sc.EndedAt = &ended
		}
		snap.Sessions[id] = &sc
	}
	for slug, t := range st.topics {
		tc := *t
		snap.Topics[slug] = &tc
	}
	return snap
}
