// Package builder provides the uniform abstraction over remote coding-agent
// servers: session creation, message delivery, event streaming, cancellation,
// and health checks, plus the bounded pool of live sessions. Stream readers
// never mutate derived state directly; every observation enters the system as
// a domain event appended through the event log.
package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/logabell/conversator/pkg/config"
	"github.com/logabell/conversator/pkg/models"
)

// Remote event types recognized by the translation layer. Anything else is
// logged with its raw payload and dropped.
const (
	RemoteEventStatus        = "status"
	RemoteEventGateRequested = "gate_requested"
	RemoteEventArtifact      = "artifact"
	RemoteEventCompleted     = "completed"
	RemoteEventFailed        = "failed"
)

// RemoteEvent is one decoded frame from a builder's event stream.
type RemoteEvent struct {
	// Cursor is the remote's resume position after this event.
	Cursor string
	Type   string
	// Status accompanies RemoteEventStatus frames.
	Status string
	// Gate accompanies RemoteEventGateRequested frames.
	Gate *models.GateRequest
	// Artifacts accompanies terminal and artifact frames.
	Artifacts []string
	// Reason accompanies RemoteEventFailed frames.
	Reason string
}

// CreateSessionRequest carries what a remote builder needs to start working.
// Handoff content travels as pointers; the message body references the paths
// rather than inlining the frozen files.
type CreateSessionRequest struct {
	TaskID          string           `json:"task_id"`
	Message         string           `json:"message"`
	HandoffMDPath   string           `json:"handoff_md_path"`
	HandoffJSONPath string           `json:"handoff_json_path"`
	Gates           models.GateFlags `json:"gates"`
	Model           string           `json:"model,omitempty"`
}

// SessionHealth is the result of a per-session health probe.
type SessionHealth struct {
	// Known is false when the remote no longer recognizes the session.
	Known bool
	// Status is the remote's view: running, paused, waiting_permission,
	// completed, failed, aborted.
	Status string
}

// Adapter is the capability set every builder variant implements.
type Adapter interface {
	// CreateSession starts a remote session and returns its id.
	CreateSession(ctx context.Context, req *CreateSessionRequest) (string, error)
	// SendMessage delivers a user message into a live session.
	SendMessage(ctx context.Context, sessionID, content string) error
	// ResolveGate forwards a gate decision to the remote.
	ResolveGate(ctx context.Context, sessionID string, approved bool) error
	// StreamEvents opens the remote event stream from a cursor. The events
	// channel closes when the stream ends; a transport error is delivered on
	// the error channel. Both respect ctx cancellation.
	StreamEvents(ctx context.Context, sessionID, fromCursor string) (<-chan *RemoteEvent, <-chan error)
	// Abort requests cooperative cancellation of a session.
	Abort(ctx context.Context, sessionID string) error
	// Health probes one session.
	Health(ctx context.Context, sessionID string) (*SessionHealth, error)
	// Ping probes the builder server itself.
	Ping(ctx context.Context) error
}

// DispatchToken derives the idempotency token for a dispatch: the same task
// and the same frozen handoff always produce the same token.
func DispatchToken(taskID, handoffDigest string) string {
	sum := sha256.Sum256([]byte(taskID + "\x00" + handoffDigest))
	return hex.EncodeToString(sum[:])
}

// Registry maps configured builder names to live adapters.
type Registry struct {
	adapters map[string]Adapter
	configs  map[string]*config.BuilderConfig
}

// NewRegistry constructs adapters for every declared builder.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		adapters: make(map[string]Adapter),
		configs:  make(map[string]*config.BuilderConfig),
	}
	for name, bc := range cfg.Builders {
		switch bc.Kind {
		case config.BuilderKindHTTP:
			r.adapters[name] = NewHTTPAdapter(bc, &cfg.Timeouts)
		default:
			return nil, fmt.Errorf("builder %q: unsupported kind %q", name, bc.Kind)
		}
		r.configs[name] = bc
	}
	return r, nil
}

// Get returns the adapter for a builder name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("builder %q is not configured", name)
	}
	return a, nil
}

// Has reports whether a builder name is configured.
func (r *Registry) Has(name string) bool {
	_, ok := r.adapters[name]
	return ok
}

// Config returns the declaration for a builder name, or nil.
func (r *Registry) Config(name string) *config.BuilderConfig {
	return r.configs[name]
}

// Names returns the configured builder names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
