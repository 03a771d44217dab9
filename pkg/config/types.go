package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration with YAML decoding from "30s"-style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// BuilderKind identifies an adapter variant.
type BuilderKind string

// Adapter variants. Only the HTTP/SSE variant ships today; the registry is
// keyed so further variants slot in without touching callers.
const (
	BuilderKindHTTP BuilderKind = "http"
)

// BuilderConfig declares one remote builder endpoint.
type BuilderConfig struct {
	Name         string      `yaml:"-"`
	Kind         BuilderKind `yaml:"kind"`
	Endpoint     string      `yaml:"endpoint"`
	DefaultModel string      `yaml:"default_model,omitempty"`
	// TokenEnv names the environment variable holding the bearer token;
	// secrets never live in the YAML itself.
	TokenEnv string `yaml:"token_env,omitempty"`
}

// TimeoutsConfig groups the adapter timing policy. All values configurable.
type TimeoutsConfig struct {
	SessionCreate Duration `yaml:"session_create"`
	SendMessage   Duration `yaml:"send_message"`
	StreamIdle    Duration `yaml:"stream_idle"`
	AbortConfirm  Duration `yaml:"abort_confirm"`
	GateReminder  Duration `yaml:"gate_reminder"`
}

// LimitsConfig bounds concurrency and fan-out buffering.
type LimitsConfig struct {
	// MaxLiveSessions caps concurrent builder sessions across all builders.
	MaxLiveSessions int `yaml:"max_live_sessions"`
	// StreamReconnectCap is the number of reconnect attempts within the
	// window before the session is declared lost.
	StreamReconnectCap    int      `yaml:"stream_reconnect_cap"`
	StreamReconnectWindow Duration `yaml:"stream_reconnect_window"`
	// WSSendTimeout bounds one WebSocket write before the client is
	// considered slow.
	WSSendTimeout Duration `yaml:"ws_send_timeout"`
	// WSQueueDepth bounds a subscriber's outbound queue; overflowing
	// clients are disconnected.
	WSQueueDepth int `yaml:"ws_queue_depth"`
	// TranscriptDepth bounds the in-memory conversation feed.
	TranscriptDepth int `yaml:"transcript_depth"`
}

// RetentionConfig drives the cleanup service.
type RetentionConfig struct {
	// SessionGrace is how long a terminal task keeps its session record.
	SessionGrace Duration `yaml:"session_grace"`
	// CommandTTL is how long command results are kept for idempotent replay.
	CommandTTL Duration `yaml:"command_ttl"`
	// InboxTTL is how long acknowledged non-blocking items are kept.
	InboxTTL Duration `yaml:"inbox_ttl"`
	// SweepInterval is the cleanup loop period.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// NotifierConfig tunes delivery hint batching.
type NotifierConfig struct {
	// CoalesceWindow groups info/success items per task into one hint.
	CoalesceWindow Duration `yaml:"coalesce_window"`
}
