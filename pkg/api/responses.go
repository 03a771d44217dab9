package api

import (
	"github.com/logabell/conversator/pkg/builder"
	"github.com/logabell/conversator/pkg/models"
)

// TaskListResponse is the tasks snapshot.
type TaskListResponse struct {
	Tasks   []*models.Task `json:"tasks"`
	LastSeq int64          `json:"last_seq"`
}

// TaskDetailResponse is one task plus its session, if any.
type TaskDetailResponse struct {
	Task    *models.Task           `json:"task"`
	Session *models.BuilderSession `json:"session,omitempty"`
	LastSeq int64                  `json:"last_seq"`
}

// InboxResponse is the inbox snapshot.
type InboxResponse struct {
	Items  []*models.InboxItem `json:"items"`
	Unread int                 `json:"unread"`
}

// AckResponse reports how many items an acknowledgment changed.
type AckResponse struct {
	Acknowledged int `json:"acknowledged"`
}

// BuilderInfo describes one configured builder and its reachability.
type BuilderInfo struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

// BuildersResponse lists the adapter registry.
type BuildersResponse struct {
	Builders []*BuilderInfo `json:"builders"`
}

// HealthResponse is the system health snapshot.
type HealthResponse struct {
	Status   string              `json:"status"`
	Version  string              `json:"version"`
	LastSeq  int64               `json:"last_seq"`
	ReadOnly bool                `json:"read_only"`
	Pool     *builder.PoolHealth `json:"pool,omitempty"`
	Unread   int                 `json:"inbox_unread"`
	WSConns  int                 `json:"ws_connections"`
}
