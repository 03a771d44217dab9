package inbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/logabell/conversator/pkg/models"
)

// Service reads and acknowledges inbox items. It shares the event log's
// database so reads are consistent with the log by event_seq.
type Service struct {
	db             *sql.DB
	coalesceWindow time.Duration
	gateReminder   time.Duration
	logger         *slog.Logger
}

// NewService creates the inbox service. coalesceWindow groups info/success
// items per task into a single delivery hint; gateReminder marks blocking
// hints as reminders once they have gone unacknowledged that long (zero
// disables the flag).
func NewService(db *sql.DB, coalesceWindow, gateReminder time.Duration) *Service {
	return &Service{
		db:             db,
		coalesceWindow: coalesceWindow,
		gateReminder:   gateReminder,
		logger:         slog.With("component", "inbox"),
	}
}

// List returns inbox items in creation order (created_at, then event_seq),
// optionally unread only. limit <= 0 means no limit.
func (s *Service) List(ctx context.Context, unreadOnly bool, limit int) ([]*models.InboxItem, error) {
	q := `SELECT inbox_id, event_seq, severity, summary, detail, task_id, created_at, read_at
	      FROM inbox`
	if unreadOnly {
		q += ` WHERE read_at IS NULL`
	}
	q += ` ORDER BY created_at, event_seq`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox: %w", err)
	}
	defer rows.Close()

	var items []*models.InboxItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// UnreadCount returns the number of unacknowledged items.
func (s *Service) UnreadCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbox WHERE read_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread inbox items: %w", err)
	}
	return n, nil
}

// Acknowledge marks items read and returns how many changed. Already-read
// items are left untouched.
func (s *Service) Acknowledge(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE inbox SET read_at = ? WHERE inbox_id IN (`+placeholders+`) AND read_at IS NULL`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("failed to acknowledge inbox items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeliveryHint is one unit of user-facing delivery for the voice layer.
// Blocking items are marked deliver-immediately; info/success items for the
// same task coalesce into one hint.
type DeliveryHint struct {
	Immediate bool            `json:"immediate"`
	Severity  models.Severity `json:"severity"`
	TaskID    string          `json:"task_id,omitempty"`
	Count     int             `json:"count"`
	Summary   string          `json:"summary"`
	ItemIDs   []string        `json:"item_ids"`
	// Reminder marks a blocking hint that has gone unacknowledged past the
	// gate reminder interval.
	Reminder bool `json:"reminder,omitempty"`
}

// PollPendingDelivery computes the current delivery hints from unread items.
// Blocking items sort ahead of everything else regardless of age; warning
// and error items are delivered individually; info/success items are grouped
// per task, held back while the group is still accumulating within the
// coalesce window. The voice layer calls this at natural pauses and
// acknowledges what it actually delivered.
func (s *Service) PollPendingDelivery(ctx context.Context) ([]*DeliveryHint, error) {
	items, err := s.List(ctx, true, 0)
	if err != nil {
		return nil, err
	}

	var hints []*DeliveryHint
	coalesced := make(map[string][]*models.InboxItem)
	var groupOrder []string // task ids in order of each group's oldest item
	now := time.Now().UTC()

	for _, item := range items {
		switch item.Severity {
		case models.SeverityInfo, models.SeveritySuccess:
			if _, seen := coalesced[item.TaskID]; !seen {
				groupOrder = append(groupOrder, item.TaskID)
			}
			coalesced[item.TaskID] = append(coalesced[item.TaskID], item)
		default:
			hint := &DeliveryHint{
				Immediate: item.Severity == models.SeverityBlocking,
				Severity:  item.Severity,
				TaskID:    item.TaskID,
				Count:     1,
				Summary:   item.Summary,
				ItemIDs:   []string{item.ID},
			}
			if hint.Immediate && s.gateReminder > 0 && now.Sub(item.CreatedAt) > s.gateReminder {
				hint.Reminder = true
			}
			hints = append(hints, hint)
		}
	}

	for _, taskID := range groupOrder {
		group := coalesced[taskID]
		newest := group[len(group)-1]
		if now.Sub(newest.CreatedAt) < s.coalesceWindow {
			continue // still accumulating
		}
		hint := &DeliveryHint{
			Severity: models.SeverityInfo,
			TaskID:   taskID,
			Count:    len(group),
			Summary:  group[0].Summary,
		}
		if len(group) > 1 {
			hint.Summary = fmt.Sprintf("%d updates on task %s", len(group), taskID)
		}
		for _, item := range group {
			hint.ItemIDs = append(hint.ItemIDs, item.ID)
		}
		hints = append(hints, hint)
	}

	// Blocking first, then by severity, then oldest first. Storage order is
	// untouched; this ordering exists only for delivery.
	sort.SliceStable(hints, func(i, j int) bool {
		if hints[i].Immediate != hints[j].Immediate {
			return hints[i].Immediate
		}
		if hints[i].Severity != hints[j].Severity {
			return hints[i].Severity.AtLeast(hints[j].Severity)
		}
		return false
	})
	return hints, nil
}

// ItemsSince returns items derived from events with seq > afterSeq, used by
// the fan-out layer to stream inbox updates alongside domain events.
func (s *Service) ItemsSince(ctx context.Context, afterSeq int64) ([]*models.InboxItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT inbox_id, event_seq, severity, summary, detail, task_id, created_at, read_at
		 FROM inbox WHERE event_seq > ? ORDER BY event_seq`, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox tail: %w", err)
	}
	defer rows.Close()

	var items []*models.InboxItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ItemForSeq returns the item derived from one event, or nil.
func (s *Service) ItemForSeq(ctx context.Context, seq int64) (*models.InboxItem, error) {
	items, err := s.ItemsSince(ctx, seq-1)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.EventSeq == seq {
			return item, nil
		}
	}
	return nil, nil
}

func scanItem(rows *sql.Rows) (*models.InboxItem, error) {
	var (
		item           models.InboxItem
		severity       string
		detail, taskID sql.NullString
		createdAt      string
		readAt         sql.NullString
	)
	if err := rows.Scan(&item.ID, &item.EventSeq, &severity, &item.Summary,
		&detail, &taskID, &createdAt, &readAt); err != nil {
		return nil, fmt.Errorf("failed to scan inbox item: %w", err)
	}
	item.Severity = models.Severity(severity)
	item.Detail = detail.String
	item.TaskID = taskID.String
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("bad inbox created_at: %w", err)
	}
	item.CreatedAt = t
	if readAt.Valid {
		rt, err := time.Parse(time.RFC3339Nano, readAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad inbox read_at: %w", err)
		}
		item.ReadAt = &rt
	}
	return &item, nil
}
