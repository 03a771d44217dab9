// Package eventlog implements the append-only domain event log and the
// derived state store. A single appender goroutine discipline (serialized by
// an internal mutex) validates, persists, applies, and publishes every event;
// readers use snapshot-plus-tail subscriptions and never block the appender.
package eventlog

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver

	"github.com/logabell/conversator/pkg/metrics"
	"github.com/logabell/conversator/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// ioFailureLimit is the number of consecutive persistence failures after
// which the store refuses further writes until the operator intervenes.
const ioFailureLimit = 3

// defaultHighWater bounds the number of commands queued on the append path
// before new ones are rejected with ErrBusy.
const defaultHighWater = 64

// InboxDeriver maps an event to its user-visible inbox item, or nil when the
// event is not notifying. The returned item is inserted in the same
// transaction as the event so both become visible atomically.
type InboxDeriver interface {
	Derive(ev *models.Event) *models.InboxItem
}

// Store is the durable event log plus the derived in-memory state.
type Store struct {
	db      *sql.DB
	deriver InboxDeriver
	logger  *slog.Logger

	// mu serializes the append path and the subscriber registry. Holding it
	// during publish is what makes subscriptions gap-free.
	mu       sync.Mutex
	state    *State
	idemKeys map[string]int64
	subs     map[int64]*Subscription
	nextSub  int64

	pending   atomic.Int64
	highWater int64

	readonly   atomic.Bool
	ioFailures int
}

// Open opens (creating if needed) the event log database at dbPath, applies
// pending migrations, and replays the log into derived state. deriver may be
// nil (no inbox items are produced).
func Open(ctx context.Context, dbPath string, deriver InboxDeriver) (*Store, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping event log: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &Store{
		db:        db,
		deriver:   deriver,
		logger:    slog.With("component", "eventlog"),
		state:     newState(),
		idemKeys:  make(map[string]int64),
		subs:      make(map[int64]*Subscription),
		highWater: defaultHighWater,
	}
	if err := s.replay(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// runMigrations applies embedded SQL migrations. Only the source driver is
// closed afterwards: closing the migrate instance would also close the shared
// *sql.DB.
func runMigrations(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "conversator", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := src.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	for id, sub := range s.subs {
		sub.close()
		delete(s.subs, id)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// DB exposes the underlying handle for sibling stores (inbox reads, command
// results) that share the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// LastSeq returns the sequence number of the most recent event.
func (s *Store) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.lastSeq
}

// ReadOnly reports whether the store has entered degraded read-only mode.
func (s *Store) ReadOnly() bool {
	return s.readonly.Load()
}

// Append validates ev against derived state, assigns the next seq, persists
// the event (and its inbox item, if any) atomically, applies it to derived
// state, and publishes it to subscribers. On validation or conflict failure
// no state changes. A matching idempotency key returns a DuplicateError
// carrying the original seq.
func (s *Store) Append(ctx context.Context, ev *models.Event) (int64, error) {
	if s.readonly.Load() {
		return 0, ErrReadOnly
	}
	if s.pending.Add(1) > s.highWater {
		s.pending.Add(-1)
		return 0, ErrBusy
	}
	defer s.pending.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.IdempotencyKey != "" {
		if seq, ok := s.idemKeys[ev.IdempotencyKey]; ok {
			return 0, &DuplicateError{Seq: seq}
		}
	}
	if err := validate(s.state, ev); err != nil {
		return 0, err
	}

	ev.Seq = s.state.lastSeq + 1
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	var item *models.InboxItem
	if s.deriver != nil {
		item = s.deriver.Derive(ev)
	}

	if err := s.persist(ctx, ev, item); err != nil {
		s.ioFailures++
		if s.ioFailures >= ioFailureLimit {
			s.readonly.Store(true)
			s.logger.Error("Entering degraded read-only mode after repeated persistence failures",
				"failures", s.ioFailures)
		}
		return 0, fmt.Errorf("failed to persist event: %w", err)
	}
	s.ioFailures = 0

	s.state.apply(ev)
	if ev.IdempotencyKey != "" {
		s.idemKeys[ev.IdempotencyKey] = ev.Seq
	}
	s.publish(ev)
	metrics.EventsAppended.WithLabelValues(ev.Type).Inc()

	return ev.Seq, nil
}

// persist writes the event and its derived inbox item in one transaction.
func (s *Store) persist(ctx context.Context, ev *models.Event, item *models.InboxItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	refsJSON, payloadJSON, err := encodeEvent(ev)
	if err != nil {
		return err
	}

	var idemKey any
	if ev.IdempotencyKey != "" {
		idemKey = ev.IdempotencyKey
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (seq, time, type, task_id, refs, payload, idempotency_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.Time.Format(time.RFC3339Nano), ev.Type, nullString(ev.TaskID),
		refsJSON, payloadJSON, idemKey,
	)
	if err != nil {
		return err
	}

	if item != nil {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.EventSeq = ev.Seq
		item.CreatedAt = ev.Time
		_, err = tx.ExecContext(ctx,
			`INSERT INTO inbox (inbox_id, event_seq, severity, summary, detail, task_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.EventSeq, string(item.Severity), item.Summary,
			nullString(item.Detail), nullString(item.TaskID),
			item.CreatedAt.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// publish fans the event out to every registered subscription. Runs under mu
// so every subscriber sees the exact append order with no gaps.
func (s *Store) publish(ev *models.Event) {
	for _, sub := range s.subs {
		sub.push(ev)
	}
}

// Snapshot returns a consistent point-in-time copy of derived state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.copyForSnapshot()
}

// ForgetSession drops a builder session record from derived state. Used by
// retention once the owning task has been terminal past the grace period.
func (s *Store) ForgetSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.dropSession(sessionID)
}

// replay loads persisted events in seq order and applies them. A row whose
// stored JSON can no longer be decoded marks a torn tail: that row and
// everything after it are truncated and the lost range is reported.
func (s *Store) replay(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, time, type, task_id, refs, payload, idempotency_key
		 FROM events ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to read event log: %w", err)
	}
	defer rows.Close()

	var truncateFrom int64 = -1
	var maxSeq int64
	for rows.Next() {
		ev, idemKey, decodeErr := scanEvent(rows)
		if decodeErr != nil {
			truncateFrom = maxSeq + 1
			s.logger.Warn("Unreadable event row; truncating log tail", "error", decodeErr)
			break
		}
		if ev.Seq != maxSeq+1 {
			// A gap in the middle of the log means lost history we cannot
			// repair; fail loudly rather than derive wrong state.
			return fmt.Errorf("event log gap: expected seq %d, found %d", maxSeq+1, ev.Seq)
		}
		maxSeq = ev.Seq
		s.state.apply(ev)
		if idemKey != "" {
			s.idemKeys[idemKey] = ev.Seq
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate event log: %w", err)
	}
	rows.Close()

	if truncateFrom >= 0 {
		var lost int64
		if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&lost); err == nil {
			s.logger.Warn("Truncating unreadable log tail", "from_seq", truncateFrom, "through_seq", lost)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM inbox WHERE event_seq >= ?`, truncateFrom); err != nil {
			return fmt.Errorf("failed to truncate inbox tail: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE seq >= ?`, truncateFrom); err != nil {
			return fmt.Errorf("failed to truncate log tail: %w", err)
		}
	}

	s.logger.Info("Event log replayed", "last_seq", s.state.lastSeq,
		"tasks", len(s.state.tasks), "sessions", len(s.state.sessions))
	return nil
}

// readRange loads persisted events with fromSeq < seq, in order. Caller holds mu.
func (s *Store) readRange(fromSeq int64) ([]*models.Event, error) {
	rows, err := s.db.Query(
		`SELECT seq, time, type, task_id, refs, payload, idempotency_key
		 FROM events WHERE seq > ? ORDER BY seq`, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to read events after %d: %w", fromSeq, err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, _, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// encodeEvent marshals the refs and payload columns.
func encodeEvent(ev *models.Event) (refsJSON, payloadJSON any, err error) {
	if ev.Refs != nil {
		raw, err := json.Marshal(ev.Refs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal refs: %w", err)
		}
		refsJSON = string(raw)
	}
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadJSON = string(raw)
	}
	return refsJSON, payloadJSON, nil
}

// scanEvent decodes one events row.
func scanEvent(rows *sql.Rows) (*models.Event, string, error) {
	var (
		seq                   int64
		timeStr, typ          string
		taskID, refs, payload sql.NullString
		idemKey               sql.NullString
	)
	if err := rows.Scan(&seq, &timeStr, &typ, &taskID, &refs, &payload, &idemKey); err != nil {
		return nil, "", err
	}
	t, err := time.Parse(time.RFC3339Nano, timeStr)
	if err != nil {
		return nil, "", fmt.Errorf("seq %d: bad time: %w", seq, err)
	}
	ev := &models.Event{Seq: seq, Time: t, Type: typ, TaskID: taskID.String}
	if refs.Valid && refs.String != "" {
		ev.Refs = &models.EventRefs{}
		if err := json.Unmarshal([]byte(refs.String), ev.Refs); err != nil {
			return nil, "", fmt.Errorf("seq %d: bad refs: %w", seq, err)
		}
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
			return nil, "", fmt.Errorf("seq %d: bad payload: %w", seq, err)
		}
	}
	return ev, idemKey.String, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
