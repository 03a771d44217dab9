// Package cleanup enforces retention: builder session records of terminal
// tasks are destroyed after a grace period, and expired command results and
// acknowledged inbox items are pruned. All operations are idempotent.
package cleanup

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/logabell/conversator/pkg/config"
	"github.com/logabell/conversator/pkg/eventlog"
)

// Service runs the periodic retention loop.
type Service struct {
	cfg    *config.RetentionConfig
	store  *eventlog.Store
	db     *sql.DB
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg *config.RetentionConfig, store *eventlog.Store) *Service {
	return &Service{
		cfg:    cfg,
		store:  store,
		db:     store.DB(),
		logger: slog.With("component", "cleanup"),
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"session_grace", s.cfg.SessionGrace.Std(),
		"command_ttl", s.cfg.CommandTTL.Std(),
		"interval", s.cfg.SweepInterval.Std())
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.dropExpiredSessions()
	s.pruneCommandResults(ctx)
	s.pruneAcknowledgedInbox(ctx)
}

// dropExpiredSessions forgets session records once the owning task has been
// terminal longer than the grace period.
func (s *Service) dropExpiredSessions() {
	snap := s.store.Snapshot()
	cutoff := time.Now().UTC().Add(-s.cfg.SessionGrace.Std())
	dropped := 0
	for _, sess := range snap.Sessions {
		task := snap.Tasks[sess.TaskID]
		if task == nil || !task.Status.IsTerminal() {
			continue
		}
		if task.UpdatedAt.After(cutoff) {
			continue
		}
		s.store.ForgetSession(sess.ID)
		dropped++
	}
	if dropped > 0 {
		s.logger.Info("Retention: dropped expired session records", "count", dropped)
	}
}

func (s *Service) pruneCommandResults(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.CommandTTL.Std()).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM command_results WHERE created_at < ?`, cutoff)
	if err != nil {
		s.logger.Error("Retention: prune command results failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("Retention: pruned command results", "count", n)
	}
}

// pruneAcknowledgedInbox removes read, non-blocking items past the TTL.
// Blocking items are kept as an audit trail of gate decisions.
func (s *Service) pruneAcknowledgedInbox(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.InboxTTL.Std()).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM inbox WHERE read_at IS NOT NULL AND severity != 'blocking' AND created_at < ?`, cutoff)
	if err != nil {
		s.logger.Error("Retention: prune inbox failed", "error", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("Retention: pruned acknowledged inbox items", "count", n)
	}
}
