package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/trustcore/internal/trust/store"
)

// idempotencyRetention is how long stored idempotent responses are kept
// before the housekeeping sweep removes them.
const idempotencyRetention = 24 * time.Hour

// HousekeepingService periodically deletes expired rows so sessions, nonces,
// invites and idempotency keys don't grow without bound. Audit entries are
// never touched.
type HousekeepingService struct {
	Store    store.Store
	Logger   *slog.Logger
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHousekeepingService creates a new housekeeping service with the given interval.
// If interval is 0 or negative, defaults to 1 hour.
func NewHousekeepingService(store store.Store, logger *slog.Logger, interval time.Duration) *HousekeepingService {
	if interval <= 0 {
		interval = 1 * time.Hour
	}

	return &HousekeepingService{
		Store:    store,
		Logger:   logger,
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Non-blocking; call Stop to shut down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started", "interval", s.Interval)
}

// Stop gracefully shuts down the worker, blocking until any in-progress
// sweep finishes.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.cleanup()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup runs each sweep independently so one failure doesn't block the
// others.
func (s *HousekeepingService) cleanup() {
	ctx := context.Background()
	now := time.Now()
	s.Logger.Debug("starting housekeeping cleanup")

	if err := s.Store.Sessions().DeleteExpiredSessions(ctx, now); err != nil {
		s.Logger.Error("failed to delete expired sessions", "error", err)
	}
	if err := s.Store.Nonces().DeleteExpiredNonces(ctx, now); err != nil {
		s.Logger.Error("failed to delete expired nonces", "error", err)
	}
	if err := s.Store.Invites().DeleteExpiredInvites(ctx, now); err != nil {
		s.Logger.Error("failed to delete expired invites", "error", err)
	}
	if err := s.Store.Idempotency().DeleteExpiredIdempotencyKeys(ctx, now.Add(-idempotencyRetention)); err != nil {
		s.Logger.Error("failed to delete expired idempotency keys", "error", err)
	}

	s.Logger.Debug("housekeeping cleanup completed")
}
