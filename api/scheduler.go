/*
scheduler.go - Automated nightly audit scheduler

PURPOSE:
  Periodically checks whether yesterday's business day has been audited and,
  once the configured run hour has passed, runs the full night audit for it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Targets the business day before "now" once now.Hour() >= RunHour
  - Skips days that already have a completed audit log
  - Backs off for RetryFailedAfter after a failed run of the same day, so a
    day blocked by validation is not re-audited on every tick
  - A run refused because another is in progress is logged and retried on
    the next tick. Orphaned runs are reclaimed by the pipeline itself.

CONFIGURATION:
  - CheckInterval: How often to check (default: 15 minutes)
  - RunHour:       Local hour after which yesterday is audited (default: 2)
  - Actor:         StartedBy recorded on scheduled runs
  - RetryFailedAfter: Wait after a failed run before retrying (default: 1 hour)
  - Enabled:       Whether scheduler is active (default: true)

USAGE:
  scheduler := NewNightAuditScheduler(pipeline, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAudit endpoint (manual runs)
  - audit/pipeline.go: Pipeline.Run
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/night-audit/audit"
)

// NightAuditScheduler runs the night audit for each business day once it closes.
type NightAuditScheduler struct {
	Pipeline      *audit.Pipeline
	CheckInterval time.Duration
	RunHour       int
	Actor         string
	Enabled       bool

	// RetryFailedAfter is how long a failed run of the due day suppresses
	// new attempts. Zero retries on every tick.
	RetryFailedAfter time.Duration

	Now    func() time.Time
	Logger *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewNightAuditScheduler creates a new scheduler.
func NewNightAuditScheduler(p *audit.Pipeline, logger *zap.Logger) *NightAuditScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NightAuditScheduler{
		Pipeline:      p,
		CheckInterval: 15 * time.Minute,
		RunHour:       2,
		Actor:         "night-audit-scheduler",
		Enabled:       true,

		RetryFailedAfter: time.Hour,

		Now:    time.Now,
		Logger: logger.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *NightAuditScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Logger.Info("started",
		zap.Duration("check_interval", s.CheckInterval),
		zap.Int("run_hour", s.RunHour))
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *NightAuditScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("stopped")
	}
}

func (s *NightAuditScheduler) run() {
	defer s.wg.Done()

	// Catch up immediately on start
	s.checkAndProcess()

	for {
		select {
		case <-s.ticker.C:
			s.checkAndProcess()
		case <-s.stop:
			return
		}
	}
}

// Due returns the business day that should be audited at now, or false when
// the run hour has not been reached.
func (s *NightAuditScheduler) Due(now time.Time) (time.Time, bool) {
	if now.Hour() < s.RunHour {
		return time.Time{}, false
	}
	return audit.BusinessDate(now).AddDate(0, 0, -1), true
}

// checkAndProcess runs the audit for the due business day if it has no
// completed log yet. It returns the new log, or nil when nothing ran.
func (s *NightAuditScheduler) checkAndProcess() *audit.AuditLog {
	ctx := context.Background()
	now := s.now()

	date, due := s.Due(now)
	if !due {
		return nil
	}
	log := s.Logger.With(zap.String("audit_date", audit.FormatDate(date)))

	completed := audit.StatusCompleted
	done, err := s.Pipeline.Store.ListAudits(ctx, audit.AuditFilter{
		AuditDate: &date,
		Status:    &completed,
		Limit:     1,
	})
	if err != nil {
		log.Error("list audits", zap.Error(err))
		return nil
	}
	if len(done) > 0 {
		log.Debug("already audited", zap.String("audit_id", done[0].ID))
		return nil
	}

	if s.RetryFailedAfter > 0 {
		failedStatus := audit.StatusFailed
		recent, err := s.Pipeline.Store.ListAudits(ctx, audit.AuditFilter{
			AuditDate: &date,
			Status:    &failedStatus,
			Limit:     1,
		})
		if err != nil {
			log.Error("list audits", zap.Error(err))
			return nil
		}
		if len(recent) > 0 && now.Sub(recent[0].StartedAt) < s.RetryFailedAfter {
			log.Debug("recently failed, backing off",
				zap.String("audit_id", recent[0].ID),
				zap.Time("retry_after", recent[0].StartedAt.Add(s.RetryFailedAfter)))
			return nil
		}
	}

	result, err := s.Pipeline.Run(ctx, audit.AllOperations(date, s.Actor))
	if audit.IsConflict(err) {
		log.Info("another run is in progress, will retry", zap.Error(err))
		return nil
	}
	if err != nil {
		log.Error("scheduled night audit", zap.Error(err))
		return result
	}

	if result.Status == audit.StatusFailed {
		log.Warn("scheduled night audit failed",
			zap.String("audit_id", result.ID),
			zap.Strings("errors", result.Errors))
	} else if failed := result.FailedOperations(); len(failed) > 0 {
		log.Warn("scheduled night audit completed with failed operations",
			zap.String("audit_id", result.ID),
			zap.Any("failed_operations", failed))
	}
	return result
}

// RunNow triggers an immediate check (for testing/admin).
func (s *NightAuditScheduler) RunNow() *audit.AuditLog {
	return s.checkAndProcess()
}

// GetNextRunTime returns when the next scheduled check will occur.
func (s *NightAuditScheduler) GetNextRunTime() time.Time {
	return s.now().Add(s.CheckInterval)
}

func (s *NightAuditScheduler) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
