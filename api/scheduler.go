/*
scheduler.go - Automated ledger integrity checks

PURPOSE:
  Periodically runs loyalty.Verify over every account and keeps the most
  recent report for GET /api/admin/integrity?cached=true. Violations are
  logged at ERROR and exported as a gauge; nothing is repaired
  automatically.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - A run that fails (store unavailable) keeps the previous report

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewIntegrityScheduler(store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - loyalty/integrity.go: Verify
  - handlers.go: RunIntegrityCheck endpoint (manual check)
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/stamp-ledger/loyalty"
)

// IntegrityScheduler runs integrity checks on a timer.
type IntegrityScheduler struct {
	Reader        loyalty.Reader
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	// Observe, when set, receives every run's outcome (metrics hook).
	Observe func(loyalty.IntegrityReport, error)

	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	reportMu sync.RWMutex
	last     *loyalty.IntegrityReport
	lastRun  time.Time
}

// NewIntegrityScheduler creates a new scheduler.
func NewIntegrityScheduler(reader loyalty.Reader, logger *slog.Logger) *IntegrityScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityScheduler{
		Reader:        reader,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Now:           time.Now,
	}
}

// Start begins the scheduler.
func (s *IntegrityScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.Logger.Info("integrity scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx, s.ticker)

	s.Logger.Info("integrity scheduler started", "interval", s.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *IntegrityScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		s.cancel()
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("integrity scheduler stopped")
	}
}

func (s *IntegrityScheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one check and records its report.
func (s *IntegrityScheduler) RunNow(ctx context.Context) (loyalty.IntegrityReport, error) {
	now := s.Now()
	report, err := loyalty.Verify(ctx, s.Reader, now)
	if s.Observe != nil {
		s.Observe(report, err)
	}
	if err != nil {
		s.Logger.Error("integrity check failed", "error", err)
		return report, err
	}

	s.reportMu.Lock()
	s.last = &report
	s.lastRun = now
	s.reportMu.Unlock()

	if report.OK() {
		s.Logger.Info("integrity check passed", "accounts", report.Accounts)
		return report, nil
	}
	for _, v := range report.Violations {
		s.Logger.Error("ledger integrity violation",
			"account_id", v.AccountID,
			"member_code", v.MemberCode,
			"rule", v.Rule,
			"detail", v.Detail)
	}
	return report, nil
}

// LastReport returns the most recent successful report.
func (s *IntegrityScheduler) LastReport() (loyalty.IntegrityReport, bool) {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	if s.last == nil {
		return loyalty.IntegrityReport{}, false
	}
	return *s.last, true
}

// NextRunTime returns when the next scheduled check will occur.
func (s *IntegrityScheduler) NextRunTime() time.Time {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	if s.lastRun.IsZero() {
		return s.Now()
	}
	return s.lastRun.Add(s.CheckInterval)
}
