/*
scheduler.go - Automated lock/expiry sweeps

PURPOSE:
  Grants carry deadlines (LockedUntil, ExpiresAt) but nothing in the
  ledger moves on its own. The scheduler periodically finds grants whose
  deadline has passed and issues the matching command.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Reads due grants from the projection (cheap indexed query)
  - Acts through the command handler, which re-validates against the
    replayed stream, so a stale projection row is harmless
  - Expiry runs before unlock: a grant past both deadlines is expired
    without first being released into the balance
  - Each action waits on a rate limiter so a large backlog does not
    starve interactive commands

OUTCOMES PER GRANT:
  applied   command succeeded
  skipped   command rejected (already expired/canceled/unlocked, gone)
  failed    infrastructure error, retried next sweep

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - Enabled: Whether scheduler is active (default: true)
  - Limiter: Max actions per second (default: unlimited)

USAGE:
  s := scheduler.New(views, handler, logger)
  s.Start(ctx)
  // ... later
  s.Stop()

SEE ALSO:
  - projection/projection.go: DueForUnlock / DueForExpiry
  - command/handler.go: ExpirePointsTransfer / UnlockPointsTransfer
*/
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/warp/points-ledger/command"
	"github.com/warp/points-ledger/obs"
	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/projection"
)

// Commands is the subset of the command handler the sweeps need.
type Commands interface {
	ExpirePointsTransfer(ctx context.Context, cmd command.ExpirePointsTransfer) error
	UnlockPointsTransfer(ctx context.Context, cmd command.UnlockPointsTransfer) error
}

// Report summarizes one sweep.
type Report struct {
	At       time.Time
	Expired  int
	Unlocked int
	Skipped  int
	Failed   int
}

type Scheduler struct {
	Views         projection.Store
	Commands      Commands
	CheckInterval time.Duration
	Enabled       bool
	Limiter       *rate.Limiter
	Metrics       *obs.Metrics
	Clock         func() time.Time

	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   Report
}

func New(views projection.Store, commands Commands, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		Views:         views,
		Commands:      commands,
		CheckInterval: time.Minute,
		Enabled:       true,
		Limiter:       rate.NewLimiter(rate.Inf, 1),
		Clock:         time.Now,
		log:           log.With("component", "scheduler"),
	}
}

// Start begins sweeping until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info("started", "check_interval", s.CheckInterval.String())
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
		s.log.Info("stopped")
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.CheckInterval)
	defer ticker.Stop()

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

// RunNow performs one expiry sweep followed by one unlock sweep.
func (s *Scheduler) RunNow(ctx context.Context) Report {
	now := s.Clock().UTC()
	report := Report{At: now}

	s.sweep(ctx, "expire", now, s.Views.DueForExpiry, &report.Expired, &report, func(d projection.Due) error {
		return s.Commands.ExpirePointsTransfer(ctx, command.ExpirePointsTransfer{AccountID: d.AccountID, TransferID: d.TransferID})
	})
	s.sweep(ctx, "unlock", now, s.Views.DueForUnlock, &report.Unlocked, &report, func(d projection.Due) error {
		return s.Commands.UnlockPointsTransfer(ctx, command.UnlockPointsTransfer{AccountID: d.AccountID, TransferID: d.TransferID})
	})

	if report.Expired > 0 || report.Unlocked > 0 || report.Failed > 0 {
		s.log.InfoContext(ctx, "sweep completed",
			"expired", report.Expired,
			"unlocked", report.Unlocked,
			"skipped", report.Skipped,
			"failed", report.Failed)
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report
}

func (s *Scheduler) sweep(
	ctx context.Context,
	name string,
	now time.Time,
	find func(context.Context, time.Time) ([]projection.Due, error),
	applied *int,
	report *Report,
	act func(projection.Due) error,
) {
	due, err := find(ctx, now)
	if err != nil {
		s.log.ErrorContext(ctx, "listing due grants failed", "sweep", name, "error", err)
		report.Failed++
		return
	}
	s.Metrics.SweepDue(name, len(due))

	for _, d := range due {
		if err := s.Limiter.Wait(ctx); err != nil {
			return
		}

		err := act(d)
		switch {
		case err == nil:
			*applied++
			s.Metrics.SweepAction(name, obs.OutcomeOK)
		case points.IsClientError(err) || points.IsNotFound(err):
			report.Skipped++
			s.Metrics.SweepAction(name, obs.OutcomeClientError)
			s.log.DebugContext(ctx, "grant no longer due",
				"sweep", name,
				"account_id", d.AccountID.String(),
				"transfer_id", d.TransferID.String(),
				"reason", err.Error())
		default:
			report.Failed++
			s.Metrics.SweepAction(name, obs.OutcomeError)
			s.log.ErrorContext(ctx, "sweep action failed",
				"sweep", name,
				"account_id", d.AccountID.String(),
				"transfer_id", d.TransferID.String(),
				"error", err)
		}
	}
}

// LastReport returns the result of the most recent sweep.
func (s *Scheduler) LastReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *Scheduler) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last.At.IsZero() {
		return s.Clock()
	}
	return s.last.At.Add(s.CheckInterval)
}
