package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nashlabs/lendmarket/internal/domain"
)

// lockKey serializes settlement passes across every process sharing the same
// Redis, so overlapping deployments never double-settle a loan.
const lockKey = "settlement"

// Notification event types emitted by the runner.
const (
	EventCompleted = "settlement_completed"
	EventError     = "settlement_error"
)

// Pass is the unit the runner schedules. *Engine implements it.
type Pass interface {
	Run(ctx context.Context) (Report, error)
}

// Alerter delivers operator notifications. *notify.Notifier implements it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Broadcaster pushes settlement events to connected clients. *ws.Hub
// implements it.
type Broadcaster interface {
	Broadcast(message []byte)
}

// RunnerConfig holds the schedule parameters.
type RunnerConfig struct {
	// Interval between pass starts.
	Interval time.Duration
	// LockTTL bounds how long a crashed process can hold the pass lock.
	LockTTL time.Duration
}

// Runner schedules settlement passes on a fixed interval, guarded by a
// distributed lock, and fans the resulting report out to the archive, the
// notifier, and the event hub. Archive, alerts, and events are all optional.
type Runner struct {
	pass    Pass
	locks   domain.LockManager
	archive domain.BlobWriter
	alerts  Alerter
	events  Broadcaster
	cfg     RunnerConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates a Runner. archive, alerts, and events may be nil.
func NewRunner(
	pass Pass,
	locks domain.LockManager,
	archive domain.BlobWriter,
	alerts Alerter,
	events Broadcaster,
	cfg RunnerConfig,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		pass:    pass,
		locks:   locks,
		archive: archive,
		alerts:  alerts,
		events:  events,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "settlement_runner")),
		now:     time.Now,
	}
}

// Start runs a pass immediately, then on every tick until the context is
// cancelled. Pass failures are reported and absorbed; only cancellation stops
// the loop.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.InfoContext(ctx, "settlement runner started",
		slog.Duration("interval", r.cfg.Interval),
	)

	r.RunOnce(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "settlement runner stopped")
			return ctx.Err()
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single lock-guarded pass and publishes its outcome.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	release, err := r.locks.Acquire(ctx, lockKey, r.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.InfoContext(ctx, "settlement pass already running elsewhere, skipping")
			return Report{}, err
		}
		r.logger.ErrorContext(ctx, "unable to acquire settlement lock", slog.String("error", err.Error()))
		return Report{}, err
	}
	defer release()

	report, err := r.pass.Run(ctx)
	if err != nil {
		r.notify(ctx, EventError, "Settlement pass failed", err.Error())
		r.broadcast(ctx, EventError, report)
		return report, err
	}

	r.archiveReport(ctx, report)
	r.broadcast(ctx, EventCompleted, report)
	r.notify(ctx, EventCompleted, "Settlement pass completed", summarize(report))
	return report, nil
}

// archiveReport writes the pass report to cold storage, keyed by start time.
// Archival is best-effort.
func (r *Runner) archiveReport(ctx context.Context, report Report) {
	if r.archive == nil {
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		r.logger.ErrorContext(ctx, "unable to encode settlement report", slog.String("error", err.Error()))
		return
	}

	key := reportKey(report.StartedAt)
	if err := r.archive.Put(ctx, key, bytes.NewReader(payload), "application/json"); err != nil {
		r.logger.ErrorContext(ctx, "failed to archive settlement report",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.DebugContext(ctx, "settlement report archived", slog.String("key", key))
}

func reportKey(startedAt time.Time) string {
	t := startedAt.UTC()
	return fmt.Sprintf("settlements/%04d/%02d/%s.json", t.Year(), t.Month(), t.Format("20060102T150405Z"))
}

func (r *Runner) broadcast(ctx context.Context, event string, report Report) {
	if r.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"event":  event,
		"report": report,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "unable to encode settlement event", slog.String("error", err.Error()))
		return
	}
	r.events.Broadcast(payload)
}

func (r *Runner) notify(ctx context.Context, event, title, message string) {
	if r.alerts == nil {
		return
	}
	if err := r.alerts.Notify(ctx, event, title, message); err != nil {
		r.logger.ErrorContext(ctx, "failed to send settlement notification",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func summarize(report Report) string {
	return fmt.Sprintf(
		"examined=%d settled=%d defaulted=%d paid=%d skipped=%d failed=%d investments=%d",
		report.LoansExamined,
		report.LoansSettled,
		report.LoansDefaulted,
		report.LoansPaid,
		report.LoansSkipped,
		report.LoansFailed,
		report.InvestmentsSettled,
	)
}
