package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/core/ports"
)

const (
	DefaultReaperInterval   = time.Minute
	DefaultReaperStaleAfter = 30 * time.Minute
	reaperBatchSize         = 100
)

// Reaper fails tasks that stayed PENDING or RUNNING longer than staleAfter.
// It is advisory cleanup; a worker that finishes first wins.
type Reaper struct {
	ledger     ports.TaskLedger
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	onReaped   func(kind domain.TaskKind)
}

func NewReaper(ledger ports.TaskLedger, interval, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultReaperStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		ledger:     ledger,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// OnReaped registers a callback invoked for every task the reaper fails.
func (r *Reaper) OnReaped(fn func(kind domain.TaskKind)) {
	r.onReaped = fn
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper_sweep_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep fails one batch of stale tasks and returns how many were reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.ledger.ListStale(ctx, cutoff, reaperBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale tasks: %w", err)
	}

	reaped := 0
	for _, task := range stale {
		taskErr := domain.TaskError{
			Code:    domain.CodeCancelled,
			Message: fmt.Sprintf("task was %s without progress for more than %s", task.State, r.staleAfter),
		}
		if err := r.ledger.Fail(ctx, task.ID, taskErr); err != nil {
			if errors.Is(err, domain.ErrStateConflict) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return reaped, fmt.Errorf("fail stale task %s: %w", task.ID, err)
		}
		reaped++
		r.logger.Warn("task_reaped", "task_id", task.ID, "company_id", task.CompanyID, "kind", task.Kind, "state", task.State)
		if r.onReaped != nil {
			r.onReaped(task.Kind)
		}
	}
	return reaped, nil
}
