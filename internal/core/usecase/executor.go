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

const DefaultJobTimeout = 10 * time.Minute

// Pipeline executes one task kind. A nil TaskError means result is final.
type Pipeline interface {
	Run(ctx context.Context, task *domain.Task) (domain.TaskResult, *domain.TaskError)
}

// JobExecutor runs delivered jobs under the per-company lock and records the
// outcome in the ledger. A returned error asks the queue to redeliver.
type JobExecutor struct {
	ledger    ports.TaskLedger
	companies ports.CompanyRepository
	locker    ports.KeyLocker
	pipelines map[domain.TaskKind]Pipeline
	timeout   time.Duration
	logger    *slog.Logger
}

func NewJobExecutor(
	ledger ports.TaskLedger,
	companies ports.CompanyRepository,
	locker ports.KeyLocker,
	pipelines map[domain.TaskKind]Pipeline,
	timeout time.Duration,
	logger *slog.Logger,
) *JobExecutor {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobExecutor{
		ledger:    ledger,
		companies: companies,
		locker:    locker,
		pipelines: pipelines,
		timeout:   timeout,
		logger:    logger,
	}
}

func (e *JobExecutor) Execute(ctx context.Context, msg domain.JobMessage) error {
	task, done, err := e.load(ctx, msg.TaskID)
	if err != nil || done {
		return err
	}

	release, err := e.locker.Lock(ctx, companyLockKey(task.CompanyID))
	if err != nil {
		return fmt.Errorf("acquire company lock: %w", err)
	}
	defer release()

	// The task may have been finished by another delivery while we waited.
	task, done, err = e.load(ctx, msg.TaskID)
	if err != nil || done {
		return err
	}

	if err := e.ledger.MarkRunning(ctx, task.ID); err != nil {
		if errors.Is(err, domain.ErrStateConflict) || errors.Is(err, domain.ErrNotFound) {
			e.logger.Info("job_skipped", "task_id", task.ID, "reason", err.Error())
			return nil
		}
		return fmt.Errorf("mark task running: %w", err)
	}

	logger := e.logger.With("task_id", task.ID, "company_id", task.CompanyID, "kind", task.Kind)
	logger.Info("job_started", "attempt", task.Attempts+1)
	start := time.Now()

	result, taskErr := e.run(ctx, task)

	if ctx.Err() != nil {
		// Shutdown: leave the task RUNNING for redelivery.
		logger.Warn("job_interrupted", "error", ctx.Err())
		return ctx.Err()
	}

	if taskErr != nil {
		logger.Warn("job_failed", "code", taskErr.Code, "error", taskErr.Message, "duration_ms", time.Since(start).Milliseconds())
		return e.finish(ctx, task.ID, e.ledger.Fail(ctx, task.ID, *taskErr))
	}

	logger.Info("job_succeeded", "duration_ms", time.Since(start).Milliseconds())
	return e.finish(ctx, task.ID, e.ledger.Complete(ctx, task.ID, result))
}

func (e *JobExecutor) run(ctx context.Context, task *domain.Task) (domain.TaskResult, *domain.TaskError) {
	pipeline, ok := e.pipelines[task.Kind]
	if !ok {
		return nil, &domain.TaskError{Code: domain.CodeInternal, Message: fmt.Sprintf("no pipeline for kind %s", task.Kind)}
	}

	if task.Kind != domain.TaskDeleteCompany {
		if _, err := e.companies.GetByID(ctx, task.CompanyID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, &domain.TaskError{Code: domain.CodeInternal, Message: "company no longer exists"}
			}
			return nil, taskError(domain.CodeUnavailable, fmt.Errorf("load company: %w", err))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return pipeline.Run(runCtx, task)
}

// load returns done=true when the task needs no further work.
func (e *JobExecutor) load(ctx context.Context, taskID string) (*domain.Task, bool, error) {
	task, err := e.ledger.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			e.logger.Info("job_skipped", "task_id", taskID, "reason", "task not found")
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("load task: %w", err)
	}
	if task.State.IsTerminal() {
		e.logger.Info("job_skipped", "task_id", taskID, "reason", "task already "+string(task.State))
		return task, true, nil
	}
	return task, false, nil
}

func (e *JobExecutor) finish(_ context.Context, taskID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrStateConflict) || errors.Is(err, domain.ErrNotFound) {
		e.logger.Warn("job_outcome_conflict", "task_id", taskID, "error", err)
		return nil
	}
	return fmt.Errorf("record task outcome: %w", err)
}

func companyLockKey(companyID string) string {
	return "company:" + companyID
}
