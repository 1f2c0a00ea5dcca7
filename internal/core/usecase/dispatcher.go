package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/core/ports"
)

const (
	DefaultMaxDocumentsPerTask = 100
	defaultAwaitPollInterval   = 100 * time.Millisecond
)

// Dispatcher records tasks in the ledger and hands them to the job queue.
// It never runs pipelines itself.
type Dispatcher struct {
	ledger       ports.TaskLedger
	queue        ports.JobQueue
	maxDocuments int
	logger       *slog.Logger
	now          func() time.Time
	newID        func() string
}

func NewDispatcher(ledger ports.TaskLedger, queue ports.JobQueue, maxDocuments int, logger *slog.Logger) *Dispatcher {
	if maxDocuments <= 0 {
		maxDocuments = DefaultMaxDocumentsPerTask
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		ledger:       ledger,
		queue:        queue,
		maxDocuments: maxDocuments,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
}

// Submit validates payload, stores a PENDING task and enqueues it. The task is
// readable through the ledger as soon as Submit returns.
func (d *Dispatcher) Submit(ctx context.Context, companyID string, payload domain.TaskPayload) (*domain.Task, error) {
	if strings.TrimSpace(companyID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit task", errors.New("company id is required"))
	}
	if payload == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit task", errors.New("payload is required"))
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	if ingest, ok := payload.(domain.IngestPayload); ok && len(ingest.Documents) > d.maxDocuments {
		return nil, domain.WrapError(domain.ErrInvalidInput, "submit task",
			fmt.Errorf("at most %d documents per task, got %d", d.maxDocuments, len(ingest.Documents)))
	}

	now := d.now()
	task := domain.NewTask(d.newID(), companyID, payload, now)
	if err := d.ledger.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	msg := domain.JobMessage{
		TaskID:     task.ID,
		CompanyID:  companyID,
		Kind:       task.Kind,
		EnqueuedAt: now,
	}
	if err := d.queue.Enqueue(ctx, msg); err != nil {
		d.compensate(task.ID, err)
		return nil, domain.WrapError(domain.ErrUnavailable, "enqueue job", err)
	}

	d.logger.Info("task_submitted", "task_id", task.ID, "company_id", companyID, "kind", task.Kind)
	return task, nil
}

// compensate removes a task whose message never reached the queue. If the row
// cannot be removed it is failed so pollers never wait on it.
func (d *Dispatcher) compensate(taskID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := d.ledger.Delete(ctx, taskID)
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return
	}
	d.logger.Warn("task_compensation_delete_failed", "task_id", taskID, "error", err)

	taskErr := domain.TaskError{Code: domain.CodeUnavailable, Message: "job queue unavailable: " + cause.Error()}
	if err := d.ledger.Fail(ctx, taskID, taskErr); err != nil {
		d.logger.Error("task_compensation_failed", "task_id", taskID, "error", err)
	}
}

func (d *Dispatcher) Get(ctx context.Context, id string) (*domain.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.WrapError(domain.ErrNotFound, "get task", fmt.Errorf("unknown task %q", id))
	}
	return d.ledger.Get(ctx, id)
}

// Await polls the ledger until the task is terminal or ctx is done, and
// returns the last observed task in either case.
func (d *Dispatcher) Await(ctx context.Context, id string) (*domain.Task, error) {
	ticker := time.NewTicker(defaultAwaitPollInterval)
	defer ticker.Stop()

	var last *domain.Task
	for {
		task, err := d.ledger.Get(ctx, id)
		if err != nil {
			if last != nil && ctx.Err() != nil {
				return last, nil
			}
			return nil, err
		}
		last = task
		if task.State.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, nil
		case <-ticker.C:
		}
	}
}
