package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/panjf2000/ants/v2"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/infrastructure/resilience"
)

type QueueOptions struct {
	Stream     string
	Subject    string
	Durable    string
	AckWait    time.Duration
	MaxDeliver int
	// NakDelay is the base redelivery delay; it grows with the delivery count.
	NakDelay           time.Duration
	ResilienceExecutor *resilience.Executor
	Logger             *slog.Logger
}

func (o QueueOptions) normalize() QueueOptions {
	if o.Stream == "" {
		o.Stream = "RAGDESK_JOBS"
	}
	if o.Subject == "" {
		o.Subject = "ragdesk.jobs"
	}
	if o.Durable == "" {
		o.Durable = "ragdesk-workers"
	}
	if o.AckWait <= 0 {
		o.AckWait = time.Minute
	}
	if o.MaxDeliver <= 0 {
		o.MaxDeliver = 5
	}
	if o.NakDelay <= 0 {
		o.NakDelay = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Queue is a durable work queue on a JetStream stream with WorkQueue
// retention: each job message is removed once a worker acknowledges it.
type Queue struct {
	js       jetstream.JetStream
	opts     QueueOptions
	executor *resilience.Executor
	logger   *slog.Logger
}

func NewQueue(ctx context.Context, js jetstream.JetStream, opts QueueOptions) (*Queue, error) {
	opts = opts.normalize()
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       opts.Stream,
		Subjects:   []string{opts.Subject},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure job stream: %w", err)
	}
	return &Queue{js: js, opts: opts, executor: opts.ResilienceExecutor, logger: opts.Logger}, nil
}

// Enqueue publishes msg using the task id as message id, so a retried publish
// inside the duplicate window is stored once.
func (q *Queue) Enqueue(ctx context.Context, msg domain.JobMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	call := func(ctx context.Context) error {
		if _, err := q.js.Publish(ctx, q.opts.Subject, data, jetstream.WithMsgID(msg.TaskID)); err != nil {
			return fmt.Errorf("jetstream publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(err)
}

type Handler func(ctx context.Context, msg domain.JobMessage) error

// Consume feeds delivered jobs into a goroutine pool of poolSize workers until
// ctx is cancelled. A nil handler result acks the message; an error naks it
// with a delay so it is redelivered.
func (q *Queue) Consume(ctx context.Context, poolSize int, handler Handler) error {
	if poolSize <= 0 {
		poolSize = 4
	}
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.opts.Stream, jetstream.ConsumerConfig{
		Durable:       q.opts.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.AckWait,
		MaxDeliver:    q.opts.MaxDeliver,
		FilterSubject: q.opts.Subject,
	})
	if err != nil {
		return fmt.Errorf("ensure job consumer: %w", err)
	}

	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	var inflight sync.WaitGroup
	consumeCtx, err := consumer.Consume(func(m jetstream.Msg) {
		inflight.Add(1)
		submitErr := pool.Submit(func() {
			defer inflight.Done()
			q.handle(ctx, m, handler)
		})
		if submitErr != nil {
			inflight.Done()
			q.logger.Warn("job_submit_failed", "error", submitErr)
			_ = m.NakWithDelay(q.opts.NakDelay)
		}
	}, jetstream.PullMaxMessages(poolSize))
	if err != nil {
		return fmt.Errorf("start job consumer: %w", err)
	}

	<-ctx.Done()
	consumeCtx.Stop()
	inflight.Wait()
	return nil
}

func (q *Queue) handle(ctx context.Context, m jetstream.Msg, handler Handler) {
	var msg domain.JobMessage
	if err := json.Unmarshal(m.Data(), &msg); err != nil || msg.TaskID == "" {
		q.logger.Error("job_message_invalid", "error", err, "size", len(m.Data()))
		_ = m.Term()
		return
	}

	stopHeartbeat := q.heartbeat(m)
	err := handler(ctx, msg)
	stopHeartbeat()

	if err == nil {
		if ackErr := m.Ack(); ackErr != nil {
			q.logger.Warn("job_ack_failed", "task_id", msg.TaskID, "error", ackErr)
		}
		return
	}

	delivered := uint64(1)
	if meta, metaErr := m.Metadata(); metaErr == nil {
		delivered = meta.NumDelivered
	}
	q.logger.Warn("job_redelivery_scheduled",
		"task_id", msg.TaskID,
		"kind", msg.Kind,
		"delivered", delivered,
		"error", err,
	)
	_ = m.NakWithDelay(q.opts.NakDelay * time.Duration(delivered))
}

// heartbeat extends the ack deadline while a long job (or a job waiting on the
// company lock) is still being processed.
func (q *Queue) heartbeat(m jetstream.Msg) func() {
	interval := q.opts.AckWait / 2
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := m.InProgress(); err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
					q.logger.Warn("job_heartbeat_failed", "error", err)
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
