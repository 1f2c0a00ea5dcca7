package natskv

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/infrastructure/session"
)

const (
	defaultLeasePoll    = 25 * time.Millisecond
	maxLeasePoll        = 500 * time.Millisecond
	defaultLeaseTTL     = 5 * time.Minute
	leaseReleaseTimeout = 5 * time.Second
)

type LeaseOptions struct {
	Bucket string
	// TTL bounds how long a crashed holder keeps a key.
	TTL    time.Duration
	Logger *slog.Logger
}

// LeaseLocker serializes work per key across processes. A lease is a
// create-only write to a KV bucket; release deletes it at the revision that
// was created.
type LeaseLocker struct {
	kv     jetstream.KeyValue
	logger *slog.Logger

	pollInterval time.Duration
	maxPoll      time.Duration
}

func NewLeaseLocker(ctx context.Context, js jetstream.JetStream, opts LeaseOptions) (*LeaseLocker, error) {
	if opts.Bucket == "" {
		opts.Bucket = "ragdesk_locks"
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultLeaseTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      opts.Bucket,
		Description: "chat session leases",
		History:     1,
		TTL:         opts.TTL,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure lease bucket: %w", err)
	}
	return &LeaseLocker{
		kv:           kv,
		logger:       opts.Logger,
		pollInterval: defaultLeasePoll,
		maxPoll:      maxLeasePoll,
	}, nil
}

func (l *LeaseLocker) Lock(ctx context.Context, key string) (func(), error) {
	leaseKey := "l." + session.EncodeID(key)
	owner := []byte(time.Now().UTC().Format(time.RFC3339Nano))

	wait := l.pollInterval
	for {
		revision, err := l.kv.Create(ctx, leaseKey, owner)
		if err == nil {
			return l.releaseFunc(leaseKey, revision), nil
		}
		if !isRevisionConflict(err) {
			return nil, domain.WrapError(domain.ErrUnavailable, "acquire lease", err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, l.maxPoll)
	}
}

func (l *LeaseLocker) releaseFunc(leaseKey string, revision uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
			defer cancel()
			if err := l.kv.Delete(ctx, leaseKey, jetstream.LastRevision(revision)); err != nil {
				// Also fails when the lease expired and another holder took the key.
				l.logger.Warn("lease_release_failed", "key", leaseKey, "error", err)
			}
		})
	}
}
