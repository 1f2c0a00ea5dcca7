// Package natskv stores chat sessions in a JetStream key-value bucket. The
// bucket TTL expires idle sessions; every append rewrites the key and so
// refreshes its age.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/infrastructure/session"
)

const maxCASAttempts = 16

type Options struct {
	Bucket string
	TTL    time.Duration
	Window int
}

type Store struct {
	kv     jetstream.KeyValue
	window int
}

func New(ctx context.Context, js jetstream.JetStream, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		opts.Bucket = "ragdesk_sessions"
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      opts.Bucket,
		Description: "chat session history",
		History:     1,
		TTL:         opts.TTL,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure session bucket: %w", err)
	}
	return &Store{kv: kv, window: session.NormalizeWindow(opts.Window)}, nil
}

func sessionKey(companyID, sessionID string) string {
	return "c." + session.EncodeID(companyID) + ".s." + session.EncodeID(sessionID)
}

func companyFilter(companyID string) string {
	return "c." + session.EncodeID(companyID) + ".s.*"
}

func (s *Store) Get(ctx context.Context, companyID, sessionID string) ([]domain.ChatTurn, error) {
	entry, err := s.kv.Get(ctx, sessionKey(companyID, sessionID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, domain.WrapError(domain.ErrUnavailable, "get session", err)
	}
	return session.Unmarshal(entry.Value())
}

// Append writes turns with compare-and-set on the key revision and retries on
// concurrent modification, so a pair is stored whole or not at all.
func (s *Store) Append(ctx context.Context, companyID, sessionID string, turns []domain.ChatTurn) error {
	key := sessionKey(companyID, sessionID)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var (
			history  []domain.ChatTurn
			revision uint64
		)
		entry, err := s.kv.Get(ctx, key)
		switch {
		case err == nil:
			revision = entry.Revision()
			if history, err = session.Unmarshal(entry.Value()); err != nil {
				return err
			}
		case errors.Is(err, jetstream.ErrKeyNotFound):
		default:
			return domain.WrapError(domain.ErrUnavailable, "read session", err)
		}

		raw, err := session.Marshal(session.AppendBounded(history, turns, s.window))
		if err != nil {
			return err
		}
		if revision == 0 {
			_, err = s.kv.Create(ctx, key, raw)
		} else {
			_, err = s.kv.Update(ctx, key, raw, revision)
		}
		if err == nil {
			return nil
		}
		if !isRevisionConflict(err) {
			return domain.WrapError(domain.ErrUnavailable, "write session", err)
		}
	}
	return fmt.Errorf("%w: session %s changed concurrently", domain.ErrStateConflict, sessionID)
}

func (s *Store) PurgeCompany(ctx context.Context, companyID string) (int, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, companyFilter(companyID))
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, domain.WrapError(domain.ErrUnavailable, "list sessions", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	for _, key := range keys {
		if err := s.kv.Purge(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, domain.WrapError(domain.ErrUnavailable, "purge session", err)
		}
	}
	return len(keys), nil
}

func isRevisionConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
