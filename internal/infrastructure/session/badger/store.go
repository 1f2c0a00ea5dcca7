// Package badger stores chat sessions in an embedded Badger database for
// single-node deployments. Entries carry a TTL that is reset on every append.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/infrastructure/session"
)

const maxTxnAttempts = 16

type Options struct {
	// Path is the data directory; empty opens an in-memory database.
	Path   string
	TTL    time.Duration
	Window int
	Logger *slog.Logger
}

type Store struct {
	db     *badger.DB
	ttl    time.Duration
	window int
}

type loggerAdapter struct {
	logger *slog.Logger
}

func (l *loggerAdapter) Errorf(msg string, items ...any) {
	l.logger.Error(fmt.Sprintf(msg, items...))
}

func (l *loggerAdapter) Warningf(msg string, items ...any) {
	l.logger.Warn(fmt.Sprintf(msg, items...))
}

func (l *loggerAdapter) Infof(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

func (l *loggerAdapter) Debugf(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var bopts badger.Options
	if opts.Path == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts.Logger = &loggerAdapter{logger: logger}
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, ttl: ttl, window: session.NormalizeWindow(opts.Window)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func companyPrefix(companyID string) []byte {
	return []byte("session/" + session.EncodeID(companyID) + "/")
}

func sessionKey(companyID, sessionID string) []byte {
	return append(companyPrefix(companyID), session.EncodeID(sessionID)...)
}

func (s *Store) Get(ctx context.Context, companyID, sessionID string) ([]domain.ChatTurn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var turns []domain.ChatTurn
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		turns, err = readTurns(txn, sessionKey(companyID, sessionID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// Append runs read-modify-write in one serializable transaction and retries
// when Badger reports a conflicting concurrent commit.
func (s *Store) Append(ctx context.Context, companyID, sessionID string, turns []domain.ChatTurn) error {
	key := sessionKey(companyID, sessionID)
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			history, err := readTurns(txn, key)
			if err != nil {
				return err
			}
			raw, err := session.Marshal(session.AppendBounded(history, turns, s.window))
			if err != nil {
				return err
			}
			return txn.SetEntry(badger.NewEntry(key, raw).WithTTL(s.ttl))
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("append session: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: session %s changed concurrently", domain.ErrStateConflict, sessionID)
}

func (s *Store) PurgeCompany(ctx context.Context, companyID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := companyPrefix(companyID)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return 0, fmt.Errorf("delete session: %w", err)
		}
	}
	if err := batch.Flush(); err != nil {
		return 0, fmt.Errorf("flush session purge: %w", err)
	}
	return len(keys), nil
}

func readTurns(txn *badger.Txn, key []byte) ([]domain.ChatTurn, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var turns []domain.ChatTurn
	err = item.Value(func(val []byte) error {
		var err error
		turns, err = session.Unmarshal(val)
		return err
	})
	return turns, err
}
