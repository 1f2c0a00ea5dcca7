package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/ragdesk/internal/config"
	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/core/ports"
	"github.com/kirillkom/ragdesk/internal/core/usecase"
	"github.com/kirillkom/ragdesk/internal/infrastructure/chunking"
	"github.com/kirillkom/ragdesk/internal/infrastructure/extractor"
	"github.com/kirillkom/ragdesk/internal/infrastructure/llm/ollama"
	openaillm "github.com/kirillkom/ragdesk/internal/infrastructure/llm/openai"
	"github.com/kirillkom/ragdesk/internal/infrastructure/locking"
	natsqueue "github.com/kirillkom/ragdesk/internal/infrastructure/queue/nats"
	"github.com/kirillkom/ragdesk/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/ragdesk/internal/infrastructure/resilience"
	badgerstore "github.com/kirillkom/ragdesk/internal/infrastructure/session/badger"
	"github.com/kirillkom/ragdesk/internal/infrastructure/session/natskv"
	"github.com/kirillkom/ragdesk/internal/infrastructure/storage/localfs"
	chromemindex "github.com/kirillkom/ragdesk/internal/infrastructure/vector/chromem"
	qdrantindex "github.com/kirillkom/ragdesk/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/ragdesk/internal/observability/metrics"
)

// Mode selects which backends a process may use.
type Mode int

const (
	// Distributed processes share state only through Postgres, NATS and qdrant.
	Distributed Mode = iota
	// Standalone runs the api and the worker in one process, which lets it use
	// the embedded chromem index and badger session store.
	Standalone
)

// App holds the wired use cases shared by the api, worker, mcp and standalone
// processes.
type App struct {
	Config config.Config
	Mode   Mode

	Companies  *usecase.CompanyUseCase
	Dispatcher *usecase.Dispatcher
	Stager     *usecase.FileStager
	Chat       *usecase.ChatUseCase
	Executor   *usecase.JobExecutor
	Reaper     *usecase.Reaper
	Queue      *natsqueue.Queue

	closers []func()
}

func New(ctx context.Context, cfg config.Config, mode Mode) (*App, error) {
	if err := checkBackends(cfg, mode); err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Mode: mode}
	if err := app.wire(ctx, cfg); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *App) wire(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()

	pool := postgres.PoolConfig{MaxOpenConns: cfg.PostgresMaxOpenConns}.ReserveForLockHolders(cfg.WorkerPoolSize)
	db, err := postgres.OpenDB(ctx, cfg.PostgresDSN, pool)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.onClose(func() { _ = db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	companies := postgres.NewCompanyRepository(db)
	tasks := postgres.NewTaskRepository(db)
	documents := postgres.NewDocumentRepository(db)

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("init object storage: %w", err)
	}

	nc, err := natsqueue.Connect(cfg.NATSURL, natsqueue.ConnOptions{Name: "ragdesk"})
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	a.onClose(func() { _ = nc.Drain() })
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("init jetstream: %w", err)
	}

	queue, err := natsqueue.NewQueue(ctx, js, natsqueue.QueueOptions{
		Stream:             cfg.NATSJobStream,
		Subject:            cfg.NATSJobSubject,
		AckWait:            ackWaitFor(cfg.JobTimeout),
		MaxDeliver:         cfg.JobMaxDeliver,
		ResilienceExecutor: resilience.NewExecutor(resilience.DefaultConfig()),
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("init job queue: %w", err)
	}
	a.Queue = queue

	sessions, err := a.sessionStore(ctx, cfg, js, logger)
	if err != nil {
		return err
	}
	index, err := a.documentIndex(cfg)
	if err != nil {
		return err
	}
	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	providers, err := newProviders(cfg)
	if err != nil {
		return err
	}

	registry := extractor.NewRegistry()
	chunker := chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	companyLocker := postgres.NewAdvisoryLocker(db, "company", logger)

	deletion := usecase.NewDeletionPipeline(index, documents, logger)
	pipelines := map[domain.TaskKind]usecase.Pipeline{
		domain.TaskIngest:             usecase.NewIngestPipeline(storage, registry, chunker, embedder, index, documents, logger),
		domain.TaskDeleteDocument:     deletion,
		domain.TaskDeleteAllDocuments: deletion,
		domain.TaskDeleteCompany:      usecase.NewCompanyDeletionPipeline(deletion, sessions, storage, tasks, companies, logger),
	}

	a.Companies = usecase.NewCompanyUseCase(companies)
	a.Dispatcher = usecase.NewDispatcher(tasks, queue, cfg.MaxDocumentsPerTask, logger)
	a.Stager = usecase.NewFileStager(storage, registry.Supported)
	chain := usecase.NewProviderChain(providers, cfg.LLMProviderTimeout, logger)
	logger.Info("llm_provider_chain", "providers", chain.Names(), "timeout", cfg.LLMProviderTimeout)
	sessionLocker, err := a.sessionLocker(ctx, cfg, js, len(chain.Names()), logger)
	if err != nil {
		return err
	}

	a.Chat = usecase.NewChatUseCase(
		companies,
		sessions,
		embedder,
		index,
		chain,
		sessionLocker,
		usecase.ChatConfig{TopK: cfg.RAGTopK, DefaultPrompt: cfg.ChatDefaultPrompt},
		logger,
	)
	a.Executor = usecase.NewJobExecutor(tasks, companies, companyLocker, pipelines, cfg.JobTimeout, logger)
	a.Reaper = usecase.NewReaper(tasks, cfg.ReaperInterval, cfg.ReaperStaleAfter, logger)
	return nil
}

// ackWaitFor keeps the redelivery deadline beyond the job timeout so a job
// that is still running is not handed to a second worker.
func ackWaitFor(jobTimeout time.Duration) time.Duration {
	if jobTimeout <= 0 {
		jobTimeout = usecase.DefaultJobTimeout
	}
	return jobTimeout + time.Minute
}

// checkBackends rejects the embedded stores outside standalone mode: each
// process would open its own copy and never see the others' writes.
func checkBackends(cfg config.Config, mode Mode) error {
	if mode == Standalone {
		return nil
	}
	if cfg.VectorBackend == "chromem" {
		return errors.New("VECTOR_BACKEND=chromem is only supported by the standalone process")
	}
	if cfg.SessionBackend == "badger" {
		return errors.New("SESSION_BACKEND=badger is only supported by the standalone process")
	}
	return nil
}

// sessionLocker serializes chats per session. Replicated processes share a
// NATS KV lease; a standalone process only needs an in-process mutex.
func (a *App) sessionLocker(ctx context.Context, cfg config.Config, js jetstream.JetStream, providers int, logger *slog.Logger) (ports.KeyLocker, error) {
	if a.Mode == Standalone {
		return locking.NewKeyedMutex(), nil
	}
	locker, err := natskv.NewLeaseLocker(ctx, js, natskv.LeaseOptions{
		Bucket: cfg.NATSLockBucket,
		TTL:    sessionLeaseTTL(cfg.LLMProviderTimeout, providers),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init session locks: %w", err)
	}
	return locker, nil
}

// sessionLeaseTTL outlasts a chat that walks the whole provider chain.
func sessionLeaseTTL(providerTimeout time.Duration, providers int) time.Duration {
	if providerTimeout <= 0 {
		providerTimeout = usecase.DefaultProviderTimeout
	}
	return providerTimeout*time.Duration(max(1, providers)) + time.Minute
}

func (a *App) sessionStore(ctx context.Context, cfg config.Config, js jetstream.JetStream, logger *slog.Logger) (ports.SessionStore, error) {
	switch cfg.SessionBackend {
	case "", "nats":
		store, err := natskv.New(ctx, js, natskv.Options{
			Bucket: cfg.NATSSessionBucket,
			TTL:    cfg.ChatSessionTTL,
			Window: cfg.ChatHistoryWindow,
		})
		if err != nil {
			return nil, fmt.Errorf("init session store: %w", err)
		}
		return store, nil
	case "badger":
		store, err := badgerstore.Open(badgerstore.Options{
			Path:   cfg.BadgerPath,
			TTL:    cfg.ChatSessionTTL,
			Window: cfg.ChatHistoryWindow,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init session store: %w", err)
		}
		a.onClose(func() { _ = store.Close() })
		return store, nil
	default:
		return nil, fmt.Errorf("unknown SESSION_BACKEND %q", cfg.SessionBackend)
	}
}

func (a *App) documentIndex(cfg config.Config) (ports.DocumentIndex, error) {
	switch cfg.VectorBackend {
	case "", "qdrant":
		index, err := qdrantindex.New(qdrantindex.Config{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantUseTLS,
			Collection: cfg.QdrantCollection,
		}, resilience.NewExecutor(resilience.DefaultConfig()))
		if err != nil {
			return nil, fmt.Errorf("init vector index: %w", err)
		}
		a.onClose(func() { _ = index.Close() })
		return index, nil
	case "chromem":
		index, err := chromemindex.New(cfg.ChromemPath, cfg.ChromemCompress)
		if err != nil {
			return nil, fmt.Errorf("init vector index: %w", err)
		}
		return index, nil
	default:
		return nil, fmt.Errorf("unknown VECTOR_BACKEND %q", cfg.VectorBackend)
	}
}

func newEmbedder(cfg config.Config) (ports.Embedder, error) {
	executor := resilience.NewExecutor(resilience.DefaultConfig())
	switch cfg.EmbedderKind {
	case "", "ollama":
		baseURL := cfg.EmbedBaseURL
		if baseURL == "" {
			baseURL = cfg.OllamaURL
		}
		return ollama.NewEmbedder(ollama.New(baseURL, executor), cfg.EmbedModel), nil
	case openaillm.KindOpenAI, openaillm.KindAzure:
		embedder, err := openaillm.NewEmbedder(openaillm.Config{
			Kind:           cfg.EmbedderKind,
			BaseURL:        cfg.EmbedBaseURL,
			APIKey:         cfg.EmbedAPIKey,
			Model:          cfg.EmbedModel,
			EmbeddingModel: cfg.EmbedModel,
			APIVersion:     cfg.EmbedAPIVersion,
		}, cfg.EmbedBatchSize, executor)
		if err != nil {
			return nil, fmt.Errorf("init embedder: %w", err)
		}
		return embedder, nil
	default:
		return nil, fmt.Errorf("unknown EMBEDDER_KIND %q", cfg.EmbedderKind)
	}
}

// newProviders builds the chain in configured order. Provider calls go
// through a circuit breaker without retries so an open or failing provider
// hands over to the next one immediately.
func newProviders(cfg config.Config) ([]ports.LLMProvider, error) {
	policy := resilience.DefaultConfig()
	policy.RetryMaxAttempts = 1
	executor := resilience.NewExecutor(policy)

	providers := make([]ports.LLMProvider, 0, len(cfg.LLMProviders))
	for _, pc := range cfg.LLMProviders {
		switch pc.Kind {
		case "ollama":
			baseURL := pc.BaseURL
			if baseURL == "" {
				baseURL = cfg.OllamaURL
			}
			providers = append(providers, ollama.NewProvider(pc.Name, ollama.New(baseURL, executor), pc.Model))
		case openaillm.KindOpenAI, openaillm.KindAzure:
			provider, err := openaillm.NewProvider(pc.Name, openaillm.Config{
				Kind:       pc.Kind,
				BaseURL:    pc.BaseURL,
				APIKey:     pc.APIKey,
				Model:      pc.Model,
				APIVersion: pc.APIVersion,
			}, executor)
			if err != nil {
				return nil, fmt.Errorf("init provider %s: %w", pc.Name, err)
			}
			providers = append(providers, provider)
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", pc.Name, pc.Kind)
		}
	}
	if len(providers) == 0 {
		return nil, errors.New("no llm providers configured")
	}
	return providers, nil
}

// RunWorker consumes jobs with the configured pool and runs the reaper until
// ctx is done.
func (a *App) RunWorker(ctx context.Context, service string, workerMetrics *metrics.WorkerMetrics) error {
	a.Reaper.OnReaped(func(kind domain.TaskKind) {
		workerMetrics.RecordReaped(service, string(kind))
	})
	go a.Reaper.Run(ctx)

	slog.Default().Info("worker_consuming",
		"stream", a.Config.NATSJobStream,
		"subject", a.Config.NATSJobSubject,
		"pool_size", a.Config.WorkerPoolSize,
	)
	return a.Queue.Consume(ctx, a.Config.WorkerPoolSize, func(handlerCtx context.Context, msg domain.JobMessage) error {
		start := time.Now()
		workerMetrics.StartJob()
		if !msg.EnqueuedAt.IsZero() {
			workerMetrics.ObserveQueueLag(service, string(msg.Kind), start.Sub(msg.EnqueuedAt))
		}

		err := a.Executor.Execute(handlerCtx, msg)
		workerMetrics.FinishJob(service, string(msg.Kind), time.Since(start), err)
		return err
	})
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

