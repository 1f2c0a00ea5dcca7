package openai

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"

	"github.com/kirillkom/ragdesk/internal/infrastructure/resilience"
)

type Embedder struct {
	embedder embeddings.Embedder
	executor *resilience.Executor
}

func NewEmbedder(cfg Config, batchSize int, executor *resilience.Executor) (*Embedder, error) {
	llm, err := newLLM(cfg)
	if err != nil {
		return nil, err
	}
	opts := []embeddings.Option{embeddings.WithStripNewLines(true)}
	if batchSize > 0 {
		opts = append(opts, embeddings.WithBatchSize(batchSize))
	}
	embedder, err := embeddings.NewEmbedder(llm, opts...)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return &Embedder{embedder: embedder, executor: executor}, nil
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := e.run(ctx, func(ctx context.Context) ([][]float32, error) {
		return e.embedder.EmbedDocuments(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), len(texts))
	}
	return vectors, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) run(ctx context.Context, fn func(context.Context) ([][]float32, error)) ([][]float32, error) {
	if e.executor == nil {
		out, err := fn(ctx)
		return out, wrapTemporaryIfNeeded("openai.embed", err)
	}
	out, err := resilience.Call(ctx, e.executor, "openai.embed", fn, classifyError)
	return out, wrapTemporaryIfNeeded("openai.embed", err)
}
