// Package qdrant implements the document index on Qdrant over gRPC. All
// points of all companies share one collection; every query and delete is
// filtered by the company_id payload field.
package qdrant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kirillkom/ragdesk/internal/core/domain"
	"github.com/kirillkom/ragdesk/internal/infrastructure/resilience"
)

const (
	fieldCompanyID  = "company_id"
	fieldDocumentID = "document_id"
	fieldSourcePath = "source_path"
	fieldChunkIndex = "chunk_index"
	fieldText       = "text"
	fieldIngestedAt = "ingested_at"

	defaultMaxMessageSize = 64 << 20
)

type Config struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	Collection     string
	MaxMessageSize int
}

type Index struct {
	client     *qdrant.Client
	collection string
	executor   *resilience.Executor

	ensureMu   sync.Mutex
	ensuredDim int
}

func New(cfg Config, executor *resilience.Executor) (*Index, error) {
	if cfg.Collection == "" {
		cfg.Collection = "ragdesk_chunks"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &Index{client: client, collection: cfg.Collection, executor: executor}, nil
}

func (i *Index) Close() error {
	return i.client.Close()
}

func (i *Index) Upsert(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := i.ensureCollection(ctx, len(chunks[0].Vector)); err != nil {
		return err
	}
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, chunk := range chunks {
		points = append(points, pointFromChunk(chunk))
	}
	return i.run(ctx, "qdrant.upsert", func(ctx context.Context) error {
		_, err := i.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: i.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
}

func (i *Index) DeleteDocument(ctx context.Context, companyID, documentID string) error {
	return i.deleteByFilter(ctx, &qdrant.Filter{Must: []*qdrant.Condition{
		keywordCondition(fieldCompanyID, companyID),
		keywordCondition(fieldDocumentID, documentID),
	}})
}

func (i *Index) DeleteCompany(ctx context.Context, companyID string) error {
	return i.deleteByFilter(ctx, companyFilter(companyID))
}

func (i *Index) deleteByFilter(ctx context.Context, filter *qdrant.Filter) error {
	err := i.run(ctx, "qdrant.delete", func(ctx context.Context) error {
		_, err := i.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: i.collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
		})
		return err
	})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (i *Index) Search(ctx context.Context, companyID string, vector []float32, k int) ([]domain.RetrievedChunk, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	var points []*qdrant.ScoredPoint
	err := i.run(ctx, "qdrant.search", func(ctx context.Context) error {
		res, err := i.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: i.collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         companyFilter(companyID),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]domain.RetrievedChunk, 0, len(points))
	for _, p := range points {
		out = append(out, chunkFromPoint(p))
	}
	return out, nil
}

func (i *Index) ensureCollection(ctx context.Context, dim int) error {
	i.ensureMu.Lock()
	defer i.ensureMu.Unlock()

	if i.ensuredDim == dim {
		return nil
	}
	if i.ensuredDim != 0 {
		return fmt.Errorf("vector size changed from %d to %d", i.ensuredDim, dim)
	}

	var exists bool
	err := i.run(ctx, "qdrant.collection_exists", func(ctx context.Context) error {
		var err error
		exists, err = i.client.CollectionExists(ctx, i.collection)
		return err
	})
	if err != nil {
		return err
	}
	if !exists {
		err := i.run(ctx, "qdrant.create_collection", func(ctx context.Context) error {
			return i.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: i.collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dim),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil && status.Code(unwrapStatus(err)) != grpccodes.AlreadyExists {
			return err
		}
		for _, field := range []string{fieldCompanyID, fieldDocumentID} {
			err := i.run(ctx, "qdrant.create_index", func(ctx context.Context) error {
				_, err := i.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
					CollectionName: i.collection,
					FieldName:      field,
					FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
					Wait:           qdrant.PtrOf(true),
				})
				return err
			})
			if err != nil {
				return err
			}
		}
	}
	i.ensuredDim = dim
	return nil
}

func (i *Index) run(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	if i.executor != nil {
		err = i.executor.Execute(ctx, op, fn, classifyQdrantError)
	} else {
		err = fn(ctx)
	}
	return wrapTemporaryIfNeeded(op, err)
}

func companyFilter(companyID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{keywordCondition(fieldCompanyID, companyID)}}
}

func keywordCondition(field, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: field,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func pointFromChunk(chunk domain.Chunk) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(chunk.ID),
		Vectors: qdrant.NewVectors(chunk.Vector...),
		Payload: map[string]*qdrant.Value{
			fieldCompanyID:  stringValue(chunk.CompanyID),
			fieldDocumentID: stringValue(chunk.DocumentID),
			fieldSourcePath: stringValue(chunk.SourcePath),
			fieldText:       stringValue(chunk.Text),
			fieldChunkIndex: {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(chunk.Index)}},
			fieldIngestedAt: {Kind: &qdrant.Value_IntegerValue{IntegerValue: chunk.IngestedAt.UnixNano()}},
		},
	}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func chunkFromPoint(p *qdrant.ScoredPoint) domain.RetrievedChunk {
	out := domain.RetrievedChunk{
		ChunkID: p.GetId().GetUuid(),
		Score:   float64(p.GetScore()),
	}
	for key, value := range p.GetPayload() {
		switch v := value.GetKind().(type) {
		case *qdrant.Value_StringValue:
			switch key {
			case fieldDocumentID:
				out.DocumentID = v.StringValue
			case fieldSourcePath:
				out.SourcePath = v.StringValue
			case fieldText:
				out.Text = v.StringValue
			}
		case *qdrant.Value_IntegerValue:
			switch key {
			case fieldChunkIndex:
				out.Index = int(v.IntegerValue)
			case fieldIngestedAt:
				out.IngestedAt = time.Unix(0, v.IntegerValue).UTC()
			}
		}
	}
	return out
}
