package usecase

import (
	"fmt"
	"sort"

	"github.com/kirillkom/ragdesk/internal/core/domain"
)

// rankChunks orders candidates by similarity, breaking ties with the most
// recently ingested chunk, and keeps at most limit entries. Duplicate chunk
// ids keep their best scoring copy.
func rankChunks(candidates []domain.RetrievedChunk, limit int) []domain.RetrievedChunk {
	best := make(map[string]domain.RetrievedChunk, len(candidates))
	for _, chunk := range candidates {
		key := retrievalChunkKey(chunk)
		if prev, ok := best[key]; ok && prev.Score >= chunk.Score {
			continue
		}
		best[key] = chunk
	}

	out := make([]domain.RetrievedChunk, 0, len(best))
	for _, chunk := range best {
		out = append(out, chunk)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.After(out[j].IngestedAt)
		}
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].Index < out[j].Index
	})

	return trimCandidates(out, limit)
}

func trimCandidates(chunks []domain.RetrievedChunk, limit int) []domain.RetrievedChunk {
	if limit <= 0 || len(chunks) <= limit {
		return chunks
	}
	return chunks[:limit]
}

func retrievalChunkKey(chunk domain.RetrievedChunk) string {
	if chunk.ChunkID != "" {
		return chunk.ChunkID
	}
	return fmt.Sprintf("%s:%d", chunk.DocumentID, chunk.Index)
}
