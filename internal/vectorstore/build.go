package vectorstore

import (
	"context"
	"fmt"

	"trialtrends/internal/core"
	"trialtrends/internal/logger"
)

// Embedder turns texts into vectors, one per text and in the same order.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float64, error)
}

// Build embeds names in batches and returns them as a store. Names are
// normalized and de-duplicated first; the first occurrence fixes the order.
func Build(ctx context.Context, names []string, embedder Embedder, batchSize int) (*Store, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	seen := make(map[string]bool, len(names))
	unique := make([]string, 0, len(names))
	for _, name := range names {
		n := core.NormalizeCondition(name)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		unique = append(unique, n)
	}

	store, err := New(nil)
	if err != nil {
		return nil, err
	}

	for start := 0; start < len(unique); start += batchSize {
		end := start + batchSize
		if end > len(unique) {
			end = len(unique)
		}
		batch := unique[start:end]

		vectors, err := embedder.EmbedTexts(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embed batch %d-%d: got %d vectors for %d names", start, end, len(vectors), len(batch))
		}

		for i, name := range batch {
			if _, err := store.add(core.EmbeddingRecord{Condition: name, Vector: vectors[i]}); err != nil {
				return nil, err
			}
		}

		logger.Info("Embedded condition batch", "done", end, "total", len(unique))
	}

	return store, nil
}
