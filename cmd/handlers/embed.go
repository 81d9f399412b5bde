package handlers

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"trialtrends/internal/config"
	"trialtrends/internal/llm"
	"trialtrends/internal/logger"
	"trialtrends/internal/retry"
	"trialtrends/internal/vectorstore"
)

// NewEmbedCmd creates the embed command
func NewEmbedCmd() *cobra.Command {
	var (
		storePath string
		batchSize int
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Rebuild the condition embedding store",
		Long: `Embed lists every distinct condition name in the database, embeds the
names in batches with the configured Gemini embedding model and writes the
ordered store used to merge near-duplicate names.

The store order is the name order returned by the database. Within a month
the earliest name of a group becomes its canonical name.

Examples:
  trialtrends embed
  trialtrends embed --store data/condition_embeddings.db --batch-size 50
  trialtrends embed --dry-run`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runEmbed(cmd.Context(), cmd.OutOrStdout(), storePath, batchSize, dryRun); err != nil {
				fmt.Fprintf(os.Stderr, "❌ %s\n", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVar(&storePath, "store", "", "Embedding store path (default from config)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Names per embedding request (default from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List the conditions without embedding them")

	return cmd
}

func runEmbed(ctx context.Context, w io.Writer, storePath string, batchSize int, dryRun bool) error {
	cfg := config.Get()
	startTime := time.Now()

	if storePath == "" {
		storePath = cfg.Embeddings.StorePath
	}
	if batchSize <= 0 {
		batchSize = cfg.Embeddings.BatchSize
	}

	source, db, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	names, err := source.ConditionNames(ctx)
	if err != nil {
		return err
	}
	logger.Info("Listed conditions", "count", len(names))

	if dryRun {
		fmt.Fprintf(w, "📋 %d distinct conditions would be embedded into %s\n", len(names), storePath)
		return nil
	}

	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := vectorstore.Build(ctx, names, embedder, batchSize)
	if err != nil {
		return fmt.Errorf("failed to embed conditions: %w", err)
	}

	repo, err := vectorstore.OpenSQLite(ctx, storePath)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.Save(ctx, store); err != nil {
		return err
	}

	stats := store.Stats()
	fmt.Fprintf(w, "✅ Embedded %d conditions (%d dimensions) into %s in %s\n",
		stats.Records, stats.Dimensions, storePath, time.Since(startTime).Round(time.Second))
	return nil
}

func newEmbedder(ctx context.Context, cfg *config.Config) (vectorstore.Embedder, error) {
	if cfg.AI.Gemini.APIKey == "" {
		return nil, fmt.Errorf("embeddings need a Gemini API key (set GEMINI_API_KEY)")
	}
	client, err := llm.NewGeminiClient(ctx, llm.GeminiOptions{
		APIKey:              cfg.AI.Gemini.APIKey,
		Model:               cfg.AI.Gemini.Model,
		EmbeddingModel:      cfg.AI.Gemini.EmbeddingModel,
		EmbeddingDimensions: cfg.AI.Gemini.EmbeddingDimensions,
	})
	if err != nil {
		return nil, err
	}
	return &retryingEmbedder{embedder: client, policy: retryPolicy(cfg.Retry)}, nil
}

// retryingEmbedder retries each batch under the shared policy
type retryingEmbedder struct {
	embedder vectorstore.Embedder
	policy   retry.Policy
}

func (r *retryingEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	var vectors [][]float64
	err := r.policy.Do(ctx, "embedding batch", func(ctx context.Context) error {
		var err error
		vectors, err = r.embedder.EmbedTexts(ctx, texts)
		return err
	})
	return vectors, err
}
