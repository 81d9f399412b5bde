package handlers

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"trialtrends/internal/config"
	"trialtrends/internal/core"
	"trialtrends/internal/logger"
	"trialtrends/internal/narrative"
	"trialtrends/internal/observability"
	"trialtrends/internal/pipeline"
	"trialtrends/internal/render"
	"trialtrends/internal/vectorstore"
)

const minYear = 2000

// detectOptions holds the flags shared by detect and trends
type detectOptions struct {
	from       string
	to         string
	startYear  int
	startMonth int
	endYear    int
	endMonth   int
	top        int
	maxRows    int
	threshold  float64
	output     string
	outputDir  string
	noSummary  bool
}

// NewDetectCmd creates the detect command
func NewDetectCmd() *cobra.Command {
	opts := &detectOptions{}

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Rank condition trends between two months and summarize them",
		Long: `Detect compares per-condition trial counts for two months, merges
near-duplicate condition names, ranks the increases and decreases and asks
the configured model for a short structured summary.

Months are given either as YYYY-MM keys or as year and month numbers.

Examples:
  trialtrends detect --from 2020-01 --to 2025-04
  trialtrends detect --start-year 2020 --start-month 1 --end-year 2025 --end-month 4
  trialtrends detect --from 2020-01 --to 2025-04 --top 10 --output json
  trialtrends detect --from 2020-01 --to 2025-04 --output markdown --output-dir reports`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runDetect(cmd.Context(), cmd.OutOrStdout(), opts, !opts.noSummary); err != nil {
				fmt.Fprintf(os.Stderr, "❌ %s\n", err)
				os.Exit(1)
			}
		},
	}

	addDetectFlags(cmd, opts)
	cmd.Flags().IntVar(&opts.top, "top", 0, "Increases and decreases sent to the model (default from config)")
	cmd.Flags().BoolVar(&opts.noSummary, "no-summary", false, "Skip the model summary")

	return cmd
}

// NewTrendsCmd creates the trends command, a detect run without the summary
func NewTrendsCmd() *cobra.Command {
	opts := &detectOptions{}

	cmd := &cobra.Command{
		Use:   "trends",
		Short: "Print the ranked condition trends between two months",
		Long: `Trends runs the same comparison as detect without calling a model
and prints the ranked increases and decreases.

Examples:
  trialtrends trends --from 2020-01 --to 2025-04
  trialtrends trends --from 2020-01 --to 2025-04 --max-rows 20 --output json`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := runDetect(cmd.Context(), cmd.OutOrStdout(), opts, false); err != nil {
				fmt.Fprintf(os.Stderr, "❌ %s\n", err)
				os.Exit(1)
			}
		},
	}

	addDetectFlags(cmd, opts)
	return cmd
}

func addDetectFlags(cmd *cobra.Command, opts *detectOptions) {
	cmd.Flags().StringVar(&opts.from, "from", "", "First month (YYYY-MM)")
	cmd.Flags().StringVar(&opts.to, "to", "", "Second month (YYYY-MM)")
	cmd.Flags().IntVar(&opts.startYear, "start-year", 0, "First month's year")
	cmd.Flags().IntVar(&opts.startMonth, "start-month", 0, "First month (1-12)")
	cmd.Flags().IntVar(&opts.endYear, "end-year", 0, "Second month's year")
	cmd.Flags().IntVar(&opts.endMonth, "end-month", 0, "Second month (1-12)")
	cmd.Flags().IntVar(&opts.maxRows, "max-rows", 0, "Cap on each ranked list (default from config)")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", 0, "Similarity threshold for merging names (default from config)")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "Output format: text, json or markdown")
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", "reports", "Directory for markdown reports")
}

// resolveMonthPair builds the month pair from either flag form. Years must be
// between 2000 and the current year.
func resolveMonthPair(opts *detectOptions, now time.Time) (core.MonthPair, error) {
	var (
		pair core.MonthPair
		err  error
	)
	switch {
	case opts.from != "" || opts.to != "":
		if opts.from == "" || opts.to == "" {
			return core.MonthPair{}, fmt.Errorf("both --from and --to are required")
		}
		pair, err = core.ParseMonthPair(opts.from, opts.to)
	case opts.startYear != 0 || opts.endYear != 0:
		pair, err = core.NewMonthPair(opts.startYear, opts.startMonth, opts.endYear, opts.endMonth)
	default:
		return core.MonthPair{}, fmt.Errorf("months are required: use --from/--to or --start-year/--start-month/--end-year/--end-month")
	}
	if err != nil {
		return core.MonthPair{}, err
	}

	for _, month := range []time.Time{pair.First, pair.Second} {
		if month.Year() < minYear || month.Year() > now.Year() {
			return core.MonthPair{}, fmt.Errorf("year must be between %d and %d, got %d", minYear, now.Year(), month.Year())
		}
	}
	if pair.First.Equal(pair.Second) {
		first, _ := pair.Keys()
		return core.MonthPair{}, fmt.Errorf("the two months must differ, got %s twice", first)
	}
	return pair, nil
}

func validateOutput(output string) (string, error) {
	output = strings.ToLower(strings.TrimSpace(output))
	switch output {
	case "text", "json", "markdown":
		return output, nil
	default:
		return "", fmt.Errorf("unknown output format %q (use text, json or markdown)", output)
	}
}

func runDetect(ctx context.Context, w io.Writer, opts *detectOptions, summarize bool) error {
	cfg := config.Get()

	pair, err := resolveMonthPair(opts, time.Now())
	if err != nil {
		return err
	}
	output, err := validateOutput(opts.output)
	if err != nil {
		return err
	}

	shutdown, err := observability.InitTracing(ctx, tracingConfig(cfg.Tracing))
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("Tracing shutdown failed", "error", err.Error())
		}
	}()

	store, err := vectorstore.LoadFile(ctx, cfg.Embeddings.StorePath)
	if err != nil {
		return fmt.Errorf("failed to load embedding store (run 'trialtrends embed' first): %w", err)
	}
	logger.Info("Loaded embedding store", "records", store.Len(), "dimensions", store.Dimensions())

	source, db, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	threshold := cfg.Embeddings.SimilarityThreshold
	if opts.threshold > 0 {
		threshold = opts.threshold
	}
	maxRows := cfg.Trends.MaxRows
	if opts.maxRows > 0 {
		maxRows = opts.maxRows
	}

	builder := pipeline.NewBuilder().
		WithSource(source).
		WithStore(store).
		WithThreshold(threshold).
		WithMaxRows(maxRows)

	if summarize {
		formatter, err := newFormatter(ctx, cfg, opts.top)
		if err != nil {
			return err
		}
		builder = builder.WithFormatter(formatter)
	} else {
		builder = builder.WithoutNarrative()
	}

	p, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	report, err := p.Run(ctx, pair)
	if err != nil {
		return fmt.Errorf("trend detection failed: %w", err)
	}

	switch output {
	case "json":
		return render.JSON(w, report)
	case "markdown":
		path, err := render.WriteMarkdownReport(report, opts.outputDir)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "✅ Report written to %s\n", path)
		return nil
	default:
		return render.Text(w, report)
	}
}

func newFormatter(ctx context.Context, cfg *config.Config, top int) (*narrative.Formatter, error) {
	client, err := newStructuredGenerator(ctx, cfg.AI)
	if err != nil {
		return nil, err
	}
	if top <= 0 {
		top = cfg.Trends.PromptRows
	}

	temperature, maxTokens := generationSettings(cfg.AI)
	generator := narrative.NewLLMGenerator(client).
		WithTemperature(temperature).
		WithMaxTokens(maxTokens)

	return narrative.NewFormatter(generator).
		WithTopK(top).
		WithRetry(retryPolicy(cfg.Retry)), nil
}
