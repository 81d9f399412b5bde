package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trialtrends/internal/clustering"
	"trialtrends/internal/core"
	"trialtrends/internal/logger"
	"trialtrends/internal/observability"
	"trialtrends/internal/trends"
)

// Pipeline runs one trend detection: query, group, aggregate, rank and
// optionally narrate. Stages run sequentially.
type Pipeline struct {
	source    ObservationSource
	grouper   ConditionGrouper
	formatter NarrativeFormatter
	tracer    trace.Tracer
	config    *Config
}

// Config holds pipeline configuration
type Config struct {
	MaxRows   int  // Cap on each ranked list (default: 100)
	Narrative bool // Whether to call the narrative formatter
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxRows:   trends.DefaultMaxRows,
		Narrative: true,
	}
}

// NewPipeline creates a pipeline from its collaborators. formatter may be nil
// when narratives are disabled.
func NewPipeline(source ObservationSource, grouper ConditionGrouper, formatter NarrativeFormatter, config *Config) *Pipeline {
	if config == nil {
		config = DefaultConfig()
	}
	return &Pipeline{
		source:    source,
		grouper:   grouper,
		formatter: formatter,
		tracer:    observability.Tracer("trialtrends/pipeline"),
		config:    config,
	}
}

// Report is the result of one run
type Report struct {
	RunID       string                `json:"run_id"`
	FirstMonth  string                `json:"first_month"`
	SecondMonth string                `json:"second_month"`
	Increases   []core.TrendRow       `json:"increases"`
	Decreases   []core.TrendRow       `json:"decreases"`
	Narrative   *core.NarrativeResult `json:"narrative,omitempty"`
	Stats       Stats                 `json:"stats"`

	Pair  core.MonthPair `json:"-"`
	Table *trends.Table  `json:"-"`
}

// Stats tracks run metrics
type Stats struct {
	Observations      int           `json:"observations"`       // Rows returned by the source
	DistinctRaw       int           `json:"distinct_raw"`       // Distinct normalized names
	DistinctCanonical int           `json:"distinct_canonical"` // Distinct names after grouping
	Increases         int           `json:"increases"`          // Rows with a positive delta before truncation
	Decreases         int           `json:"decreases"`          // Rows with a negative delta before truncation
	Unchanged         int           `json:"unchanged"`          // Rows with a zero delta
	OutsidePair       int           `json:"outside_pair"`       // Source rows for neither month, dropped
	ProcessingTime    time.Duration `json:"processing_time"`
}

// Run executes the pipeline for pair
func (p *Pipeline) Run(ctx context.Context, pair core.MonthPair) (*Report, error) {
	startTime := time.Now()
	runID := uuid.NewString()
	log := logger.With("run_id", runID, "months", pair.String())

	ctx, runSpan := observability.StartSpan(ctx, p.tracer, "trends.run",
		attribute.String("run.id", runID),
		attribute.String("run.months", pair.String()),
	)
	defer runSpan.End()

	fail := func(err error) (*Report, error) {
		runSpan.RecordError(err)
		runSpan.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	report := &Report{RunID: runID, Pair: pair}
	report.FirstMonth, report.SecondMonth = pair.Keys()

	// Step 1: Query
	queryCtx, span := observability.StartSpan(ctx, p.tracer, "query")
	raw, err := p.source.ConditionCounts(queryCtx, pair)
	span.SetAttributes(attribute.Int("rows", len(raw)))
	span.End()
	if err != nil {
		return fail(err)
	}
	observations, outside := normalize(raw, pair)
	report.Stats.Observations = len(raw)
	report.Stats.OutsidePair = outside.rows
	if outside.rows > 0 {
		log.Warn().Int("rows", outside.rows).Strs("months", outside.months).
			Msg("Dropped rows outside the requested months")
	}
	report.Stats.DistinctRaw = distinctConditions(observations)
	log.Info().Int("rows", len(raw)).Int("conditions", report.Stats.DistinctRaw).Msg("Fetched condition counts")

	// Step 2: Group near-duplicate names per month
	_, span = observability.StartSpan(ctx, p.tracer, "group")
	if g, ok := p.grouper.(interface{ Threshold() float64 }); ok {
		span.SetAttributes(attribute.Float64("similarity.threshold", g.Threshold()))
	}
	maps := p.grouper.GroupMonths(observations)
	canonical := clustering.Canonicalize(observations, maps)
	report.Stats.DistinctCanonical = distinctConditions(canonical)
	span.SetAttributes(
		attribute.Int("months", len(maps)),
		attribute.Int("conditions.raw", report.Stats.DistinctRaw),
		attribute.Int("conditions.canonical", report.Stats.DistinctCanonical),
	)
	span.End()
	log.Info().Int("canonical", report.Stats.DistinctCanonical).Msg("Grouped condition names")

	// Step 3: Aggregate into two month columns
	_, span = observability.StartSpan(ctx, p.tracer, "aggregate")
	table, err := trends.Aggregate(canonical)
	if err != nil {
		span.RecordError(err)
		span.End()
		return fail(fmt.Errorf("failed to aggregate %s: %w", pair, err))
	}
	span.SetAttributes(attribute.Int("rows", len(table.Rows)))
	span.End()
	report.Table = table

	// Step 4: Rank
	_, span = observability.StartSpan(ctx, p.tracer, "rank")
	for _, row := range table.Rows {
		switch {
		case row.Delta > 0:
			report.Stats.Increases++
		case row.Delta < 0:
			report.Stats.Decreases++
		default:
			report.Stats.Unchanged++
		}
	}
	ranking := trends.Rank(table.Rows, p.config.MaxRows)
	report.Increases = ranking.Increases
	report.Decreases = ranking.Decreases
	span.SetAttributes(
		attribute.Int("increases", len(ranking.Increases)),
		attribute.Int("decreases", len(ranking.Decreases)),
	)
	span.End()
	log.Info().Int("increases", report.Stats.Increases).Int("decreases", report.Stats.Decreases).
		Int("unchanged", report.Stats.Unchanged).Msg("Ranked trends")

	// Step 5: Narrate
	if p.config.Narrative && p.formatter != nil {
		narrateCtx, span := observability.StartSpan(ctx, p.tracer, "narrate",
			attribute.Int("increases.ranked", len(ranking.Increases)),
			attribute.Int("decreases.ranked", len(ranking.Decreases)),
		)
		result := p.formatter.Format(narrateCtx, pair, ranking.Increases, ranking.Decreases)
		span.SetAttributes(
			attribute.Int("increases", len(result.Increases)),
			attribute.Int("decreases", len(result.Decreases)),
		)
		span.End()
		report.Narrative = &result
	}

	report.Stats.ProcessingTime = time.Since(startTime)
	log.Info().Dur("elapsed", report.Stats.ProcessingTime).Msg("Run complete")
	return report, nil
}

// outsideRows records source rows whose month is not in the pair
type outsideRows struct {
	rows   int
	months []string // distinct, in first-seen order
}

// normalize lower-cases and trims names, drops blank names and drops rows
// outside pair
func normalize(raw []core.ConditionObservation, pair core.MonthPair) ([]core.ConditionObservation, outsideRows) {
	out := make([]core.ConditionObservation, 0, len(raw))
	var outside outsideRows
	seen := make(map[string]bool)
	for _, obs := range raw {
		if !pair.Contains(obs.Month) {
			outside.rows++
			if !seen[obs.Month] {
				seen[obs.Month] = true
				outside.months = append(outside.months, obs.Month)
			}
			continue
		}
		obs.Condition = core.NormalizeCondition(obs.Condition)
		if obs.Condition == "" {
			continue
		}
		out = append(out, obs)
	}
	return out, outside
}

func distinctConditions(observations []core.ConditionObservation) int {
	seen := make(map[string]bool)
	for _, obs := range observations {
		seen[obs.Condition] = true
	}
	return len(seen)
}
