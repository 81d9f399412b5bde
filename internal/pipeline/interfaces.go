package pipeline

import (
	"context"

	"trialtrends/internal/core"
)

// ObservationSource returns raw per-condition trial counts for two months
type ObservationSource interface {
	// ConditionCounts returns one row per (condition, month) as recorded,
	// before normalization or grouping
	ConditionCounts(ctx context.Context, pair core.MonthPair) ([]core.ConditionObservation, error)
}

// ConditionGrouper builds one canonical map per month
type ConditionGrouper interface {
	// GroupMonths expects normalized condition names
	GroupMonths(observations []core.ConditionObservation) map[string]core.CanonicalMap
}

// NarrativeFormatter produces the narrative for ranked rows. It never fails.
type NarrativeFormatter interface {
	Format(ctx context.Context, pair core.MonthPair, increases, decreases []core.TrendRow) core.NarrativeResult
}
