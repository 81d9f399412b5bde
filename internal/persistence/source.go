package persistence

import (
	"context"
	"fmt"

	"trialtrends/internal/core"
	"trialtrends/internal/logger"
	"trialtrends/internal/retry"
)

// AACTSource reads condition counts from an AACT-shaped database
type AACTSource struct {
	exec  QueryExecutor
	retry retry.Policy
}

// NewAACTSource creates a source on top of exec using the default retry policy
func NewAACTSource(exec QueryExecutor) *AACTSource {
	return &AACTSource{
		exec:  exec,
		retry: retry.DefaultPolicy(),
	}
}

// WithRetry sets the retry policy for queries
func (s *AACTSource) WithRetry(policy retry.Policy) *AACTSource {
	s.retry = policy
	return s
}

// ConditionCounts returns distinct trial counts per raw condition name for the
// two months of pair.
func (s *AACTSource) ConditionCounts(ctx context.Context, pair core.MonthPair) ([]core.ConditionObservation, error) {
	query, args := ConditionCountQuery(pair)

	var rows []core.ConditionObservation
	err := s.retry.Do(ctx, "condition count query", func(ctx context.Context) error {
		var err error
		rows, err = s.exec.Query(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query condition counts: %w", err)
	}

	logger.Debug("Fetched condition counts", "months", pair.String(), "rows", len(rows))
	return rows, nil
}

// ConditionNames returns every distinct lower-cased condition name
func (s *AACTSource) ConditionNames(ctx context.Context) ([]string, error) {
	var rows []core.ConditionObservation
	err := s.retry.Do(ctx, "distinct conditions query", func(ctx context.Context) error {
		var err error
		rows, err = s.exec.Query(ctx, DistinctConditionsQuery())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conditions: %w", err)
	}

	names := make([]string, 0, len(rows))
	for _, row := range rows {
		names = append(names, row.Condition)
	}
	return names, nil
}
