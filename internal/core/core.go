package core

import (
	"errors"
	"strings"
)

// ErrDataShape is returned when the aggregated data cannot be pivoted into
// exactly two month columns.
var ErrDataShape = errors.New("unexpected data shape")

// ConditionObservation is one row of the source table: the number of distinct
// trials started in a month for a condition.
type ConditionObservation struct {
	Condition  string `json:"condition" db:"condition"`     // Condition name as recorded (normalized before grouping)
	Month      string `json:"month" db:"month"`             // Month key in YYYY-MM form
	TrialCount int    `json:"trial_count" db:"trial_count"` // Distinct trials, never negative
}

// EmbeddingRecord pairs a normalized condition name with its precomputed vector.
type EmbeddingRecord struct {
	Condition string    `json:"condition"` // Normalized condition name
	Vector    []float64 `json:"vector"`    // Fixed-length embedding
}

// CanonicalMap maps an observed condition name to the canonical name chosen
// for its near-duplicate group. It is scoped to a single month.
type CanonicalMap map[string]string

// Resolve returns the canonical name for condition. Names that were never
// grouped resolve to themselves.
func (m CanonicalMap) Resolve(condition string) string {
	if canonical, ok := m[condition]; ok {
		return canonical
	}
	return condition
}

// TrendRow is one condition's change between the two months of a run.
type TrendRow struct {
	Condition        string   `json:"condition"`
	FirstMonthCount  int      `json:"first_month_count"`
	SecondMonthCount int      `json:"second_month_count"`
	Delta            int      `json:"delta"`
	PctChange        *float64 `json:"pct_change"` // nil when the first month count is zero
}

// HasPctChange reports whether the percent change is defined for the row.
func (r TrendRow) HasPctChange() bool {
	return r.PctChange != nil
}

// NarrativeResult is the structured summary produced by the text generator.
type NarrativeResult struct {
	Summary   string   `json:"summary"`
	Increases []string `json:"increases"`
	Decreases []string `json:"decreases"`
}

// NormalizeCondition trims surrounding whitespace and lower-cases a condition
// name so that SQL-derived names and embedding keys compare equal.
func NormalizeCondition(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
