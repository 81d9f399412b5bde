package trends

import (
	"fmt"
	"sort"
	"strings"

	"trialtrends/internal/core"
)

// DefaultMaxRows caps each ranked list
const DefaultMaxRows = 100

// Table is the pivoted two-month view of condition counts.
type Table struct {
	FirstMonth  string          `json:"first_month"`  // Earlier month key (YYYY-MM)
	SecondMonth string          `json:"second_month"` // Later month key (YYYY-MM)
	Rows        []core.TrendRow `json:"rows"`         // One row per condition, sorted by name
}

// Ranking holds the selected increases and decreases of a table.
type Ranking struct {
	Increases []core.TrendRow `json:"increases"`
	Decreases []core.TrendRow `json:"decreases"`
}

// Aggregate sums counts per (condition, month), pivots them into exactly two
// month columns and computes the delta and percent change of every condition.
// Any other number of months fails with core.ErrDataShape.
func Aggregate(observations []core.ConditionObservation) (*Table, error) {
	type key struct {
		condition string
		month     string
	}

	sums := make(map[key]int)
	conditions := make(map[string]bool)
	months := make(map[string]bool)

	for _, obs := range observations {
		if _, err := core.ParseMonth(obs.Month); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrDataShape, err)
		}
		sums[key{obs.Condition, obs.Month}] += obs.TrialCount
		conditions[obs.Condition] = true
		months[obs.Month] = true
	}

	// YYYY-MM keys sort chronologically as strings
	monthKeys := sortedKeys(months)
	if len(monthKeys) != 2 {
		return nil, fmt.Errorf("%w: expected exactly 2 months after pivot, found %d [%s]",
			core.ErrDataShape, len(monthKeys), strings.Join(monthKeys, ", "))
	}

	first, second := monthKeys[0], monthKeys[1]
	names := sortedKeys(conditions)

	table := &Table{
		FirstMonth:  first,
		SecondMonth: second,
		Rows:        make([]core.TrendRow, 0, len(names)),
	}
	for _, name := range names {
		table.Rows = append(table.Rows, NewTrendRow(name, sums[key{name, first}], sums[key{name, second}]))
	}

	return table, nil
}

// NewTrendRow computes the delta and percent change between two counts.
// The percent change is undefined when the first count is zero.
func NewTrendRow(condition string, firstCount, secondCount int) core.TrendRow {
	row := core.TrendRow{
		Condition:        condition,
		FirstMonthCount:  firstCount,
		SecondMonthCount: secondCount,
		Delta:            secondCount - firstCount,
	}
	if firstCount != 0 {
		pct := 100 * float64(row.Delta) / float64(firstCount)
		row.PctChange = &pct
	}
	return row
}

// Rank splits rows into increases and decreases and keeps at most maxRows of
// each. Increases are ordered by delta then percent change, both descending,
// with an undefined percent change lowest. Decreases are ordered by delta
// ascending. Unchanged conditions are in neither list. Ties keep condition
// name order, so the result does not depend on the order of rows.
func Rank(rows []core.TrendRow, maxRows int) Ranking {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	ordered := make([]core.TrendRow, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Condition < ordered[j].Condition
	})

	var increases, decreases []core.TrendRow
	for _, row := range ordered {
		switch {
		case row.Delta > 0:
			increases = append(increases, row)
		case row.Delta < 0:
			decreases = append(decreases, row)
		}
	}

	sort.SliceStable(increases, func(i, j int) bool {
		a, b := increases[i], increases[j]
		if a.Delta != b.Delta {
			return a.Delta > b.Delta
		}
		return pctGreater(a.PctChange, b.PctChange)
	})
	sort.SliceStable(decreases, func(i, j int) bool {
		return decreases[i].Delta < decreases[j].Delta
	})

	return Ranking{
		Increases: head(increases, maxRows),
		Decreases: head(decreases, maxRows),
	}
}

// Top returns the first k increases and decreases.
func (r Ranking) Top(k int) Ranking {
	return Ranking{
		Increases: head(r.Increases, k),
		Decreases: head(r.Decreases, k),
	}
}

// pctGreater orders percent changes descending with undefined last.
func pctGreater(a, b *float64) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return *a > *b
	}
}

func head(rows []core.TrendRow, n int) []core.TrendRow {
	if n < 0 {
		n = 0
	}
	if len(rows) > n {
		rows = rows[:n]
	}
	out := make([]core.TrendRow, len(rows))
	copy(out, rows)
	return out
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
