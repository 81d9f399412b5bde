package persistence

import "trialtrends/internal/core"

// Queries run against the AACT schema: studies(nct_id, start_month_year)
// and conditions(nct_id, name). start_month_year starts with YYYY-MM.
const (
	conditionCountSQL = `
SELECT c.name AS condition,
       substr(s.start_month_year, 1, 7) AS month,
       COUNT(DISTINCT s.nct_id) AS trial_count
FROM studies s
JOIN conditions c ON s.nct_id = c.nct_id
WHERE substr(s.start_month_year, 1, 7) IN (?, ?)
  AND c.name IS NOT NULL
GROUP BY c.name, substr(s.start_month_year, 1, 7)
ORDER BY c.name, month`

	distinctConditionsSQL = `
SELECT DISTINCT lower(name) AS condition
FROM conditions
WHERE name IS NOT NULL
ORDER BY condition`
)

// ConditionCountQuery returns the per-condition distinct trial counts query
// for the two months of pair, with its arguments.
func ConditionCountQuery(pair core.MonthPair) (string, []any) {
	first, second := pair.Keys()
	return conditionCountSQL, []any{first, second}
}

// DistinctConditionsQuery returns the query listing every lower-cased
// condition name, used to build the embedding store.
func DistinctConditionsQuery() string {
	return distinctConditionsSQL
}
