package clustering

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"trialtrends/internal/core"
	"trialtrends/internal/logger"
)

// DefaultSimilarityThreshold is the cosine similarity two condition names
// must exceed to be merged.
const DefaultSimilarityThreshold = 0.85

// EmbeddingSource returns, in store order, the records whose names are in
// members.
type EmbeddingSource interface {
	Restrict(members map[string]bool) []core.EmbeddingRecord
}

// Grouper merges near-duplicate condition names within a month using
// precomputed embeddings. Groups are built greedily in store order: the first
// unvisited name becomes canonical and absorbs every later unvisited name
// whose similarity to it is strictly above the threshold.
type Grouper struct {
	source    EmbeddingSource
	threshold float64
}

// NewGrouper creates a grouper with the default threshold
func NewGrouper(source EmbeddingSource) *Grouper {
	return &Grouper{
		source:    source,
		threshold: DefaultSimilarityThreshold,
	}
}

// WithThreshold sets the similarity threshold
func (g *Grouper) WithThreshold(threshold float64) *Grouper {
	g.threshold = threshold
	return g
}

// Threshold returns the configured similarity threshold
func (g *Grouper) Threshold() float64 {
	return g.threshold
}

// Group builds the canonical map for one month's condition names. Names that
// have no embedding are left out of the map and resolve to themselves.
func (g *Grouper) Group(month string, names []string) core.CanonicalMap {
	members := make(map[string]bool, len(names))
	for _, name := range names {
		members[name] = true
	}

	records := g.source.Restrict(members)
	if len(records) == 0 {
		logger.Warn("No embeddings for month, leaving condition names ungrouped",
			"month", month, "conditions", len(members))
		return core.CanonicalMap{}
	}

	sim := CosineSimilarityMatrix(records)
	n := len(records)

	canonical := make(core.CanonicalMap, n)
	visited := make([]bool, n)
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true
		canonical[records[i].Condition] = records[i].Condition
		for j := i + 1; j < n; j++ {
			if visited[j] {
				continue
			}
			if sim.At(i, j) > g.threshold {
				canonical[records[j].Condition] = records[i].Condition
				visited[j] = true
			}
		}
	}

	merged := 0
	for name, target := range canonical {
		if name != target {
			merged++
		}
	}
	logger.Debug("Grouped month", "month", month, "embedded", n, "merged", merged)

	return canonical
}

// GroupMonths builds one canonical map per month found in observations.
// Conditions must already be normalized.
func (g *Grouper) GroupMonths(observations []core.ConditionObservation) map[string]core.CanonicalMap {
	byMonth := make(map[string][]string)
	seen := make(map[string]map[string]bool)
	for _, obs := range observations {
		if seen[obs.Month] == nil {
			seen[obs.Month] = make(map[string]bool)
		}
		if seen[obs.Month][obs.Condition] {
			continue
		}
		seen[obs.Month][obs.Condition] = true
		byMonth[obs.Month] = append(byMonth[obs.Month], obs.Condition)
	}

	months := make([]string, 0, len(byMonth))
	for month := range byMonth {
		months = append(months, month)
	}
	sort.Strings(months)

	maps := make(map[string]core.CanonicalMap, len(months))
	for _, month := range months {
		maps[month] = g.Group(month, byMonth[month])
	}
	return maps
}

// Canonicalize rewrites each observation's condition through its month's map.
func Canonicalize(observations []core.ConditionObservation, maps map[string]core.CanonicalMap) []core.ConditionObservation {
	out := make([]core.ConditionObservation, len(observations))
	for i, obs := range observations {
		obs.Condition = maps[obs.Month].Resolve(obs.Condition)
		out[i] = obs
	}
	return out
}

// CosineSimilarityMatrix returns the n×n cosine similarity of the records'
// vectors. Zero vectors are similar to nothing, themselves included.
func CosineSimilarityMatrix(records []core.EmbeddingRecord) *mat.Dense {
	n := len(records)
	if n == 0 {
		return &mat.Dense{}
	}
	dim := len(records[0].Vector)
	if dim == 0 {
		return mat.NewDense(n, n, nil)
	}

	unit := mat.NewDense(n, dim, nil)
	row := make([]float64, dim)
	for i, rec := range records {
		copy(row, rec.Vector)
		if norm := floats.Norm(row, 2); norm > 0 {
			floats.Scale(1/norm, row)
		} else {
			for k := range row {
				row[k] = 0
			}
		}
		unit.SetRow(i, row)
	}

	var sim mat.Dense
	sim.Mul(unit, unit.T())
	return &sim
}
