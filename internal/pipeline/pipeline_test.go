package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trialtrends/internal/clustering"
	"trialtrends/internal/core"
	"trialtrends/internal/llm"
	"trialtrends/internal/narrative"
	"trialtrends/internal/retry"
	"trialtrends/internal/vectorstore"
)

// MockSource returns canned observations
type MockSource struct {
	observations []core.ConditionObservation
	err          error
	calls        int
}

func (m *MockSource) ConditionCounts(_ context.Context, _ core.MonthPair) ([]core.ConditionObservation, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]core.ConditionObservation, len(m.observations))
	copy(out, m.observations)
	return out, nil
}

// MockLLM returns a fixed structured response
type MockLLM struct {
	response json.RawMessage
	err      error
	calls    int
}

func (m *MockLLM) GenerateStructured(_ context.Context, _ llm.StructuredRequest) (json.RawMessage, error) {
	m.calls++
	return m.response, m.err
}

func (m *MockLLM) Provider() string { return "mock" }

func testPair(t *testing.T) core.MonthPair {
	t.Helper()
	pair, err := core.ParseMonthPair("2020-01", "2025-04")
	require.NoError(t, err)
	return pair
}

func obs(condition, month string, count int) core.ConditionObservation {
	return core.ConditionObservation{Condition: condition, Month: month, TrialCount: count}
}

func emptyStore(t *testing.T) *vectorstore.Store {
	t.Helper()
	store, err := vectorstore.New(nil)
	require.NoError(t, err)
	return store
}

func formatterFor(client llm.StructuredGenerator) *narrative.Formatter {
	return narrative.NewFormatter(narrative.NewLLMGenerator(client)).WithRetry(retry.NoRetry())
}

func TestRunIncreaseAndUnchanged(t *testing.T) {
	source := &MockSource{observations: []core.ConditionObservation{
		obs("Stroke", "2020-01", 9),
		obs("Stroke", "2025-04", 15),
		obs("Diabetes", "2020-01", 20),
		obs("Diabetes", "2025-04", 20),
	}}

	p, err := NewBuilder().WithSource(source).WithStore(emptyStore(t)).WithoutNarrative().Build()
	require.NoError(t, err)

	report, err := p.Run(context.Background(), testPair(t))
	require.NoError(t, err)

	require.Len(t, report.Increases, 1)
	assert.Equal(t, "stroke", report.Increases[0].Condition)
	assert.Equal(t, 6, report.Increases[0].Delta)
	require.NotNil(t, report.Increases[0].PctChange)
	assert.InDelta(t, 66.67, *report.Increases[0].PctChange, 0.01)
	assert.Empty(t, report.Decreases)
	assert.Nil(t, report.Narrative)

	assert.Equal(t, "2020-01", report.FirstMonth)
	assert.Equal(t, "2025-04", report.SecondMonth)
	assert.Equal(t, 4, report.Stats.Observations)
	assert.Equal(t, 1, report.Stats.Increases)
	assert.Equal(t, 0, report.Stats.Decreases)
	assert.Equal(t, 1, report.Stats.Unchanged)
	assert.NotEmpty(t, report.RunID)
}

func TestRunUndefinedPercentSortsLast(t *testing.T) {
	source := &MockSource{observations: []core.ConditionObservation{
		obs("atrial fibrillation", "2025-04", 4),
		obs("asthma", "2020-01", 2),
		obs("asthma", "2025-04", 6),
	}}

	p, err := NewBuilder().WithSource(source).WithStore(emptyStore(t)).WithoutNarrative().Build()
	require.NoError(t, err)

	report, err := p.Run(context.Background(), testPair(t))
	require.NoError(t, err)

	require.Len(t, report.Increases, 2)
	assert.Equal(t, "asthma", report.Increases[0].Condition)
	assert.Equal(t, "atrial fibrillation", report.Increases[1].Condition)
	assert.Equal(t, 4, report.Increases[1].Delta)
	assert.Equal(t, 0, report.Increases[1].FirstMonthCount)
	assert.False(t, report.Increases[1].HasPctChange())
}

func TestRunMergesNearDuplicates(t *testing.T) {
	// cos(a, b) = 0.9
	store, err := vectorstore.New([]core.EmbeddingRecord{
		{Condition: "cerebrovascular accident", Vector: []float64{1, 0}},
		{Condition: "stroke", Vector: []float64{0.9, math.Sqrt(1 - 0.81)}},
	})
	require.NoError(t, err)

	source := &MockSource{observations: []core.ConditionObservation{
		obs("stroke", "2020-01", 1),
		obs("cerebrovascular accident", "2020-01", 1),
		obs("stroke", "2025-04", 5),
		obs("cerebrovascular accident", "2025-04", 3),
	}}

	p, err := NewBuilder().WithSource(source).WithStore(store).WithThreshold(0.85).WithoutNarrative().Build()
	require.NoError(t, err)

	report, err := p.Run(context.Background(), testPair(t))
	require.NoError(t, err)

	require.Len(t, report.Table.Rows, 1)
	row := report.Table.Rows[0]
	assert.Equal(t, "cerebrovascular accident", row.Condition)
	assert.Equal(t, 2, row.FirstMonthCount)
	assert.Equal(t, 8, row.SecondMonthCount)
	assert.Equal(t, 2, report.Stats.DistinctRaw)
	assert.Equal(t, 1, report.Stats.DistinctCanonical)
}

func TestRunKeepsNamesApartBelowThreshold(t *testing.T) {
	store, err := vectorstore.New([]core.EmbeddingRecord{
		{Condition: "cerebrovascular accident", Vector: []float64{1, 0}},
		{Condition: "stroke", Vector: []float64{0.9, math.Sqrt(1 - 0.81)}},
	})
	require.NoError(t, err)

	source := &MockSource{observations: []core.ConditionObservation{
		obs("stroke", "2020-01", 1),
		obs("cerebrovascular accident", "2020-01", 1),
		obs("stroke", "2025-04", 5),
		obs("cerebrovascular accident", "2025-04", 3),
	}}

	p, err := NewBuilder().WithSource(source).WithStore(store).WithThreshold(0.95).WithoutNarrative().Build()
	require.NoError(t, err)

	report, err := p.Run(context.Background(), testPair(t))
	require.NoError(t, err)
	assert.Len(t, report.Table.Rows, 2)
	assert.Equal(t, 2, report.Stats.DistinctCanonical)
}

func TestRunNarrativeFailureSentinel(t *testing.T) {
	source := &MockSource{observations: []core.ConditionObservation{
		obs("stroke", "2020-01", 9),
		obs("stroke", "2025-04", 15),
	}}
	client := &MockLLM{response: json.RawMessage(`{"summary": "Stroke trials rose."}`)}

	p, err := NewBuilder().WithSource(source).WithStore(emptyStore(t)).WithFormatter(formatterFor(client)).Build()
	require.NoError(t, err)

	report, err := p.Run(context.Background(), testPair(t))
	require.NoError(t, err)

	require.NotNil(t, report.Narrative)
	assert.Equal(t, narrative.FailureSummary, report.Narrative.Summary)
	assert.Empty(t, report.Narrative.Increases)
	assert.Empty(t, report.Narrative.Decreases)
	assert.Equal(t, 1, client.calls)
	assert.Len(t, report.Increases, 1)
}

func TestRunNarrative(t *testing.T) {
	source := &MockSource{observations: []core.ConditionObservation{
		obs("stroke", "2020-01", 9),
		obs("stroke", "2025-04", 15),
		obs("gout", "2020-01", 4),
		obs("gout", "2025-04", 1),
	}}
	client := &MockLLM{response: json.RawMessage(`{
		"summary": "Stroke up, gout down.",
		"increases": ["stroke rose by 6"],
		"decreases": ["gout fell by 3"]
	}`)}

	p, err := NewBuilder().WithSource(source).WithStore(emptyStore(t)).WithFormatter(formatterFor(client)).Build()
	require.NoError(t, err)

	report, err := p.Run(context.Background(), testPair(t))
	require.NoError(t, err)

	require.NotNil(t, report.Narrative)
	assert.Equal(t, "Stroke up, gout down.", report.Narrative.Summary)
	assert.Equal(t, []string{"stroke rose by 6"}, report.Narrative.Increases)
	assert.Equal(t, []string{"gout fell by 3"}, report.Narrative.Decreases)
}

func TestRunDataShapeError(t *testing.T) {
	source := &MockSource{observations: []core.ConditionObservation{
		obs("stroke", "2020-01", 9),
	}}

	p, err := NewBuilder().WithSource(source).WithStore(emptyStore(t)).WithoutNarrative().Build()
	require.NoError(t, err)

	_, err = p.Run(context.Background(), testPair(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDataShape)
}

func TestRunSourceError(t *testing.T) {
	boom := errors.New("connection refused")
	source := &MockSource{err: boom}

	p, err := NewBuilder().WithSource(source).WithStore(emptyStore(t)).WithoutNarrative().Build()
	require.NoError(t, err)

	_, err = p.Run(context.Background(), testPair(t))
	assert.ErrorIs(t, err, boom)
}

func TestRunDropsForeignMonthsAndBlankNames(t *testing.T) {
	source := &MockSource{observations: []core.ConditionObservation{
		obs("  Stroke ", "2020-01", 1),
		obs("stroke", "2025-04", 3),
		obs("   ", "2025-04", 7),
		obs("stroke", "2021-06", 50),
	}}

	p, err := NewBuilder().WithSource(source).WithStore(emptyStore(t)).WithoutNarrative().Build()
	require.NoError(t, err)

	report, err := p.Run(context.Background(), testPair(t))
	require.NoError(t, err)
	require.Len(t, report.Table.Rows, 1)
	assert.Equal(t, "stroke", report.Table.Rows[0].Condition)
	assert.Equal(t, 2, report.Table.Rows[0].Delta)
	assert.Equal(t, 4, report.Stats.Observations)
	assert.Equal(t, 1, report.Stats.OutsidePair)
}

func TestNormalizeCountsRowsOutsideMonths(t *testing.T) {
	raw := []core.ConditionObservation{
		obs("Stroke", "2020-01", 1),
		obs("stroke", "2021-06", 5),
		obs("gout", "2023-02", 2),
		obs("diabetes", "2021-06", 8),
		obs("Gout", "2025-04", 3),
	}

	observations, outside := normalize(raw, testPair(t))
	assert.Len(t, observations, 2)
	assert.Equal(t, 3, outside.rows)
	assert.Equal(t, []string{"2021-06", "2023-02"}, outside.months)

	_, outside = normalize(raw[:1], testPair(t))
	assert.Zero(t, outside.rows)
	assert.Empty(t, outside.months)
}

func TestRunIndependentOfRowOrder(t *testing.T) {
	observations := []core.ConditionObservation{
		obs("a", "2020-01", 1), obs("a", "2025-04", 4),
		obs("b", "2020-01", 2), obs("b", "2025-04", 5),
		obs("c", "2020-01", 9), obs("c", "2025-04", 3),
		obs("d", "2020-01", 6), obs("d", "2025-04", 0),
		obs("e", "2025-04", 3),
	}

	run := func(rows []core.ConditionObservation) *Report {
		p, err := NewBuilder().WithSource(&MockSource{observations: rows}).WithStore(emptyStore(t)).WithoutNarrative().Build()
		require.NoError(t, err)
		report, err := p.Run(context.Background(), testPair(t))
		require.NoError(t, err)
		return report
	}

	want := run(observations)
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 5; i++ {
		shuffled := append([]core.ConditionObservation(nil), observations...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := run(shuffled)
		assert.Equal(t, want.Increases, got.Increases)
		assert.Equal(t, want.Decreases, got.Decreases)
	}
}

func TestRunMaxRows(t *testing.T) {
	source := &MockSource{observations: []core.ConditionObservation{
		obs("a", "2020-01", 1), obs("a", "2025-04", 4),
		obs("b", "2020-01", 2), obs("b", "2025-04", 5),
		obs("c", "2020-01", 1), obs("c", "2025-04", 9),
	}}

	p, err := NewBuilder().WithSource(source).WithStore(emptyStore(t)).WithMaxRows(2).WithoutNarrative().Build()
	require.NoError(t, err)

	report, err := p.Run(context.Background(), testPair(t))
	require.NoError(t, err)
	require.Len(t, report.Increases, 2)
	assert.Equal(t, "c", report.Increases[0].Condition)
	assert.Equal(t, 3, report.Stats.Increases)
}

func TestBuilderValidation(t *testing.T) {
	source := &MockSource{}

	_, err := NewBuilder().WithStore(emptyStore(t)).WithoutNarrative().Build()
	assert.Error(t, err, "source is required")

	_, err = NewBuilder().WithSource(source).WithoutNarrative().Build()
	assert.Error(t, err, "grouper or store is required")

	_, err = NewBuilder().WithSource(source).WithStore(emptyStore(t)).Build()
	assert.Error(t, err, "formatter is required with narrative on")

	_, err = NewBuilder().WithSource(source).WithStore(emptyStore(t)).WithThreshold(1.5).WithoutNarrative().Build()
	assert.Error(t, err)

	_, err = NewBuilder().WithSource(source).WithStore(emptyStore(t)).WithMaxRows(0).WithoutNarrative().Build()
	assert.Error(t, err)
}

func TestBuilderAppliesThresholdToStoreGrouper(t *testing.T) {
	p, err := NewBuilder().WithSource(&MockSource{}).WithStore(emptyStore(t)).WithThreshold(0.9).WithoutNarrative().Build()
	require.NoError(t, err)

	grouper, ok := p.grouper.(*clustering.Grouper)
	require.True(t, ok)
	assert.InDelta(t, 0.9, grouper.Threshold(), 1e-12)
}
