package narrative

import (
	"context"
	"errors"

	"trialtrends/internal/core"
	"trialtrends/internal/logger"
	"trialtrends/internal/retry"
)

// FailureSummary is the summary reported when no conforming narrative could
// be produced.
const FailureSummary = "❌ The model did not return a valid structured summary."

// DefaultTopK is the number of increases and decreases sent to the model
const DefaultTopK = 5

// ErrNonConformant is returned by generators whose response lacks the
// required structured fields.
var ErrNonConformant = errors.New("narrative response does not conform to schema")

// PayloadItem is one condition's change as presented to the model
type PayloadItem struct {
	Condition        string   `json:"condition"`
	FirstMonthCount  int      `json:"first_month_count"`
	SecondMonthCount int      `json:"second_month_count"`
	Delta            int      `json:"delta"`
	PctChange        *float64 `json:"pct_change"` // null when undefined
}

// Payload is everything a generator needs for one narrative
type Payload struct {
	FirstLabel  string        // "January 2020"
	SecondLabel string        // "April 2025"
	Items       []PayloadItem // Top increases followed by top decreases
}

// Generator produces a narrative for a payload
type Generator interface {
	GenerateNarrative(ctx context.Context, payload Payload) (core.NarrativeResult, error)
}

// Formatter turns ranked trend rows into a narrative. It never fails: any
// generator error becomes the failure result.
type Formatter struct {
	generator Generator
	topK      int
	retry     retry.Policy
}

// NewFormatter creates a formatter with the default top-K and retry policy
func NewFormatter(generator Generator) *Formatter {
	return &Formatter{
		generator: generator,
		topK:      DefaultTopK,
		retry:     retry.DefaultPolicy(),
	}
}

// WithTopK sets how many rows of each list are sent
func (f *Formatter) WithTopK(k int) *Formatter {
	if k > 0 {
		f.topK = k
	}
	return f
}

// WithRetry sets the retry policy for transport failures
func (f *Formatter) WithRetry(policy retry.Policy) *Formatter {
	f.retry = policy
	return f
}

// BuildPayload selects the top-K increases and decreases for pair
func (f *Formatter) BuildPayload(pair core.MonthPair, increases, decreases []core.TrendRow) Payload {
	firstLabel, secondLabel := pair.DisplayLabels()
	payload := Payload{FirstLabel: firstLabel, SecondLabel: secondLabel}
	for _, rows := range [][]core.TrendRow{increases, decreases} {
		for i, row := range rows {
			if i >= f.topK {
				break
			}
			payload.Items = append(payload.Items, PayloadItem{
				Condition:        row.Condition,
				FirstMonthCount:  row.FirstMonthCount,
				SecondMonthCount: row.SecondMonthCount,
				Delta:            row.Delta,
				PctChange:        row.PctChange,
			})
		}
	}
	return payload
}

// Format generates the narrative for the ranked rows. Transport failures are
// retried; non-conforming responses are not.
func (f *Formatter) Format(ctx context.Context, pair core.MonthPair, increases, decreases []core.TrendRow) core.NarrativeResult {
	payload := f.BuildPayload(pair, increases, decreases)

	var result core.NarrativeResult
	err := f.retry.Do(ctx, "narrative generation", func(ctx context.Context) error {
		var err error
		result, err = f.generator.GenerateNarrative(ctx, payload)
		if errors.Is(err, ErrNonConformant) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		logger.Error("Narrative generation failed", err, "items", len(payload.Items))
		return Failure()
	}

	if result.Increases == nil {
		result.Increases = []string{}
	}
	if result.Decreases == nil {
		result.Decreases = []string{}
	}
	return result
}

// Failure returns the sentinel result
func Failure() core.NarrativeResult {
	return core.NarrativeResult{
		Summary:   FailureSummary,
		Increases: []string{},
		Decreases: []string{},
	}
}

// IsFailure reports whether result is the sentinel result
func IsFailure(result core.NarrativeResult) bool {
	return result.Summary == FailureSummary
}
