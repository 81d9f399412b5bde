package narrative

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"trialtrends/internal/core"
	"trialtrends/internal/llm"
)

const (
	// FunctionName is the structured output the model must produce
	FunctionName = "explain_condition_trends_increase_decrease"

	systemPrompt = "You are a medical data analyst who summarizes clinical trial trends in plain English."

	functionDescription = "Generate a narrative explanation of condition trends, and give 5 key increases and decreases. " +
		"Give the specific numbers for beginning and end for each increase and decrease and percentages when interesting. " +
		"If the percent change is null the condition had no trials in the first month: do not talk about percentage for it."
)

// LLMGenerator implements Generator on top of a structured-output model
type LLMGenerator struct {
	client      llm.StructuredGenerator
	temperature float64
	maxTokens   int
}

// NewLLMGenerator creates a generator with the default sampling settings
func NewLLMGenerator(client llm.StructuredGenerator) *LLMGenerator {
	return &LLMGenerator{
		client:      client,
		temperature: llm.DefaultTemperature,
		maxTokens:   llm.DefaultMaxTokens,
	}
}

// WithTemperature sets the sampling temperature
func (g *LLMGenerator) WithTemperature(t float64) *LLMGenerator {
	g.temperature = t
	return g
}

// WithMaxTokens sets the output token budget
func (g *LLMGenerator) WithMaxTokens(n int) *LLMGenerator {
	if n > 0 {
		g.maxTokens = n
	}
	return g
}

// GenerateNarrative asks the model for the structured narrative of payload
func (g *LLMGenerator) GenerateNarrative(ctx context.Context, payload Payload) (core.NarrativeResult, error) {
	req, err := g.BuildRequest(payload)
	if err != nil {
		return core.NarrativeResult{}, err
	}

	raw, err := g.client.GenerateStructured(ctx, req)
	if err != nil {
		if errors.Is(err, llm.ErrNoStructuredOutput) {
			return core.NarrativeResult{}, fmt.Errorf("%w: %v", ErrNonConformant, err)
		}
		return core.NarrativeResult{}, err
	}

	return ParseResult(raw)
}

// BuildRequest renders the prompt and schema for payload
func (g *LLMGenerator) BuildRequest(payload Payload) (llm.StructuredRequest, error) {
	items := payload.Items
	if items == nil {
		items = []PayloadItem{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return llm.StructuredRequest{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	var prompt strings.Builder
	prompt.WriteString(fmt.Sprintf("Here are clinical trial activity changes by condition between %s and %s.\n",
		payload.FirstLabel, payload.SecondLabel))
	prompt.WriteString("Each item includes the condition name, trial counts in both months, delta, and percent change.\n")
	prompt.WriteString("Quote the before and after counts literally. Mention the percent change only when it is not null.\n\n")
	prompt.Write(data)

	return llm.StructuredRequest{
		System:              systemPrompt,
		User:                prompt.String(),
		FunctionName:        FunctionName,
		FunctionDescription: functionDescription,
		Schema:              Schema(),
		Temperature:         g.temperature,
		MaxTokens:           g.maxTokens,
	}, nil
}

// Schema returns the structured output schema: summary, increases and
// decreases, all required.
func Schema() *llm.Schema {
	return &llm.Schema{
		Type: "object",
		Properties: map[string]*llm.Schema{
			"summary":   {Type: "string"},
			"increases": {Type: "array", Items: &llm.Schema{Type: "string"}},
			"decreases": {Type: "array", Items: &llm.Schema{Type: "string"}},
		},
		Required: []string{"summary", "increases", "decreases"},
	}
}

// rawResult distinguishes missing fields from empty ones
type rawResult struct {
	Summary   *string   `json:"summary"`
	Increases *[]string `json:"increases"`
	Decreases *[]string `json:"decreases"`
}

// ParseResult decodes a structured response, requiring all three fields
func ParseResult(raw json.RawMessage) (core.NarrativeResult, error) {
	var r rawResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return core.NarrativeResult{}, fmt.Errorf("%w: %v", ErrNonConformant, err)
	}

	var missing []string
	if r.Summary == nil {
		missing = append(missing, "summary")
	}
	if r.Increases == nil {
		missing = append(missing, "increases")
	}
	if r.Decreases == nil {
		missing = append(missing, "decreases")
	}
	if len(missing) > 0 {
		return core.NarrativeResult{}, fmt.Errorf("%w: missing %s", ErrNonConformant, strings.Join(missing, ", "))
	}

	return core.NarrativeResult{
		Summary:   *r.Summary,
		Increases: *r.Increases,
		Decreases: *r.Decreases,
	}, nil
}
