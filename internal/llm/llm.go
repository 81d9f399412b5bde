package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	// DefaultModel is the default Gemini model for narrative generation.
	DefaultModel = "gemini-flash-lite-latest"
	// DefaultEmbeddingModel is the default model for generating embeddings
	DefaultEmbeddingModel = "gemini-embedding-001"
	// DefaultEmbeddingDimensions is the output dimension for embeddings (Matryoshka)
	DefaultEmbeddingDimensions = int32(768)
	// DefaultAnthropicModel is the default Claude model
	DefaultAnthropicModel = "claude-sonnet-4-5-20250929"
	// DefaultTemperature is the sampling temperature for narratives
	DefaultTemperature = 0.7
	// DefaultMaxTokens is the output token budget for narratives
	DefaultMaxTokens = 2048
)

// ErrNoStructuredOutput is returned when the model answers without the
// requested structured output.
var ErrNoStructuredOutput = errors.New("model did not return structured output")

// Schema is a provider-neutral JSON schema subset used for structured output.
type Schema struct {
	Type        string             // "object", "array", "string", "integer", "number", "boolean"
	Description string             // Optional
	Properties  map[string]*Schema // Object fields
	Items       *Schema            // Array element
	Required    []string           // Required object fields
}

// StructuredRequest asks a model for a single JSON object conforming to
// Schema, under the name FunctionName.
type StructuredRequest struct {
	System              string
	User                string
	FunctionName        string
	FunctionDescription string
	Schema              *Schema
	Temperature         float64
	MaxTokens           int
}

// StructuredGenerator returns the raw JSON arguments the model produced for a
// structured request.
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error)
	Provider() string
}

// GeminiOptions configures a Gemini client
type GeminiOptions struct {
	APIKey              string
	Model               string
	EmbeddingModel      string
	EmbeddingDimensions int32
	BaseURL             string // Overrides the API endpoint, used by tests
}

// GeminiClient implements StructuredGenerator and batch embeddings on the
// Gemini API.
type GeminiClient struct {
	modelName           string
	embeddingModel      string
	embeddingDimensions int32
	gClient             *genai.Client
}

// NewGeminiClient creates a Gemini client
func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required. Set GEMINI_API_KEY environment variable or ai.gemini.api_key in config file.\nGet your API key from: https://aistudio.google.com/app/apikey")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = DefaultEmbeddingModel
	}
	if opts.EmbeddingDimensions <= 0 {
		opts.EmbeddingDimensions = DefaultEmbeddingDimensions
	}

	cfg := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}

	gClient, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		modelName:           opts.Model,
		embeddingModel:      opts.EmbeddingModel,
		embeddingDimensions: opts.EmbeddingDimensions,
		gClient:             gClient,
	}, nil
}

// Provider returns the provider name
func (c *GeminiClient) Provider() string { return "gemini" }

// GetModelName returns the generation model name
func (c *GeminiClient) GetModelName() string { return c.modelName }

// GenerateStructured requests JSON output constrained by the request schema.
func (c *GeminiClient) GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	if req.User == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}

	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: req.User}},
		Role:  "user",
	}}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   toGenaiSchema(req.Schema),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}

	resp, err := c.gClient.Models.GenerateContent(ctx, c.modelName, contents, config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, ErrNoStructuredOutput
	}
	text = stripCodeFence(text)
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrNoStructuredOutput)
	}

	return json.RawMessage(text), nil
}

// EmbedTexts embeds texts in one batch request, returning one vector per text.
func (c *GeminiClient) EmbedTexts(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = &genai.Content{
			Parts: []*genai.Part{{Text: text}},
			Role:  "user",
		}
	}

	dims := c.embeddingDimensions
	config := &genai.EmbedContentConfig{
		OutputDimensionality: &dims,
	}

	resp, err := c.gClient.Models.EmbedContent(ctx, c.embeddingModel, contents, config)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings from API", len(texts))
	}

	// Convert float32 to float64
	out := make([][]float64, len(texts))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("no embedding values returned for %q", texts[i])
		}
		vector := make([]float64, len(emb.Values))
		for j, val := range emb.Values {
			vector[j] = float64(val)
		}
		out[i] = vector
	}

	return out, nil
}

func toGenaiSchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genaiType(s.Type),
		Description: s.Description,
		Required:    s.Required,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
	}
	if s.Items != nil {
		out.Items = toGenaiSchema(s.Items)
	}
	return out
}

func genaiType(t string) genai.Type {
	switch t {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

// toJSONSchema renders the schema as a JSON-schema map, the form tool
// definitions expect.
func toJSONSchema(s *Schema) map[string]any {
	if s == nil {
		return nil
	}
	out := map[string]any{"type": s.Type}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, prop := range s.Properties {
			props[name] = toJSONSchema(prop)
		}
		out["properties"] = props
	}
	if s.Items != nil {
		out["items"] = toJSONSchema(s.Items)
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// stripCodeFence removes a ```json fence some models wrap JSON in.
func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
