package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOptions configures an Anthropic client
type AnthropicOptions struct {
	APIKey  string
	Model   string
	BaseURL string // Optional API endpoint override
}

// AnthropicMessager is the part of the Anthropic SDK the client uses
type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicClient implements StructuredGenerator with a single forced tool
// call: the tool's input is the structured output.
type AnthropicClient struct {
	messages AnthropicMessager
	model    string
}

// NewAnthropicClient creates an Anthropic client
func NewAnthropicClient(opts AnthropicOptions) (*AnthropicClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required. Set ANTHROPIC_API_KEY environment variable or ai.anthropic.api_key in config file")
	}
	if opts.Model == "" {
		opts.Model = DefaultAnthropicModel
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		// Retries are handled by the caller's policy
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := anthropic.NewClient(reqOpts...)
	return NewAnthropicClientWith(&client.Messages, opts.Model), nil
}

// NewAnthropicClientWith creates a client on top of an existing messages service
func NewAnthropicClientWith(messages AnthropicMessager, model string) *AnthropicClient {
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicClient{messages: messages, model: model}
}

// Provider returns the provider name
func (c *AnthropicClient) Provider() string { return "anthropic" }

// GetModelName returns the model name
func (c *AnthropicClient) GetModelName() string { return c.model }

// GenerateStructured forces the model to call the request's function and
// returns the call's input.
func (c *AnthropicClient) GenerateStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	if req.User == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}
	if req.FunctionName == "" {
		return nil, fmt.Errorf("function name is required")
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	tool := toolParam(req)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
		Tools: []anthropic.ToolUnionParam{{OfTool: &tool}},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: req.FunctionName},
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	response, err := c.messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("API call failed: %w", err)
	}

	for _, block := range response.Content {
		if toolUse, ok := block.AsAny().(anthropic.ToolUseBlock); ok && toolUse.Name == req.FunctionName {
			return toolUse.Input, nil
		}
	}

	return nil, fmt.Errorf("%w: no %s tool call (stop reason %s)", ErrNoStructuredOutput, req.FunctionName, response.StopReason)
}

func toolParam(req StructuredRequest) anthropic.ToolParam {
	tool := anthropic.ToolParam{
		Name: req.FunctionName,
	}
	if req.FunctionDescription != "" {
		tool.Description = anthropic.String(req.FunctionDescription)
	}
	if req.Schema != nil {
		schema := toJSONSchema(req.Schema)
		if props, ok := schema["properties"]; ok {
			tool.InputSchema.Properties = props
		}
		tool.InputSchema.Required = req.Schema.Required
	}
	return tool
}
