package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/genai"
)

func testSchema() *Schema {
	return &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"summary":   {Type: "string", Description: "Narrative"},
			"increases": {Type: "array", Items: &Schema{Type: "string"}},
			"count":     {Type: "integer"},
		},
		Required: []string{"summary", "increases"},
	}
}

func testRequest() StructuredRequest {
	return StructuredRequest{
		System:              "You are a test.",
		User:                "Summarize.",
		FunctionName:        "explain",
		FunctionDescription: "Explain things",
		Schema:              testSchema(),
		Temperature:         0.7,
		MaxTokens:           2048,
	}
}

func TestToGenaiSchema(t *testing.T) {
	s := toGenaiSchema(testSchema())
	require.NotNil(t, s)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, []string{"summary", "increases"}, s.Required)
	assert.Equal(t, genai.TypeString, s.Properties["summary"].Type)
	assert.Equal(t, "Narrative", s.Properties["summary"].Description)
	assert.Equal(t, genai.TypeArray, s.Properties["increases"].Type)
	assert.Equal(t, genai.TypeString, s.Properties["increases"].Items.Type)
	assert.Equal(t, genai.TypeInteger, s.Properties["count"].Type)

	assert.Nil(t, toGenaiSchema(nil))
}

func TestToJSONSchema(t *testing.T) {
	m := toJSONSchema(testSchema())
	assert.Equal(t, "object", m["type"])
	props := m["properties"].(map[string]any)
	inc := props["increases"].(map[string]any)
	assert.Equal(t, "array", inc["type"])
	assert.Equal(t, map[string]any{"type": "string"}, inc["items"])
	assert.Equal(t, []string{"summary", "increases"}, m["required"])
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence("```\n{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
}

// MockMessager records the request and returns a canned message
type MockMessager struct {
	response string
	err      error
	params   anthropic.MessageNewParams
}

func (m *MockMessager) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	m.params = params
	if m.err != nil {
		return nil, m.err
	}
	var msg anthropic.Message
	if err := json.Unmarshal([]byte(m.response), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

const toolUseMessage = `{
  "id": "msg_1", "type": "message", "role": "assistant", "model": "claude",
  "content": [
    {"type": "text", "text": "Here you go."},
    {"type": "tool_use", "id": "toolu_1", "name": "explain", "input": {"summary": "ok", "increases": ["a"]}}
  ],
  "stop_reason": "tool_use", "stop_sequence": null,
  "usage": {"input_tokens": 10, "output_tokens": 20}
}`

const textOnlyMessage = `{
  "id": "msg_2", "type": "message", "role": "assistant", "model": "claude",
  "content": [{"type": "text", "text": "I would rather chat."}],
  "stop_reason": "end_turn", "stop_sequence": null,
  "usage": {"input_tokens": 10, "output_tokens": 5}
}`

func TestAnthropicForcesToolCall(t *testing.T) {
	mock := &MockMessager{response: toolUseMessage}
	client := NewAnthropicClientWith(mock, "")

	raw, err := client.GenerateStructured(context.Background(), testRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary": "ok", "increases": ["a"]}`, string(raw))

	assert.Equal(t, anthropic.Model(DefaultAnthropicModel), mock.params.Model)
	assert.EqualValues(t, 2048, mock.params.MaxTokens)
	require.Len(t, mock.params.System, 1)
	assert.Equal(t, "You are a test.", mock.params.System[0].Text)
	require.NotNil(t, mock.params.ToolChoice.OfTool)
	assert.Equal(t, "explain", mock.params.ToolChoice.OfTool.Name)
	require.Len(t, mock.params.Tools, 1)
	require.NotNil(t, mock.params.Tools[0].OfTool)
	assert.Equal(t, "explain", mock.params.Tools[0].OfTool.Name)
	assert.Equal(t, []string{"summary", "increases"}, mock.params.Tools[0].OfTool.InputSchema.Required)
	assert.Equal(t, "anthropic", client.Provider())
}

func TestAnthropicWithoutToolCall(t *testing.T) {
	client := NewAnthropicClientWith(&MockMessager{response: textOnlyMessage}, "claude")

	_, err := client.GenerateStructured(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoStructuredOutput))
}

func TestAnthropicTransportError(t *testing.T) {
	client := NewAnthropicClientWith(&MockMessager{err: errors.New("503 overloaded")}, "claude")

	_, err := client.GenerateStructured(context.Background(), testRequest())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoStructuredOutput))
	assert.Contains(t, err.Error(), "503 overloaded")
}

func TestAnthropicRequiresKeyAndFunction(t *testing.T) {
	_, err := NewAnthropicClient(AnthropicOptions{})
	assert.Error(t, err)

	client := NewAnthropicClientWith(&MockMessager{response: toolUseMessage}, "claude")
	req := testRequest()
	req.FunctionName = ""
	_, err = client.GenerateStructured(context.Background(), req)
	assert.Error(t, err)
}

func newGeminiServer(t *testing.T, handler func(path string, body map[string]any) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		status, resp := handler(r.URL.Path, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGeminiGenerateStructured(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := newGeminiServer(t, func(path string, body map[string]any) (int, string) {
		gotPath, gotBody = path, body
		return http.StatusOK, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"summary\":\"ok\",\"increases\":[]}"}]}}]}`
	})

	client, err := NewGeminiClient(context.Background(), GeminiOptions{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	raw, err := client.GenerateStructured(context.Background(), testRequest())
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"ok","increases":[]}`, string(raw))

	assert.True(t, strings.HasSuffix(gotPath, DefaultModel+":generateContent"), gotPath)
	genCfg, ok := gotBody["generationConfig"].(map[string]any)
	require.True(t, ok, "generation config is sent")
	assert.Equal(t, "application/json", genCfg["responseMimeType"])
	assert.NotNil(t, genCfg["responseSchema"])
	assert.NotNil(t, gotBody["systemInstruction"])
}

func TestGeminiInvalidJSON(t *testing.T) {
	srv := newGeminiServer(t, func(string, map[string]any) (int, string) {
		return http.StatusOK, `{"candidates":[{"content":{"role":"model","parts":[{"text":"not json at all"}]}}]}`
	})

	client, err := NewGeminiClient(context.Background(), GeminiOptions{APIKey: "test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.GenerateStructured(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoStructuredOutput))
}

func TestGeminiEmbedTexts(t *testing.T) {
	srv := newGeminiServer(t, func(path string, body map[string]any) (int, string) {
		return http.StatusOK, `{"embeddings":[{"values":[0.5,0.25]},{"values":[1,0]}]}`
	})

	client, err := NewGeminiClient(context.Background(), GeminiOptions{APIKey: "test", BaseURL: srv.URL, EmbeddingDimensions: 2})
	require.NoError(t, err)

	vectors, err := client.EmbedTexts(context.Background(), []string{"stroke", "asthma"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.5, 0.25}, {1, 0}}, vectors)

	none, err := client.EmbedTexts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGeminiRequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), GeminiOptions{})
	assert.Error(t, err)
}

// MockGenerator returns a fixed result
type MockGenerator struct {
	result json.RawMessage
	err    error
}

func (m *MockGenerator) GenerateStructured(context.Context, StructuredRequest) (json.RawMessage, error) {
	return m.result, m.err
}

func (m *MockGenerator) Provider() string { return "mock" }

func TestTracedClientRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ok := &TracedClient{client: &MockGenerator{result: json.RawMessage(`{}`)}, tracer: tp.Tracer("test")}
	_, err := ok.GenerateStructured(context.Background(), testRequest())
	require.NoError(t, err)

	failing := &TracedClient{client: &MockGenerator{err: errors.New("boom")}, tracer: tp.Tracer("test")}
	_, err = failing.GenerateStructured(context.Background(), testRequest())
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "llm.generate_structured", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "mock", ok.Provider())
}
