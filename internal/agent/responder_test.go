package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func TestStaticResponderAnswersPlainQuestions(t *testing.T) {
	t.Parallel()

	responder := NewStaticResponder()
	result, err := responder.Respond(context.Background(), Request{
		DocumentID:  "doc_test",
		UserMessage: "hello",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if result.Text == "" {
		t.Fatalf("text should not be empty")
	}
	if len(result.ToolCalls) != 0 {
		t.Fatalf("expected 0 tool calls, got %d", len(result.ToolCalls))
	}
}

func TestStaticResponderProposesExtractionTool(t *testing.T) {
	t.Parallel()

	responder := NewStaticResponder()
	result, err := responder.Respond(context.Background(), Request{
		DocumentID:  "doc_test",
		UserMessage: "Please extract the invoice total",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result.ToolCalls))
	}
	if result.ToolCalls[0].Name != "run_extraction" {
		t.Fatalf("unexpected tool: %q", result.ToolCalls[0].Name)
	}
	if result.Thinking == "" {
		t.Fatalf("expected thinking for the extraction round")
	}
}

func TestStaticResponderClosesAfterToolResults(t *testing.T) {
	t.Parallel()

	responder := NewStaticResponder()
	result, err := responder.Respond(context.Background(), Request{
		DocumentID:  "doc_test",
		UserMessage: "Please extract the invoice total",
		ToolResults: []ToolResult{
			{CallID: "call_1", Name: "run_extraction", Content: `{"fields":{"total":"$42.00"}}`},
		},
		Round: 1,
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if result.Text == "" {
		t.Fatalf("expected closing text after tool results")
	}
	if len(result.ToolCalls) != 0 {
		t.Fatalf("expected no further tool calls, got %d", len(result.ToolCalls))
	}
}

func TestLLMResponderUsesRepairThenFallbackModel(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mu.Lock()
		calls = append(calls, req.Model)
		callIndex := len(calls)
		mu.Unlock()

		message := map[string]any{"content": nil}
		if callIndex > 2 {
			message["content"] = "fallback worked"
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": message},
			},
		})
	}))
	defer srv.Close()

	responder, err := NewLLMResponder(LLMResponderConfig{
		APIKey:        "test-key",
		BaseURL:       srv.URL,
		PrimaryModel:  "primary-model",
		FallbackModel: "fallback-model",
		HTTPClient:    srv.Client(),
	})
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	result, err := responder.Respond(context.Background(), Request{
		DocumentID:  "doc_test",
		UserMessage: "hello",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if result.Text != "fallback worked" {
		t.Fatalf("unexpected text: %q", result.Text)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"primary-model", "primary-model", "fallback-model"}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("unexpected model call sequence: got=%v want=%v", calls, want)
	}
}

func TestLLMResponderDecodesToolCallsAndThinking(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"content":           nil,
					"reasoning_content": "Need the extraction first.",
					"tool_calls": []map[string]any{
						{
							"id":   "call_abc",
							"type": "function",
							"function": map[string]any{
								"name":      "run_extraction",
								"arguments": `{"document_id":"doc_test"}`,
							},
						},
					},
				}},
			},
		})
	}))
	defer srv.Close()

	responder, err := NewLLMResponder(LLMResponderConfig{
		APIKey:       "test-key",
		BaseURL:      srv.URL,
		PrimaryModel: "primary-model",
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	result, err := responder.Respond(context.Background(), Request{
		DocumentID:  "doc_test",
		UserMessage: "extract please",
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if result.Thinking != "Need the extraction first." {
		t.Fatalf("unexpected thinking: %q", result.Thinking)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "run_extraction" {
		t.Fatalf("unexpected tool calls: %+v", result.ToolCalls)
	}
}

func TestLLMResponderRejectsUnknownTools(t *testing.T) {
	t.Parallel()

	if _, err := parseToolCallResponse("", []openAIToolCall{
		{
			ID:   "call_1",
			Type: "function",
			Function: struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			}{Name: "rm_rf", Arguments: "{}"},
		},
	}); err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Fatalf("expected unknown tool error, got: %v", err)
	}
}

func TestFallbackResponderUsesFallbackOnError(t *testing.T) {
	t.Parallel()

	primary := respondFunc(func(context.Context, Request) (Result, error) {
		return Result{}, ErrFailedModelOutput
	})
	responder := NewFallbackResponder(primary, NewStaticResponder())

	result, err := responder.Respond(context.Background(), Request{UserMessage: "hello"})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if result.Text == "" {
		t.Fatalf("expected fallback text")
	}
}

type respondFunc func(ctx context.Context, req Request) (Result, error)

func (f respondFunc) Respond(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
