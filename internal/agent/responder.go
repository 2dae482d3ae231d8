package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

var (
	ErrInvalidModelOutput = errors.New("invalid model output")
	ErrFailedModelOutput  = errors.New("failed model output")
)

type Message struct {
	Role    string
	Content string
}

// ToolResult carries the output of one executed tool call back into the
// next responder round.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
}

type Request struct {
	DocumentID  string
	Model       string
	History     []Message
	UserMessage string
	// ToolResults is non-empty on follow-up rounds, after tools from the
	// previous round have executed.
	ToolResults []ToolResult
	Round       int
}

// ToolCall is a tool invocation proposed by the responder. Call ids are
// assigned by the caller, not the model.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

type Result struct {
	Text      string
	Thinking  string
	ToolCalls []ToolCall
}

type Responder interface {
	Respond(ctx context.Context, req Request) (Result, error)
}

// staticResponder is a deterministic scripted responder used when no
// LLM is configured. It proposes document tools based on keywords in
// the latest user message, which makes the approval and streaming flows
// exercisable without network access.
type staticResponder struct{}

func NewStaticResponder() Responder {
	return staticResponder{}
}

func (staticResponder) Respond(_ context.Context, req Request) (Result, error) {
	if len(req.ToolResults) > 0 {
		var b strings.Builder
		b.WriteString("Here is what I found:")
		for _, result := range req.ToolResults {
			b.WriteString("\n- ")
			b.WriteString(result.Name)
			b.WriteString(": ")
			b.WriteString(firstLine(result.Content))
		}
		return Result{Text: b.String()}, nil
	}

	lowered := strings.ToLower(req.UserMessage)
	switch {
	case strings.Contains(lowered, "extract"):
		return Result{
			Thinking: "Looking at the document to pick an extraction target.",
			ToolCalls: []ToolCall{{
				Name:      "run_extraction",
				Arguments: json.RawMessage(fmt.Sprintf(`{"document_id":%q}`, req.DocumentID)),
			}},
		}, nil
	case strings.Contains(lowered, "search"):
		return Result{
			ToolCalls: []ToolCall{{
				Name:      "search_knowledge_base",
				Arguments: json.RawMessage(fmt.Sprintf(`{"query":%q}`, strings.TrimSpace(req.UserMessage))),
			}},
		}, nil
	case strings.Contains(lowered, "schema"):
		return Result{
			ToolCalls: []ToolCall{{
				Name:      "list_schemas",
				Arguments: json.RawMessage(`{}`),
			}},
		}, nil
	}

	return Result{
		Text: "No LLM is configured. Set OPENROUTER_API_KEY to enable chat, or ask about extraction, search, or schemas to exercise the document tools.",
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}

type fallbackResponder struct {
	primary  Responder
	fallback Responder
}

func NewFallbackResponder(primary, fallback Responder) Responder {
	switch {
	case primary == nil:
		return fallback
	case fallback == nil:
		return primary
	default:
		return fallbackResponder{primary: primary, fallback: fallback}
	}
}

func (r fallbackResponder) Respond(ctx context.Context, req Request) (Result, error) {
	result, err := r.primary.Respond(ctx, req)
	if err == nil {
		return result, nil
	}
	return r.fallback.Respond(ctx, req)
}

type LLMResponderConfig struct {
	APIKey        string
	BaseURL       string
	PrimaryModel  string
	FallbackModel string
	HTTPClient    *http.Client
	UserAgent     string
}

// LLMResponder drives an OpenAI-compatible chat-completions endpoint
// with the document tool set attached.
type LLMResponder struct {
	apiKey        string
	baseURL       string
	primaryModel  string
	fallbackModel string
	httpClient    *http.Client
	userAgent     string
}

func NewLLMResponder(cfg LLMResponderConfig) (*LLMResponder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key is required")
	}
	if strings.TrimSpace(cfg.PrimaryModel) == "" {
		return nil, errors.New("primary model is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 45 * time.Second}
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenRouterBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &LLMResponder{
		apiKey:        strings.TrimSpace(cfg.APIKey),
		baseURL:       baseURL,
		primaryModel:  strings.TrimSpace(cfg.PrimaryModel),
		fallbackModel: strings.TrimSpace(cfg.FallbackModel),
		httpClient:    cfg.HTTPClient,
		userAgent:     strings.TrimSpace(cfg.UserAgent),
	}, nil
}

func (r *LLMResponder) Respond(ctx context.Context, req Request) (Result, error) {
	models := []string{r.primaryModel}
	if requested := strings.TrimSpace(req.Model); requested != "" && requested != r.primaryModel {
		models = []string{requested, r.primaryModel}
	}
	if r.fallbackModel != "" && r.fallbackModel != models[len(models)-1] {
		models = append(models, r.fallbackModel)
	}

	var lastErr error
	for _, model := range models {
		result, err := r.respondWithModel(ctx, model, req, false)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrInvalidModelOutput) {
			result, repairErr := r.respondWithModel(ctx, model, req, true)
			if repairErr == nil {
				return result, nil
			}
			lastErr = repairErr
		}
	}

	if lastErr == nil {
		lastErr = ErrFailedModelOutput
	}
	return Result{}, fmt.Errorf("%w: %v", ErrFailedModelOutput, lastErr)
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openAIToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIChatCompletionRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponseMessage struct {
	Content          *string          `json:"content"`
	ReasoningContent *string          `json:"reasoning_content,omitempty"`
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIChatCompletionResponse struct {
	Choices []struct {
		Message openAIResponseMessage `json:"message"`
	} `json:"choices"`
}

var knownTools = map[string]bool{
	"search_knowledge_base": true,
	"list_schemas":          true,
	"get_extraction":        true,
	"run_extraction":        true,
	"create_schema":         true,
}

var documentTools = []openAITool{
	{
		Type: "function",
		Function: openAIToolFunction{
			Name:        "search_knowledge_base",
			Description: "Search ingested knowledge-base pages for passages relevant to the query. Read-only; executes without approval.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Search terms"},
					"max_results": {"type": "integer", "description": "Maximum number of passages to return", "default": 5}
				},
				"required": ["query"]
			}`),
		},
	},
	{
		Type: "function",
		Function: openAIToolFunction{
			Name:        "list_schemas",
			Description: "List the extraction schemas available for this document type. Read-only; executes without approval.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		},
	},
	{
		Type: "function",
		Function: openAIToolFunction{
			Name:        "get_extraction",
			Description: "Return the current extraction payload for the document, if one exists. Read-only; executes without approval.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"document_id": {"type": "string", "description": "Document to inspect"}
				}
			}`),
		},
	},
	{
		Type: "function",
		Function: openAIToolFunction{
			Name:        "run_extraction",
			Description: "Run structured extraction over the document and replace its working extraction state. Modifies data; requires user approval unless auto-approved.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"document_id": {"type": "string", "description": "Document to extract from"},
					"schema": {"type": "string", "description": "Schema name to extract against"}
				},
				"required": ["document_id"]
			}`),
		},
	},
	{
		Type: "function",
		Function: openAIToolFunction{
			Name:        "create_schema",
			Description: "Create a new extraction schema. Modifies data; requires user approval unless auto-approved.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "description": "Schema name"},
					"fields": {"type": "array", "items": {"type": "string"}, "description": "Field names to extract"}
				},
				"required": ["name", "fields"]
			}`),
		},
	},
}

func (r *LLMResponder) respondWithModel(ctx context.Context, model string, req Request, repair bool) (Result, error) {
	messages := []openAIMessage{
		{
			Role: "system",
			Content: "You are the document assistant for a document processing platform.\n\n" +
				"TOOL EXECUTION MODEL:\n" +
				"- When using a tool, call it via tool calling. Do not write JSON or describe tool calls in text.\n" +
				"- Read-only tools execute inline. Their results are appended to the conversation and you are called again to continue.\n" +
				"- Tools that modify data require user approval before execution.\n" +
				"- You can chain multiple tool rounds to gather information before giving a final answer.\n" +
				"- When no tools are needed, respond with your answer directly.\n\n" +
				"FORMATTING:\n" +
				"- Your responses support markdown. Use it for bold, lists, and tables.\n" +
				"- Quote extracted values exactly as they appear in the document.",
		},
	}
	if repair {
		messages = append(messages, openAIMessage{
			Role:    "system",
			Content: "Your previous response was invalid. Please use the provided tools correctly or respond with a text message.",
		})
	}
	messages = append(messages, openAIMessage{
		Role:    "user",
		Content: buildResponderPrompt(req),
	})

	payload := openAIChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Tools:       documentTools,
		Temperature: 0.2,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if r.userAgent != "" {
		httpReq.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Result{}, fmt.Errorf("chat completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(responseBody)))
	}

	var parsed openAIChatCompletionResponse
	if err := json.Unmarshal(responseBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, ErrInvalidModelOutput
	}

	msg := parsed.Choices[0].Message
	content := ""
	if msg.Content != nil {
		content = *msg.Content
	}
	thinking := ""
	if msg.ReasoningContent != nil {
		thinking = *msg.ReasoningContent
	}
	result, err := parseToolCallResponse(content, msg.ToolCalls)
	if err != nil {
		return result, err
	}
	result.Thinking = thinking
	return result, nil
}

func buildResponderPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Document ID: ")
	b.WriteString(req.DocumentID)
	b.WriteString("\n")

	if len(req.History) > 0 {
		b.WriteString("Recent messages:\n")
		for _, msg := range req.History {
			b.WriteString("- ")
			b.WriteString(msg.Role)
			b.WriteString(": ")
			b.WriteString(msg.Content)
			b.WriteString("\n")
		}
	}

	if len(req.ToolResults) > 0 {
		b.WriteString("Tool results from the previous round:\n")
		for _, result := range req.ToolResults {
			b.WriteString("- ")
			b.WriteString(result.Name)
			b.WriteString(": ")
			b.WriteString(result.Content)
			b.WriteString("\n")
		}
		b.WriteString("Continue from these results.\n")
		return b.String()
	}

	b.WriteString("Latest user message:\n")
	b.WriteString(req.UserMessage)
	return b.String()
}

func parseToolCallResponse(content string, toolCalls []openAIToolCall) (Result, error) {
	calls := make([]ToolCall, 0, len(toolCalls))
	for _, tc := range toolCalls {
		name := strings.TrimSpace(tc.Function.Name)
		if name == "" {
			continue
		}
		if !knownTools[name] {
			return Result{}, fmt.Errorf("%w: unknown tool %q", ErrInvalidModelOutput, name)
		}

		args := json.RawMessage(tc.Function.Arguments)
		if !isJSONObject(args) {
			return Result{}, fmt.Errorf("%w: invalid arguments for tool %q", ErrInvalidModelOutput, name)
		}

		calls = append(calls, ToolCall{Name: name, Arguments: args})
	}

	text := strings.TrimSpace(content)
	if text == "" && len(calls) == 0 {
		return Result{}, ErrInvalidModelOutput
	}

	return Result{Text: text, ToolCalls: calls}, nil
}

func isJSONObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	if !json.Valid(raw) {
		return false
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return false
	}
	_, ok := decoded.(map[string]any)
	return ok
}
