// Package api is the HTTP client for the document API. All endpoints
// live under /orgs/{org}; chat endpoints are further scoped by
// document id.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/toval/docchat/internal/stream"
	"github.com/toval/docchat/internal/wire"
)

const maxErrorBodyBytes = 64 * 1024

// Config configures a Client. BaseURL and OrgID are required.
type Config struct {
	BaseURL    string
	OrgID      string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
}

type Client struct {
	baseURL    string
	orgID      string
	token      string
	httpClient *http.Client
	userAgent  string
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	orgID := strings.TrimSpace(cfg.OrgID)
	if orgID == "" {
		return nil, errors.New("org id is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No overall timeout: chat streams are open-ended and end only
		// when the server finishes or the caller cancels.
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL:    baseURL,
		orgID:      orgID,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(cfg.UserAgent),
	}, nil
}

func (c *Client) docPath(docID, suffix string) string {
	return fmt.Sprintf("%s/orgs/%s/documents/%s%s", c.baseURL, c.orgID, docID, suffix)
}

// Chat runs one buffered chat turn.
func (c *Client) Chat(ctx context.Context, docID string, req wire.ChatRequest) (*wire.ChatResponse, error) {
	req.Stream = false
	var resp wire.ChatResponse
	if err := c.doJSON(ctx, http.MethodPost, c.docPath(docID, "/chat"), req, &resp); err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	return &resp, nil
}

// ChatStream starts a streaming chat turn. The caller must drain the
// decoder and then close the returned body.
func (c *Client) ChatStream(ctx context.Context, docID string, req wire.ChatRequest) (*stream.Decoder, io.Closer, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("chat stream: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.docPath(docID, "/chat"), bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("chat stream: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("chat stream: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, nil, fmt.Errorf("chat stream: %w", responseError(resp))
	}
	return stream.NewDecoder(resp.Body), resp.Body, nil
}

// Approve posts tool-call decisions for a pending turn.
func (c *Client) Approve(ctx context.Context, docID string, req wire.ApproveRequest) (*wire.ChatResponse, error) {
	var resp wire.ChatResponse
	if err := c.doJSON(ctx, http.MethodPost, c.docPath(docID, "/chat/approve"), req, &resp); err != nil {
		return nil, fmt.Errorf("approve: %w", err)
	}
	return &resp, nil
}

// CreateThread creates a new conversation and returns its summary.
func (c *Client) CreateThread(ctx context.Context, docID string) (*wire.ThreadSummary, error) {
	var resp wire.ThreadSummary
	if err := c.doJSON(ctx, http.MethodPost, c.docPath(docID, "/chat/threads"), struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &resp, nil
}

// ListThreads returns the persisted conversation summaries, newest
// first.
func (c *Client) ListThreads(ctx context.Context, docID string) ([]wire.ThreadSummary, error) {
	var resp wire.ThreadList
	if err := c.doJSON(ctx, http.MethodGet, c.docPath(docID, "/chat/threads"), nil, &resp); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return resp.Threads, nil
}

// GetThread returns a full conversation with its messages and cached
// extraction.
func (c *Client) GetThread(ctx context.Context, docID, threadID string) (*wire.Thread, error) {
	var resp wire.Thread
	if err := c.doJSON(ctx, http.MethodGet, c.docPath(docID, "/chat/threads/"+threadID), nil, &resp); err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &resp, nil
}

// DeleteThread removes a conversation.
func (c *Client) DeleteThread(ctx context.Context, docID, threadID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, c.docPath(docID, "/chat/threads/"+threadID), nil, nil); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}

// ListTools returns the backend tool catalog for a document.
func (c *Client) ListTools(ctx context.Context, docID string) (wire.ToolCatalog, error) {
	var resp wire.ToolCatalog
	if err := c.doJSON(ctx, http.MethodGet, c.docPath(docID, "/chat/tools"), nil, &resp); err != nil {
		return wire.ToolCatalog{}, fmt.Errorf("list tools: %w", err)
	}
	return resp, nil
}

// ListModels returns the model identifiers available to the org.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var resp wire.ModelList
	url := fmt.Sprintf("%s/orgs/%s/llm/models", c.baseURL, c.orgID)
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return resp.Models, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return responseError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}

// StatusError is a non-2xx response with the server's message
// extracted from its `detail` field when present.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	detail := strings.TrimSpace(string(raw))
	var parsed struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && strings.TrimSpace(parsed.Detail) != "" {
		detail = strings.TrimSpace(parsed.Detail)
	}
	return &StatusError{StatusCode: resp.StatusCode, Detail: detail}
}
