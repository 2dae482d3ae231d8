package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/toval/docchat/internal/stream"
	"github.com/toval/docchat/internal/wire"
)

func newClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:   baseURL,
		OrgID:     "org_1",
		Token:     "secret-token",
		UserAgent: "docchat-test/1.0",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{OrgID: "org_1"}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
	if _, err := New(Config{BaseURL: "http://example.test"}); err == nil {
		t.Fatalf("expected error for missing org id")
	}

	client, err := New(Config{BaseURL: "http://example.test/", OrgID: "org_1"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := client.docPath("doc_1", "/chat"); got != "http://example.test/orgs/org_1/documents/doc_1/chat" {
		t.Fatalf("doc path = %q", got)
	}
}

func TestChatSendsHeadersAndForcesBufferedMode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
			t.Errorf("authorization header = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("content type = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "docchat-test/1.0" {
			t.Errorf("user agent = %q", got)
		}
		var req wire.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Errorf("buffered chat must send stream=false")
		}
		_ = json.NewEncoder(w).Encode(wire.ChatResponse{Text: wire.StringPtr("hi")})
	}))
	defer srv.Close()

	resp, err := newClient(t, srv.URL).Chat(context.Background(), "doc_1", wire.ChatRequest{Stream: true})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text == nil || *resp.Text != "hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChatStreamDecodesFrames(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wire.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Errorf("streaming chat must send stream=true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"type":"text_chunk","chunk":"hello"}`+"\n")
		fmt.Fprint(w, `data: {"type":"done","text":"hello"}`+"\n")
	}))
	defer srv.Close()

	dec, body, err := newClient(t, srv.URL).ChatStream(context.Background(), "doc_1", wire.ChatRequest{})
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	defer body.Close()

	rec, err := dec.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if rec.Type != stream.TypeTextChunk || rec.Chunk != "hello" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	rec, err = dec.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if rec.Type != stream.TypeDone {
		t.Fatalf("expected done, got %+v", rec)
	}
}

func TestChatStreamSurfacesHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"thread not found"}`)
	}))
	defer srv.Close()

	_, _, err := newClient(t, srv.URL).ChatStream(context.Background(), "doc_1", wire.ChatRequest{})
	if err == nil {
		t.Fatalf("expected error")
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if statusErr.StatusCode != http.StatusNotFound || statusErr.Detail != "thread not found" {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}

func TestStatusErrorFallsBackToRawBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream exploded")
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).ListThreads(context.Background(), "doc_1")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if statusErr.Detail != "upstream exploded" {
		t.Fatalf("detail = %q", statusErr.Detail)
	}
	if statusErr.Error() != "status 502: upstream exploded" {
		t.Fatalf("error string = %q", statusErr.Error())
	}
}

func TestDeleteThreadAcceptsNoContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %q", r.Method)
		}
		if r.URL.Path != "/orgs/org_1/documents/doc_1/chat/threads/thread_9" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := newClient(t, srv.URL).DeleteThread(context.Background(), "doc_1", "thread_9"); err != nil {
		t.Fatalf("delete thread: %v", err)
	}
}

func TestListModelsPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orgs/org_1/llm/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(wire.ModelList{Models: []string{"anthropic/claude-sonnet-4"}})
	}))
	defer srv.Close()

	models, err := newClient(t, srv.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 1 || models[0] != "anthropic/claude-sonnet-4" {
		t.Fatalf("unexpected models: %v", models)
	}
}

func TestGetRequestsOmitBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "" {
			t.Errorf("GET should not set content type, got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) != 0 {
			t.Errorf("GET should have no body, got %q", body)
		}
		_ = json.NewEncoder(w).Encode(wire.ToolCatalog{ReadOnly: []string{"get_extraction"}})
	}))
	defer srv.Close()

	catalog, err := newClient(t, srv.URL).ListTools(context.Background(), "doc_1")
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(catalog.ReadOnly) != 1 {
		t.Fatalf("unexpected catalog: %+v", catalog)
	}
}
