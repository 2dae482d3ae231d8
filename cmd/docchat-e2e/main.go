// docchat-e2e drives a running docchat-stub through a full approval
// round trip: create a thread, trigger an extraction tool call, approve
// it, and check the final answer and working state.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/toval/docchat/internal/api"
	"github.com/toval/docchat/internal/wire"
)

func main() {
	baseURL := envOrDefault("DOCCHAT_BASE_URL", "http://127.0.0.1:18080")
	orgID := envOrDefault("DOCCHAT_ORG", "org-e2e")
	docID := envOrDefault("DOCCHAT_DOC", "doc-e2e")
	token := strings.TrimSpace(os.Getenv("DOCCHAT_TOKEN"))
	message := envOrDefault("DOCCHAT_E2E_MESSAGE", "Please extract the invoice total")

	ctx := context.Background()

	client, err := api.New(api.Config{
		BaseURL:   baseURL,
		OrgID:     orgID,
		Token:     token,
		UserAgent: "docchat-e2e/0.1",
	})
	if err != nil {
		fatalf("init client: %v", err)
	}

	thread, err := client.CreateThread(ctx, docID)
	if err != nil {
		fatalf("create thread: %v", err)
	}
	if thread.ID == "" {
		fatalf("create thread: empty id")
	}

	resp, err := client.Chat(ctx, docID, wire.ChatRequest{
		ThreadID: thread.ID,
		Messages: []wire.RequestMessage{
			{Role: wire.RoleUser, Content: wire.StringPtr(message)},
		},
	})
	if err != nil {
		fatalf("chat: %v", err)
	}
	if resp.TurnID == nil || *resp.TurnID == "" {
		fatalf("expected a pending turn, got none")
	}
	pending := unresolvedCalls(resp.ToolCalls)
	if len(pending) == 0 {
		fatalf("expected pending tool calls")
	}

	approvals := make([]wire.Approval, 0, len(pending))
	for _, call := range pending {
		approvals = append(approvals, wire.Approval{CallID: call.ID, Approved: true})
	}
	final, err := client.Approve(ctx, docID, wire.ApproveRequest{
		TurnID:    *resp.TurnID,
		Approvals: approvals,
		ThreadID:  thread.ID,
	})
	if err != nil {
		fatalf("approve: %v", err)
	}
	if final.Text == nil || strings.TrimSpace(*final.Text) == "" {
		fatalf("expected final assistant text after approval")
	}
	if final.WorkingState == nil || len(final.WorkingState.Extraction) == 0 {
		fatalf("expected extraction working state after approval")
	}

	persisted, err := client.GetThread(ctx, docID, thread.ID)
	if err != nil {
		fatalf("get thread: %v", err)
	}
	if len(persisted.Messages) < 3 {
		fatalf("expected user, parked, and final messages; got %d", len(persisted.Messages))
	}

	if err := client.DeleteThread(ctx, docID, thread.ID); err != nil {
		fatalf("delete thread: %v", err)
	}

	fmt.Println("e2e ok")
	fmt.Printf("thread_id=%s\n", thread.ID)
	fmt.Printf("turn_id=%s\n", *resp.TurnID)
	fmt.Printf("assistant_text=%s\n", *final.Text)
}

func unresolvedCalls(calls []wire.ToolCall) []wire.ToolCall {
	pending := make([]wire.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.Approved == nil {
			pending = append(pending, call)
		}
	}
	return pending
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
