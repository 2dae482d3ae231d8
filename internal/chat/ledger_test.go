package chat

import (
	"testing"

	"github.com/toval/docchat/internal/wire"
)

func ledgerController(t *testing.T, messages []wire.Message, live map[string]bool) *Controller {
	t.Helper()
	b := newTestBackend(t)
	controller := b.controller(t, Options{})
	controller.mu.Lock()
	controller.messages = messages
	for callID, approved := range live {
		controller.live[callID] = approved
	}
	controller.mu.Unlock()
	return controller
}

func TestResolvedToolCallsMergesSources(t *testing.T) {
	t.Parallel()

	denied := false
	messages := []wire.Message{
		{
			Role: wire.RoleAssistant,
			ToolCalls: []wire.ToolCall{
				{ID: "c_explicit", Name: "run_extraction", Approved: &denied},
				{ID: "c_open", Name: "create_schema"},
			},
			ExecutedRounds: []wire.ExecutedRound{
				{Round: 0, ToolCalls: []wire.ToolCall{{ID: "c_auto", Name: "search_knowledge_base"}}},
			},
		},
	}
	controller := ledgerController(t, messages, map[string]bool{"c_live": true})

	resolved := controller.ResolvedToolCalls()
	if approved, ok := resolved["c_explicit"]; !ok || approved {
		t.Fatalf("history denial lost: %+v", resolved)
	}
	if approved, ok := resolved["c_auto"]; !ok || !approved {
		t.Fatalf("executed call should count as approved: %+v", resolved)
	}
	if approved, ok := resolved["c_live"]; !ok || !approved {
		t.Fatalf("live decision lost: %+v", resolved)
	}
	if _, ok := resolved["c_open"]; ok {
		t.Fatalf("unresolved call must not appear: %+v", resolved)
	}
}

func TestResolvedToolCallsLiveDecisionWins(t *testing.T) {
	t.Parallel()

	denied := false
	messages := []wire.Message{
		{
			Role:      wire.RoleAssistant,
			ToolCalls: []wire.ToolCall{{ID: "c1", Name: "run_extraction", Approved: &denied}},
		},
	}
	// An optimistic approval this session overrides the stale history
	// value until the round trip rewrites it.
	controller := ledgerController(t, messages, map[string]bool{"c1": true})

	if resolved := controller.ResolvedToolCalls(); !resolved["c1"] {
		t.Fatalf("live decision should win: %+v", resolved)
	}
}

func TestExecutedOnlyToolCalls(t *testing.T) {
	t.Parallel()

	approved := true
	messages := []wire.Message{
		{
			Role:      wire.RoleAssistant,
			ToolCalls: []wire.ToolCall{{ID: "c_explicit", Name: "run_extraction", Approved: &approved}},
			ExecutedRounds: []wire.ExecutedRound{
				{Round: 0, ToolCalls: []wire.ToolCall{
					{ID: "c_explicit", Name: "run_extraction"},
					{ID: "c_auto", Name: "search_knowledge_base"},
				}},
			},
		},
	}
	controller := ledgerController(t, messages, nil)

	executedOnly := controller.ExecutedOnlyToolCalls()
	if _, ok := executedOnly["c_auto"]; !ok {
		t.Fatalf("c_auto should be executed-only: %+v", executedOnly)
	}
	if _, ok := executedOnly["c_explicit"]; ok {
		t.Fatalf("explicitly resolved call must not be executed-only: %+v", executedOnly)
	}
}
