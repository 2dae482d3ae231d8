package server

import (
	"context"
	"fmt"

	"github.com/toval/docchat/internal/agent"
	"github.com/toval/docchat/internal/stream"
	"github.com/toval/docchat/internal/wire"
)

// turnInput is the approval context for one responder run.
type turnInput struct {
	orgID    string
	docID    string
	threadID string
	model    string

	autoApprove  bool
	autoApproved map[string]struct{}
}

func newTurnInput(orgID, docID, threadID string, req wire.ChatRequest) turnInput {
	approved := make(map[string]struct{}, len(req.AutoApprovedTools))
	for _, name := range req.AutoApprovedTools {
		approved[name] = struct{}{}
	}
	return turnInput{
		orgID:        orgID,
		docID:        docID,
		threadID:     threadID,
		model:        req.Model,
		autoApprove:  req.AutoApprove,
		autoApproved: approved,
	}
}

func (in turnInput) callIsAuto(name string) bool {
	if isReadOnlyTool(name) {
		return true
	}
	if in.autoApprove {
		return true
	}
	_, ok := in.autoApproved[name]
	return ok
}

// runResponderLoop drives the responder until it produces final text or
// parks tool calls for approval. Fully auto-approvable rounds execute
// inline and accumulate as executed rounds on the eventual assistant
// message. When emit is non-nil the loop narrates progress as stream
// records: round_executed after each auto round, then thinking and
// text chunks for the closing message. Returns the assistant message
// and whether it holds unresolved calls.
func (a *App) runResponderLoop(
	ctx context.Context,
	in turnInput,
	history []wire.Message,
	userMessage string,
	executedRounds []wire.ExecutedRound,
	toolResults []agent.ToolResult,
	emit func(stream.Record),
) (wire.Message, bool, error) {
	round := nextRoundIndex(executedRounds)

	for round < maxResponderRounds {
		if err := ctx.Err(); err != nil {
			return wire.Message{}, false, err
		}
		result, err := a.responder.Respond(ctx, agent.Request{
			DocumentID:  in.docID,
			Model:       in.model,
			History:     agentHistory(history),
			UserMessage: userMessage,
			ToolResults: toolResults,
			Round:       round,
		})
		if err != nil {
			return wire.Message{}, false, fmt.Errorf("responder: %w", err)
		}

		if len(result.ToolCalls) == 0 {
			msg := wire.Message{
				Role:           wire.RoleAssistant,
				Content:        wire.StringPtr(result.Text),
				Thinking:       result.Thinking,
				ExecutedRounds: executedRounds,
			}
			if emit != nil {
				a.emitClosingMessage(emit, result.Thinking, result.Text)
			}
			return msg, false, nil
		}

		calls := make([]wire.ToolCall, 0, len(result.ToolCalls))
		allAuto := true
		for _, call := range result.ToolCalls {
			calls = append(calls, wire.ToolCall{
				ID:        newID("call"),
				Name:      call.Name,
				Arguments: string(call.Arguments),
			})
			if !in.callIsAuto(call.Name) {
				allAuto = false
			}
		}

		if !allAuto {
			// Park the whole batch. Auto-approvable calls are
			// pre-resolved but execute together with the approved ones
			// when the decision comes back.
			for i := range calls {
				if in.callIsAuto(calls[i].Name) {
					approved := true
					calls[i].Approved = &approved
				}
			}
			msg := wire.Message{
				Role:           wire.RoleAssistant,
				ToolCalls:      calls,
				Thinking:       result.Thinking,
				ExecutedRounds: executedRounds,
			}
			if result.Text != "" {
				msg.Content = wire.StringPtr(result.Text)
			}
			if emit != nil && result.Thinking != "" {
				for _, piece := range chunked(result.Thinking, a.chunkSize) {
					emit(stream.Record{Type: stream.TypeThinkingChunk, Chunk: piece})
				}
				emit(stream.Record{Type: stream.TypeThinkingDone, Thinking: wire.StringPtr(result.Thinking)})
			}
			return msg, true, nil
		}

		toolResults = toolResults[:0]
		for i := range calls {
			approved := true
			calls[i].Approved = &approved
			content := a.executeTool(ctx, in.orgID, in.docID, in.threadID, calls[i])
			toolResults = append(toolResults, agent.ToolResult{
				CallID:  calls[i].ID,
				Name:    calls[i].Name,
				Content: content,
			})
		}
		executed := wire.ExecutedRound{
			Round:     round,
			Thinking:  result.Thinking,
			ToolCalls: calls,
		}
		executedRounds = append(executedRounds, executed)
		if emit != nil {
			emit(stream.Record{
				Type:      stream.TypeRoundExecuted,
				Round:     &executed.Round,
				Thinking:  wire.StringPtr(executed.Thinking),
				ToolCalls: executed.ToolCalls,
			})
		}
		round++
	}

	text := fmt.Sprintf("Stopped after %d tool rounds without a final answer.", maxResponderRounds)
	msg := wire.Message{
		Role:           wire.RoleAssistant,
		Content:        wire.StringPtr(text),
		ExecutedRounds: executedRounds,
	}
	if emit != nil {
		a.emitClosingMessage(emit, "", text)
	}
	return msg, false, nil
}

// emitClosingMessage chunks the final thinking and text for the
// streaming path.
func (a *App) emitClosingMessage(emit func(stream.Record), thinking, text string) {
	if thinking != "" {
		for _, piece := range chunked(thinking, a.chunkSize) {
			emit(stream.Record{Type: stream.TypeThinkingChunk, Chunk: piece})
		}
		emit(stream.Record{Type: stream.TypeThinkingDone, Thinking: wire.StringPtr(thinking)})
	}
	for _, piece := range chunked(text, a.chunkSize) {
		emit(stream.Record{Type: stream.TypeTextChunk, Chunk: piece})
	}
	emit(stream.Record{Type: stream.TypeAssistantTextDone, Text: wire.StringPtr(text)})
}

// executeResolvedCalls runs every approved call on the parked message
// and returns the tool results that feed the continuation round.
// Denied and unresolved calls are skipped.
func (a *App) executeResolvedCalls(ctx context.Context, in turnInput, calls []wire.ToolCall) []agent.ToolResult {
	results := make([]agent.ToolResult, 0, len(calls))
	for _, call := range calls {
		if call.Approved == nil || !*call.Approved {
			results = append(results, agent.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: "denied by user",
			})
			continue
		}
		results = append(results, agent.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: a.executeTool(ctx, in.orgID, in.docID, in.threadID, call),
		})
	}
	return results
}

func nextRoundIndex(rounds []wire.ExecutedRound) int {
	next := 0
	for _, round := range rounds {
		if round.Round >= next {
			next = round.Round + 1
		}
	}
	return next
}

func agentHistory(messages []wire.Message) []agent.Message {
	history := make([]agent.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.ContentText() == "" {
			continue
		}
		history = append(history, agent.Message{Role: msg.Role, Content: msg.ContentText()})
	}
	return history
}

// chatResponseFor converts a final or parked assistant message into the
// buffered response shape.
func (a *App) chatResponseFor(ctx context.Context, threadID string, msg wire.Message, turnID string) wire.ChatResponse {
	resp := wire.ChatResponse{
		Text:           msg.Content,
		ToolCalls:      msg.ToolCalls,
		Thinking:       msg.Thinking,
		ExecutedRounds: msg.ExecutedRounds,
	}
	if turnID != "" {
		resp.TurnID = wire.StringPtr(turnID)
	}
	if extraction, err := a.getExtraction(ctx, threadID); err == nil {
		resp.WorkingState = &wire.WorkingState{Extraction: extraction}
	}
	return resp
}
