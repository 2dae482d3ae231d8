// Package stream decodes the document API's newline-delimited
// `data: <json>` chat stream and applies each record to the
// in-progress assistant message. The decoder is deliberately decoupled
// from the HTTP transport so the transition logic can be tested by
// feeding it a literal record list.
package stream

import (
	"encoding/json"

	"github.com/toval/docchat/internal/wire"
)

// Record types emitted by the server. text_chunk and
// assistant_text_chunk are aliases, as are thinking and thinking_done.
const (
	TypeError              = "error"
	TypeTextChunk          = "text_chunk"
	TypeAssistantTextChunk = "assistant_text_chunk"
	TypeThinkingChunk      = "thinking_chunk"
	TypeAssistantTextDone  = "assistant_text_done"
	TypeThinkingDone       = "thinking_done"
	TypeThinking           = "thinking"
	TypeToolCalls          = "tool_calls"
	TypeRoundExecuted      = "round_executed"
	TypeDone               = "done"
)

// Record is one decoded stream record. Fields are populated per type;
// unrecognized fields are ignored.
type Record struct {
	Type           string               `json:"type"`
	Message        string               `json:"message,omitempty"`
	Chunk          string               `json:"chunk,omitempty"`
	Text           *string              `json:"text,omitempty"`
	Thinking       *string              `json:"thinking,omitempty"`
	Round          *int                 `json:"round,omitempty"`
	TurnID         *string              `json:"turn_id,omitempty"`
	ToolCalls      []wire.ToolCall      `json:"tool_calls,omitempty"`
	ExecutedRounds []wire.ExecutedRound `json:"executed_rounds,omitempty"`
	WorkingState   *wire.WorkingState   `json:"working_state,omitempty"`
}

// Terminal reports whether the record ends the stream.
func (r Record) Terminal() bool {
	return r.Type == TypeError || r.Type == TypeDone
}

// Encode renders the record as one SSE-style frame, used by the stub
// server and by tests.
func Encode(r Record) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, '\n')
	return frame, nil
}
