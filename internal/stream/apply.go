package stream

import "github.com/toval/docchat/internal/wire"

// Outcome classifies the effect of applying a record.
type Outcome int

const (
	// OutcomeContinue means the record mutated the message in place and
	// the stream goes on.
	OutcomeContinue Outcome = iota
	// OutcomeDone means the record was the authoritative terminal
	// result and fully overwrote the message.
	OutcomeDone
	// OutcomeError means the stream failed; the caller should discard
	// the placeholder message and surface Record.Message.
	OutcomeError
)

// Apply advances the in-progress assistant message by one record.
// msg must be the streaming placeholder appended before the first read.
func Apply(msg *wire.Message, rec Record) Outcome {
	switch rec.Type {
	case TypeError:
		return OutcomeError

	case TypeTextChunk, TypeAssistantTextChunk:
		appendContent(msg, rec.Chunk)

	case TypeThinkingChunk:
		msg.Thinking += rec.Chunk

	case TypeAssistantTextDone:
		// Full text reconciles any chunk-accumulation drift.
		if rec.Text != nil {
			msg.Content = wire.StringPtr(*rec.Text)
		}

	case TypeThinkingDone, TypeThinking:
		if rec.Thinking != nil {
			msg.Thinking = *rec.Thinking
		}

	case TypeToolCalls:
		msg.ExecutedRounds = append(msg.ExecutedRounds, wire.ExecutedRound{
			Round:     nextRound(msg.ExecutedRounds),
			ToolCalls: rec.ToolCalls,
		})

	case TypeRoundExecuted:
		upsertRound(msg, rec)

	case TypeDone:
		// The terminal record overwrites incremental accumulation.
		msg.Role = wire.RoleAssistant
		msg.Content = rec.Text
		msg.ToolCalls = rec.ToolCalls
		msg.ExecutedRounds = rec.ExecutedRounds
		if rec.Thinking != nil {
			msg.Thinking = *rec.Thinking
		}
		return OutcomeDone
	}
	return OutcomeContinue
}

func appendContent(msg *wire.Message, chunk string) {
	if msg.Content == nil {
		msg.Content = wire.StringPtr(chunk)
		return
	}
	msg.Content = wire.StringPtr(*msg.Content + chunk)
}

func nextRound(rounds []wire.ExecutedRound) int {
	max := 0
	for _, r := range rounds {
		if r.Round > max {
			max = r.Round
		}
	}
	return max + 1
}

// upsertRound replaces an existing round with the same index, so
// out-of-order or retried round delivery stays idempotent.
func upsertRound(msg *wire.Message, rec Record) {
	if rec.Round == nil {
		return
	}
	round := wire.ExecutedRound{Round: *rec.Round, ToolCalls: rec.ToolCalls}
	if rec.Thinking != nil {
		round.Thinking = *rec.Thinking
	}
	for i, existing := range msg.ExecutedRounds {
		if existing.Round == round.Round {
			msg.ExecutedRounds[i] = round
			return
		}
	}
	msg.ExecutedRounds = append(msg.ExecutedRounds, round)
}
