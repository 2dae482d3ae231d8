package server

import (
	"net/http"

	"github.com/toval/docchat/internal/stream"
	"github.com/toval/docchat/internal/wire"
)

// streamTurn runs the responder loop and renders its progress as
// newline-delimited `data:` records. The stream always ends with a
// terminal record: done carrying the authoritative result, or error.
func (a *App) streamTurn(w http.ResponseWriter, r *http.Request, in turnInput, messages []wire.Message, userMessage string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	emit := func(rec stream.Record) {
		frame, err := stream.Encode(rec)
		if err != nil {
			a.logger.Error("encode stream record", "error", err)
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	assistant, pending, err := a.runResponderLoop(r.Context(), in, messages, userMessage, nil, nil, emit)
	if err != nil {
		a.logger.Error("run turn", "thread_id", in.threadID, "error", err)
		emit(stream.Record{Type: stream.TypeError, Message: "turn failed"})
		return
	}

	messages = append(messages, assistant)
	lastMessageID, err := a.replaceMessages(r.Context(), in.threadID, messages)
	if err != nil {
		a.logger.Error("persist turn", "thread_id", in.threadID, "error", err)
		emit(stream.Record{Type: stream.TypeError, Message: "failed to persist turn"})
		return
	}
	_ = a.touchThread(r.Context(), in.threadID)

	done := stream.Record{
		Type:           stream.TypeDone,
		Text:           assistant.Content,
		ToolCalls:      assistant.ToolCalls,
		ExecutedRounds: assistant.ExecutedRounds,
	}
	if assistant.Thinking != "" {
		done.Thinking = wire.StringPtr(assistant.Thinking)
	}
	if pending {
		turnID, err := a.createTurn(r.Context(), in.threadID, lastMessageID)
		if err != nil {
			a.logger.Error("create turn", "thread_id", in.threadID, "error", err)
			emit(stream.Record{Type: stream.TypeError, Message: "failed to persist turn"})
			return
		}
		done.TurnID = wire.StringPtr(turnID)
	}
	if extraction, err := a.getExtraction(r.Context(), in.threadID); err == nil {
		done.WorkingState = &wire.WorkingState{Extraction: extraction}
	}
	emit(done)
}

// chunked splits s into rune-safe pieces of at most size bytes, for
// chunk record emission.
func chunked(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		return []string{s}
	}
	pieces := make([]string, 0, len(s)/size+1)
	current := make([]rune, 0, size)
	currentLen := 0
	for _, r := range s {
		runeLen := len(string(r))
		if currentLen+runeLen > size && currentLen > 0 {
			pieces = append(pieces, string(current))
			current = current[:0]
			currentLen = 0
		}
		current = append(current, r)
		currentLen += runeLen
	}
	if len(current) > 0 {
		pieces = append(pieces, string(current))
	}
	return pieces
}
