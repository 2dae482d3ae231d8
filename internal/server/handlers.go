package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/toval/docchat/internal/wire"
)

func (a *App) handleChat(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org")
	docID := r.PathValue("doc")

	var req wire.ChatRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		summary, err := a.createThread(r.Context(), orgID, docID, "")
		if err != nil {
			a.logger.Error("create thread", "error", err)
			writeDetail(w, http.StatusInternalServerError, "failed to create thread")
			return
		}
		threadID = summary.ID
	} else if _, err := a.threadSummary(r.Context(), orgID, docID, threadID); err != nil {
		if errors.Is(err, errNotFound) {
			writeDetail(w, http.StatusNotFound, "thread not found")
			return
		}
		a.logger.Error("load thread", "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to load thread")
		return
	}

	// The request carries the client's full view of the history,
	// including the new user message. With truncation the client view
	// wins outright; it is the post-truncation history.
	messages := make([]wire.Message, 0, len(req.Messages))
	for _, encoded := range req.Messages {
		messages = append(messages, wire.DecodeRequestMessage(encoded))
	}

	userMessage := latestUserMessage(messages)
	if userMessage == "" {
		writeDetail(w, http.StatusBadRequest, "no user message in request")
		return
	}
	if err := a.retitleThreadIfNew(r.Context(), threadID, firstUserMessage(messages)); err != nil {
		a.logger.Warn("retitle thread", "error", err)
	}

	in := newTurnInput(orgID, docID, threadID, req)

	if req.Stream {
		a.streamTurn(w, r, in, messages, userMessage)
		return
	}

	assistant, pending, err := a.runResponderLoop(r.Context(), in, messages, userMessage, nil, nil, nil)
	if err != nil {
		a.logger.Error("run turn", "thread_id", threadID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "turn failed")
		return
	}

	messages = append(messages, assistant)
	lastMessageID, err := a.replaceMessages(r.Context(), threadID, messages)
	if err != nil {
		a.logger.Error("persist turn", "thread_id", threadID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to persist turn")
		return
	}
	_ = a.touchThread(r.Context(), threadID)

	turnID := ""
	if pending {
		turnID, err = a.createTurn(r.Context(), threadID, lastMessageID)
		if err != nil {
			a.logger.Error("create turn", "thread_id", threadID, "error", err)
			writeDetail(w, http.StatusInternalServerError, "failed to persist turn")
			return
		}
	}

	writeJSON(w, http.StatusOK, a.chatResponseFor(r.Context(), threadID, assistant, turnID))
}

func (a *App) handleApprove(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org")
	docID := r.PathValue("doc")

	var req wire.ApproveRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.TurnID) == "" {
		writeDetail(w, http.StatusBadRequest, "turn_id is required")
		return
	}

	turn, err := a.getTurn(r.Context(), req.TurnID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			writeDetail(w, http.StatusNotFound, "turn not found")
			return
		}
		a.logger.Error("load turn", "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to load turn")
		return
	}
	if turn.Status != turnStatusPending {
		writeDetail(w, http.StatusConflict, "turn already resolved")
		return
	}

	threadID := turn.ThreadID
	messages, err := a.threadMessages(r.Context(), threadID)
	if err != nil {
		a.logger.Error("load messages", "thread_id", threadID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to load thread")
		return
	}

	parked := parkedMessageIndex(messages)
	if parked < 0 {
		writeDetail(w, http.StatusConflict, "no pending tool calls on thread")
		return
	}
	applyApprovals(messages[parked].ToolCalls, req.Approvals)

	in := turnInput{orgID: orgID, docID: docID, threadID: threadID}
	toolResults := a.executeResolvedCalls(r.Context(), in, messages[parked].ToolCalls)
	// Calls the client left undecided count as denied; the persisted
	// history must not keep a parked message around after the turn
	// resolves.
	for i := range messages[parked].ToolCalls {
		if messages[parked].ToolCalls[i].Approved == nil {
			denied := false
			messages[parked].ToolCalls[i].Approved = &denied
		}
	}
	if err := a.resolveTurn(r.Context(), req.TurnID); err != nil {
		a.logger.Error("resolve turn", "turn_id", req.TurnID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to resolve turn")
		return
	}

	assistant, pending, err := a.runResponderLoop(r.Context(), in, messages, latestUserMessage(messages), nil, toolResults, nil)
	if err != nil {
		a.logger.Error("continue turn", "thread_id", threadID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "turn failed")
		return
	}

	messages = append(messages, assistant)
	lastMessageID, err := a.replaceMessages(r.Context(), threadID, messages)
	if err != nil {
		a.logger.Error("persist turn", "thread_id", threadID, "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to persist turn")
		return
	}
	_ = a.touchThread(r.Context(), threadID)

	turnID := ""
	if pending {
		turnID, err = a.createTurn(r.Context(), threadID, lastMessageID)
		if err != nil {
			a.logger.Error("create turn", "thread_id", threadID, "error", err)
			writeDetail(w, http.StatusInternalServerError, "failed to persist turn")
			return
		}
	}

	writeJSON(w, http.StatusOK, a.chatResponseFor(r.Context(), threadID, assistant, turnID))
}

func (a *App) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := a.listThreads(r.Context(), r.PathValue("org"), r.PathValue("doc"))
	if err != nil {
		a.logger.Error("list threads", "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	writeJSON(w, http.StatusOK, wire.ThreadList{Threads: threads})
}

func (a *App) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r.Body, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	summary, err := a.createThread(r.Context(), r.PathValue("org"), r.PathValue("doc"), body.Title)
	if err != nil {
		a.logger.Error("create thread", "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to create thread")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *App) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := a.getThread(r.Context(), r.PathValue("org"), r.PathValue("doc"), r.PathValue("thread"))
	if err != nil {
		if errors.Is(err, errNotFound) {
			writeDetail(w, http.StatusNotFound, "thread not found")
			return
		}
		a.logger.Error("get thread", "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to load thread")
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (a *App) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	err := a.deleteThread(r.Context(), r.PathValue("org"), r.PathValue("doc"), r.PathValue("thread"))
	if err != nil {
		if errors.Is(err, errNotFound) {
			writeDetail(w, http.StatusNotFound, "thread not found")
			return
		}
		a.logger.Error("delete thread", "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to delete thread")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toolCatalog())
}

func (a *App) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, wire.ModelList{Models: []string{
		"anthropic/claude-sonnet-4",
		"openai/gpt-4o-mini",
		"openrouter/auto",
	}})
}

func (a *App) handleIngestPage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r.Body, &body); err != nil || strings.TrimSpace(body.URL) == "" {
		writeDetail(w, http.StatusBadRequest, "url is required")
		return
	}

	page, err := a.fetcher.Fetch(r.Context(), body.URL)
	if err != nil {
		a.logger.Warn("ingest page", "url", body.URL, "error", err)
		writeDetail(w, http.StatusBadGateway, "failed to fetch page: "+err.Error())
		return
	}

	pageID, err := a.insertPage(r.Context(), r.PathValue("org"), page.URL, page.Title, page.Markdown)
	if err != nil {
		a.logger.Error("persist page", "error", err)
		writeDetail(w, http.StatusInternalServerError, "failed to persist page")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"page_id":   pageID,
		"url":       page.URL,
		"title":     page.Title,
		"truncated": page.Truncated,
	})
}

func latestUserMessage(messages []wire.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == wire.RoleUser {
			return messages[i].ContentText()
		}
	}
	return ""
}

func firstUserMessage(messages []wire.Message) string {
	for _, msg := range messages {
		if msg.Role == wire.RoleUser {
			return msg.ContentText()
		}
	}
	return ""
}

// parkedMessageIndex finds the assistant message holding unresolved
// tool calls, scanning from the end.
func parkedMessageIndex(messages []wire.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != wire.RoleAssistant {
			continue
		}
		for _, call := range messages[i].ToolCalls {
			if call.Approved == nil {
				return i
			}
		}
	}
	return -1
}

func applyApprovals(calls []wire.ToolCall, approvals []wire.Approval) {
	decisions := make(map[string]bool, len(approvals))
	for _, approval := range approvals {
		decisions[approval.CallID] = approval.Approved
	}
	for i := range calls {
		if value, ok := decisions[calls[i].ID]; ok {
			approved := value
			calls[i].Approved = &approved
		}
	}
}
