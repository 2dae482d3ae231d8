// Package chat implements the conversation turn state machine: sending
// user messages, consuming streamed assistant output, parking tool
// calls that need approval, and resuming the turn once the user
// decides. All state is owned by a single Controller and mutated under
// one lock; at most one network operation is in flight at a time.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	charmLog "github.com/charmbracelet/log"
	"github.com/toval/docchat/internal/api"
	"github.com/toval/docchat/internal/policy"
	"github.com/toval/docchat/internal/stream"
	"github.com/toval/docchat/internal/wire"
)

const (
	errSendFailed         = "Failed to send message"
	errCreateThreadFailed = "Failed to create conversation"
)

// ErrTurnPending is returned when a new user message arrives while
// tool calls from the previous turn still await a decision. The UI
// disables input in that state; the state machine rejects it anyway.
var ErrTurnPending = errors.New("chat: tool approval pending")

// Options configures a Controller. API and DocumentID are required.
type Options struct {
	API        *api.Client
	DocumentID string
	Model      string
	Streaming  bool
	Policy     *policy.Policy
	Logger     *charmLog.Logger

	// OnTextChunk and OnThinkingChunk observe streamed deltas as they
	// arrive, for live rendering. Called outside the state lock.
	OnTextChunk     func(chunk string)
	OnThinkingChunk func(chunk string)

	// OnThreadsChanged fires after the summary list is refreshed
	// following a successful turn.
	OnThreadsChanged func(threads []wire.ThreadSummary)
}

// Controller drives one conversation against the document API.
type Controller struct {
	opts Options

	mu            sync.Mutex
	messages      []wire.Message
	threads       []wire.ThreadSummary
	threadID      string
	pendingTurnID string
	pendingCalls  []wire.ToolCall
	extraction    json.RawMessage
	live          map[string]bool
	loading       bool
	lastErr       string
	cancel        context.CancelFunc
}

func NewController(opts Options) (*Controller, error) {
	if opts.API == nil {
		return nil, errors.New("api client is required")
	}
	if strings.TrimSpace(opts.DocumentID) == "" {
		return nil, errors.New("document id is required")
	}
	if opts.Logger == nil {
		opts.Logger = charmLog.Default()
	}
	return &Controller{
		opts: opts,
		live: make(map[string]bool),
	}, nil
}

// Messages returns a copy of the conversation.
func (c *Controller) Messages() []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// ThreadID returns the active conversation id, "" before the first
// turn.
func (c *Controller) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// PendingToolCalls returns the tool calls awaiting a decision.
func (c *Controller) PendingToolCalls() []wire.ToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.ToolCall, len(c.pendingCalls))
	copy(out, c.pendingCalls)
	return out
}

// PendingTurnID correlates an approval request to the turn that
// proposed it, "" when nothing is pending.
func (c *Controller) PendingTurnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingTurnID
}

// Loading reports whether a network operation is in flight.
func (c *Controller) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the last surfaced error message, "" when the previous
// operation succeeded or was cancelled.
func (c *Controller) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Extraction returns the last known structured extraction result.
func (c *Controller) Extraction() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extraction
}

// Threads returns the cached conversation summaries.
func (c *Controller) Threads() []wire.ThreadSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.ThreadSummary, len(c.threads))
	copy(out, c.threads)
	return out
}

// SendMessage appends a user message and runs one turn. Blank content
// and sends while a request is in flight are silent no-ops; a send
// while tool calls await approval returns ErrTurnPending.
func (c *Controller) SendMessage(ctx context.Context, content string, mentions []wire.Mention) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return nil
	}
	if c.pendingTurnID != "" {
		c.mu.Unlock()
		return ErrTurnPending
	}
	opCtx := c.beginOperationLocked(ctx)
	c.messages = append(c.messages, wire.Message{
		Role:    wire.RoleUser,
		Content: wire.StringPtr(content),
	})
	c.mu.Unlock()

	return c.runTurn(opCtx, mentions, nil, c.rollbackTrailingUserMessageLocked)
}

// SendMessageWithHistory truncates the conversation to history, appends
// a new user message, and runs a turn that also truncates the
// server-side thread. Used when the user edits and resubmits an
// earlier turn: everything after the edit point is discarded on both
// sides.
func (c *Controller) SendMessageWithHistory(ctx context.Context, history []wire.Message, content string, mentions []wire.Mention) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	c.mu.Lock()
	if c.loading {
		c.mu.Unlock()
		return nil
	}
	opCtx := c.beginOperationLocked(ctx)

	snapshot := make([]wire.Message, len(c.messages))
	copy(snapshot, c.messages)

	truncateTo := len(history)
	c.messages = make([]wire.Message, 0, len(history)+1)
	c.messages = append(c.messages, history...)
	c.messages = append(c.messages, wire.Message{
		Role:    wire.RoleUser,
		Content: wire.StringPtr(content),
	})
	// Turns after the edit point are gone; any approval they were
	// waiting on is gone with them.
	c.pendingTurnID = ""
	c.pendingCalls = nil
	c.mu.Unlock()

	restore := func() {
		c.messages = snapshot
	}
	return c.runTurn(opCtx, mentions, &truncateTo, restore)
}

// ApproveToolCalls records the user's decisions for the pending turn
// and resumes it. Without a pending turn, or while another operation
// is in flight, it silently no-ops.
func (c *Controller) ApproveToolCalls(ctx context.Context, approvals []wire.Approval) error {
	c.mu.Lock()
	if c.pendingTurnID == "" || c.loading {
		c.mu.Unlock()
		return nil
	}

	turnID := c.pendingTurnID
	// Optimistic ledger entries, reverted if the server rejects the
	// approval call.
	previous := make(map[string]*bool, len(approvals))
	for _, approval := range approvals {
		if prev, ok := c.live[approval.CallID]; ok {
			value := prev
			previous[approval.CallID] = &value
		} else {
			previous[approval.CallID] = nil
		}
		c.live[approval.CallID] = approval.Approved
	}
	opCtx := c.beginOperationLocked(ctx)
	threadID := c.threadID
	c.mu.Unlock()

	resp, err := c.opts.API.Approve(opCtx, c.opts.DocumentID, wire.ApproveRequest{
		TurnID:    turnID,
		Approvals: approvals,
		ThreadID:  threadID,
	})

	c.mu.Lock()
	c.endOperationLocked()
	if err != nil {
		for callID, prev := range previous {
			if prev == nil {
				delete(c.live, callID)
			} else {
				c.live[callID] = *prev
			}
		}
		c.loading = false
		if isCancellation(err) {
			c.mu.Unlock()
			return nil
		}
		c.lastErr = userMessageForError(err, errSendFailed)
		c.mu.Unlock()
		return err
	}

	c.mergeResolutionsLocked(approvals)
	c.appendResponseLocked(resp)
	c.loading = false
	c.mu.Unlock()

	c.refreshThreadsAsync()
	return nil
}

// Cancel aborts the in-flight operation, if any. The operation's own
// goroutine restores consistent pre-send state.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// LoadThread replaces the conversation with a persisted thread.
func (c *Controller) LoadThread(ctx context.Context, threadID string) error {
	thread, err := c.opts.API.GetThread(ctx, c.opts.DocumentID, threadID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = thread.ID
	c.messages = thread.Messages
	c.extraction = thread.Extraction
	c.pendingTurnID = ""
	c.pendingCalls = nil
	c.live = make(map[string]bool)
	c.lastErr = ""
	return nil
}

// NewConversation clears the active conversation without touching the
// summary list.
func (c *Controller) NewConversation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = ""
	c.messages = nil
	c.extraction = nil
	c.pendingTurnID = ""
	c.pendingCalls = nil
	c.live = make(map[string]bool)
	c.lastErr = ""
}

// RefreshThreads fetches the summary list from the backend.
func (c *Controller) RefreshThreads(ctx context.Context) error {
	threads, err := c.opts.API.ListThreads(ctx, c.opts.DocumentID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.threads = threads
	c.mu.Unlock()
	if c.opts.OnThreadsChanged != nil {
		c.opts.OnThreadsChanged(threads)
	}
	return nil
}

// DeleteThread removes a persisted conversation; deleting the active
// one also clears the local view.
func (c *Controller) DeleteThread(ctx context.Context, threadID string) error {
	if err := c.opts.API.DeleteThread(ctx, c.opts.DocumentID, threadID); err != nil {
		return err
	}
	c.mu.Lock()
	kept := c.threads[:0]
	for _, summary := range c.threads {
		if summary.ID != threadID {
			kept = append(kept, summary)
		}
	}
	c.threads = kept
	active := c.threadID == threadID
	c.mu.Unlock()
	if active {
		c.NewConversation()
	}
	return nil
}

// beginOperationLocked marks the controller busy and installs a fresh
// cancellation token. Caller holds the lock.
func (c *Controller) beginOperationLocked(ctx context.Context) context.Context {
	opCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.loading = true
	c.lastErr = ""
	return opCtx
}

func (c *Controller) endOperationLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// runTurn issues the chat request for the already-appended user
// message. restore undoes the optimistic message-list mutation on
// failure or cancellation.
func (c *Controller) runTurn(ctx context.Context, mentions []wire.Mention, truncateTo *int, restore func()) error {
	if err := c.ensureThread(ctx, restore); err != nil {
		return err
	}
	if ctx.Err() != nil {
		// Cancelled while creating the thread; ensureThread already
		// rolled back.
		return nil
	}

	c.mu.Lock()
	req := c.buildRequestLocked(mentions, truncateTo)
	c.mu.Unlock()

	var err error
	if c.opts.Streaming {
		err = c.runStreaming(ctx, req, restore)
	} else {
		err = c.runBuffered(ctx, req, restore)
	}
	if err == nil {
		c.refreshThreadsAsync()
	}
	return err
}

func (c *Controller) ensureThread(ctx context.Context, restore func()) error {
	c.mu.Lock()
	threadID := c.threadID
	c.mu.Unlock()
	if threadID != "" {
		return nil
	}

	summary, err := c.opts.API.CreateThread(ctx, c.opts.DocumentID)
	if err != nil {
		c.failOperation(err, errCreateThreadFailed, restore)
		if isCancellation(err) {
			return nil
		}
		return err
	}

	c.mu.Lock()
	c.threadID = summary.ID
	c.mu.Unlock()
	return nil
}

func (c *Controller) buildRequestLocked(mentions []wire.Mention, truncateTo *int) wire.ChatRequest {
	encoded := make([]wire.RequestMessage, 0, len(c.messages))
	for _, msg := range c.messages {
		encoded = append(encoded, wire.EncodeMessage(msg))
	}

	req := wire.ChatRequest{
		Messages:   encoded,
		Mentions:   mentions,
		Model:      c.opts.Model,
		ThreadID:   c.threadID,
		TruncateTo: truncateTo,
	}
	if c.opts.Policy != nil {
		req.AutoApprove = c.opts.Policy.ApproveAll()
		req.AutoApprovedTools = c.opts.Policy.AutoApproved()
	}
	return req
}

func (c *Controller) runBuffered(ctx context.Context, req wire.ChatRequest, restore func()) error {
	resp, err := c.opts.API.Chat(ctx, c.opts.DocumentID, req)
	if err != nil {
		c.failOperation(err, errSendFailed, restore)
		if isCancellation(err) {
			return nil
		}
		return err
	}

	c.mu.Lock()
	c.endOperationLocked()
	c.appendResponseLocked(resp)
	c.loading = false
	c.mu.Unlock()
	return nil
}

func (c *Controller) runStreaming(ctx context.Context, req wire.ChatRequest, restore func()) error {
	dec, body, err := c.opts.API.ChatStream(ctx, c.opts.DocumentID, req)
	if err != nil {
		c.failOperation(err, errSendFailed, restore)
		if isCancellation(err) {
			return nil
		}
		return err
	}
	defer body.Close()

	// Streaming pre-appends an empty assistant placeholder that the
	// decoded records mutate in place.
	c.mu.Lock()
	c.messages = append(c.messages, wire.Message{Role: wire.RoleAssistant})
	placeholder := len(c.messages) - 1
	c.mu.Unlock()

	sawDone := false
	for {
		rec, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if isCancellation(err) || ctx.Err() != nil {
				// Aborted mid-stream; partial content already applied to
				// the placeholder stays visible.
				c.handleCancelledStream(placeholder)
				return nil
			}
			c.failOperation(err, errSendFailed, func() {
				c.dropStreamingMessagesLocked(placeholder)
				restore()
			})
			return err
		}
		if ctx.Err() != nil {
			// Aborted mid-stream: ignore the record, mutate nothing.
			c.handleCancelledStream(placeholder)
			return nil
		}

		c.mu.Lock()
		outcome := stream.Apply(&c.messages[placeholder], rec)
		c.mu.Unlock()

		switch outcome {
		case stream.OutcomeContinue:
			c.notifyChunk(rec)
		case stream.OutcomeError:
			// The server owns this failure; the user message stays.
			c.mu.Lock()
			c.endOperationLocked()
			c.messages = append(c.messages[:placeholder], c.messages[placeholder+1:]...)
			c.lastErr = rec.Message
			c.loading = false
			c.mu.Unlock()
			return fmt.Errorf("chat stream: %s", rec.Message)
		case stream.OutcomeDone:
			sawDone = true
			c.mu.Lock()
			c.endOperationLocked()
			c.finalizeStreamedLocked(placeholder, rec)
			c.loading = false
			c.mu.Unlock()
		}
		if sawDone {
			return nil
		}
	}

	if ctx.Err() != nil {
		c.handleCancelledStream(placeholder)
		return nil
	}
	// Stream ended without a terminal record.
	err = errors.New("chat stream: closed before done record")
	c.failOperation(err, errSendFailed, func() {
		c.dropStreamingMessagesLocked(placeholder)
		restore()
	})
	return err
}

func (c *Controller) notifyChunk(rec stream.Record) {
	switch rec.Type {
	case stream.TypeTextChunk, stream.TypeAssistantTextChunk:
		if c.opts.OnTextChunk != nil {
			c.opts.OnTextChunk(rec.Chunk)
		}
	case stream.TypeThinkingChunk:
		if c.opts.OnThinkingChunk != nil {
			c.opts.OnThinkingChunk(rec.Chunk)
		}
	}
}

// finalizeStreamedLocked applies the authoritative done record state
// beyond the message itself: extraction cache and pending turn.
func (c *Controller) finalizeStreamedLocked(placeholder int, rec stream.Record) {
	if rec.WorkingState != nil && len(rec.WorkingState.Extraction) > 0 {
		c.extraction = rec.WorkingState.Extraction
	}
	c.setPendingLocked(rec.TurnID, c.messages[placeholder].ToolCalls)
}

// appendResponseLocked appends the assistant message carried by a
// buffered chat or approval response and updates the pending turn.
func (c *Controller) appendResponseLocked(resp *wire.ChatResponse) {
	msg := wire.Message{
		Role:           wire.RoleAssistant,
		Content:        resp.Text,
		ToolCalls:      resp.ToolCalls,
		Thinking:       resp.Thinking,
		ExecutedRounds: resp.ExecutedRounds,
	}
	c.messages = append(c.messages, msg)

	if resp.WorkingState != nil && len(resp.WorkingState.Extraction) > 0 {
		c.extraction = resp.WorkingState.Extraction
	}
	c.setPendingLocked(resp.TurnID, resp.ToolCalls)
}

// setPendingLocked opens a pending turn for unresolved tool calls, or
// clears it when the response needs no decision.
func (c *Controller) setPendingLocked(turnID *string, calls []wire.ToolCall) {
	unresolved := make([]wire.ToolCall, 0, len(calls))
	for _, call := range calls {
		if call.Approved == nil {
			unresolved = append(unresolved, call)
		}
	}
	if turnID != nil && *turnID != "" && len(unresolved) > 0 {
		c.pendingTurnID = *turnID
		c.pendingCalls = unresolved
		return
	}
	c.pendingTurnID = ""
	c.pendingCalls = nil
}

// mergeResolutionsLocked writes approval outcomes back onto the
// assistant message that proposed the calls.
func (c *Controller) mergeResolutionsLocked(approvals []wire.Approval) {
	resolved := make(map[string]bool, len(approvals))
	for _, approval := range approvals {
		resolved[approval.CallID] = approval.Approved
	}
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].Role != wire.RoleAssistant {
			continue
		}
		touched := false
		for j, call := range c.messages[i].ToolCalls {
			if value, ok := resolved[call.ID]; ok {
				approved := value
				c.messages[i].ToolCalls[j].Approved = &approved
				touched = true
			}
		}
		if touched {
			return
		}
	}
}

// failOperation restores optimistic state and surfaces the error,
// except for cancellation, which restores silently.
func (c *Controller) failOperation(err error, fallback string, restore func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endOperationLocked()
	if restore != nil {
		restore()
	}
	c.loading = false
	if isCancellation(err) {
		c.lastErr = ""
		return
	}
	c.lastErr = userMessageForError(err, fallback)
	c.opts.Logger.Warn("chat operation failed", "error", err)
}

// handleCancelledStream restores pre-send state after a mid-stream
// abort. A placeholder that already accumulated content is kept, along
// with its user message, so the partial answer stays visible.
func (c *Controller) handleCancelledStream(placeholder int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endOperationLocked()
	if placeholder < len(c.messages) && messageHasContent(c.messages[placeholder]) {
		c.loading = false
		c.lastErr = ""
		return
	}
	c.dropStreamingMessagesLocked(placeholder)
	c.rollbackTrailingUserMessageLocked()
	c.loading = false
	c.lastErr = ""
}

// dropStreamingMessagesLocked removes the placeholder (and anything
// after it, which cannot exist under the single-flight guard).
func (c *Controller) dropStreamingMessagesLocked(placeholder int) {
	if placeholder < len(c.messages) {
		c.messages = c.messages[:placeholder]
	}
}

// rollbackTrailingUserMessageLocked removes the optimistically
// appended, still unanswered user message. Prior history is untouched.
func (c *Controller) rollbackTrailingUserMessageLocked() {
	if n := len(c.messages); n > 0 && c.messages[n-1].Role == wire.RoleUser {
		c.messages = c.messages[:n-1]
	}
}

func (c *Controller) refreshThreadsAsync() {
	// Fire and forget: racing with a later turn's refresh is fine,
	// both converge to the server-authoritative list.
	go func() {
		if err := c.RefreshThreads(context.Background()); err != nil {
			c.opts.Logger.Debug("thread list refresh failed", "error", err)
		}
	}()
}

func messageHasContent(msg wire.Message) bool {
	return msg.ContentText() != "" || msg.Thinking != "" || len(msg.ExecutedRounds) > 0
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

func userMessageForError(err error, fallback string) string {
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) && statusErr.Detail != "" {
		return statusErr.Detail
	}
	return fallback
}
