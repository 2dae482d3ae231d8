package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/toval/docchat/internal/wire"
)

var errNotFound = errors.New("not found")

const (
	turnStatusPending  = "pending"
	turnStatusResolved = "resolved"
)

type turnRow struct {
	TurnID    string
	ThreadID  string
	MessageID string
	Status    string
}

func (a *App) createThread(ctx context.Context, orgID, docID, title string) (wire.ThreadSummary, error) {
	if strings.TrimSpace(title) == "" {
		title = "New conversation"
	}
	title = truncateRunes(title, maxThreadTitleChars)

	summary := wire.ThreadSummary{
		ID:        newID("thread"),
		Title:     title,
		CreatedAt: nowTimestamp(),
	}
	summary.UpdatedAt = summary.CreatedAt

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO threads(thread_id, org_id, document_id, title, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, summary.ID, orgID, docID, summary.Title, summary.CreatedAt, summary.UpdatedAt)
	if err != nil {
		return wire.ThreadSummary{}, fmt.Errorf("insert thread: %w", err)
	}
	return summary, nil
}

func (a *App) listThreads(ctx context.Context, orgID, docID string) ([]wire.ThreadSummary, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT thread_id, title, created_at, updated_at
		FROM threads
		WHERE org_id = ? AND document_id = ?
		ORDER BY updated_at DESC
	`, orgID, docID)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	threads := make([]wire.ThreadSummary, 0)
	for rows.Next() {
		var summary wire.ThreadSummary
		if err := rows.Scan(&summary.ID, &summary.Title, &summary.CreatedAt, &summary.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

func (a *App) threadSummary(ctx context.Context, orgID, docID, threadID string) (wire.ThreadSummary, error) {
	var summary wire.ThreadSummary
	err := a.db.QueryRowContext(ctx, `
		SELECT thread_id, title, created_at, updated_at
		FROM threads
		WHERE thread_id = ? AND org_id = ? AND document_id = ?
	`, threadID, orgID, docID).Scan(&summary.ID, &summary.Title, &summary.CreatedAt, &summary.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.ThreadSummary{}, errNotFound
	}
	if err != nil {
		return wire.ThreadSummary{}, fmt.Errorf("query thread: %w", err)
	}
	return summary, nil
}

func (a *App) getThread(ctx context.Context, orgID, docID, threadID string) (wire.Thread, error) {
	summary, err := a.threadSummary(ctx, orgID, docID, threadID)
	if err != nil {
		return wire.Thread{}, err
	}

	messages, err := a.threadMessages(ctx, threadID)
	if err != nil {
		return wire.Thread{}, err
	}

	thread := wire.Thread{ThreadSummary: summary, Messages: messages}
	if extraction, err := a.getExtraction(ctx, threadID); err == nil {
		thread.Extraction = extraction
	} else if !errors.Is(err, errNotFound) {
		return wire.Thread{}, err
	}
	return thread, nil
}

func (a *App) deleteThread(ctx context.Context, orgID, docID, threadID string) error {
	if _, err := a.threadSummary(ctx, orgID, docID, threadID); err != nil {
		return err
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM messages WHERE thread_id = ?`,
		`DELETE FROM turns WHERE thread_id = ?`,
		`DELETE FROM extractions WHERE thread_id = ?`,
		`DELETE FROM threads WHERE thread_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, threadID); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
	}
	return tx.Commit()
}

func (a *App) touchThread(ctx context.Context, threadID string) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE threads SET updated_at = ? WHERE thread_id = ?
	`, nowTimestamp(), threadID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return nil
}

func (a *App) retitleThreadIfNew(ctx context.Context, threadID, firstMessage string) error {
	title := strings.TrimSpace(firstMessage)
	if title == "" {
		return nil
	}
	title = truncateRunes(title, maxThreadTitleChars)
	_, err := a.db.ExecContext(ctx, `
		UPDATE threads SET title = ?
		WHERE thread_id = ? AND title = 'New conversation'
	`, title, threadID)
	if err != nil {
		return fmt.Errorf("retitle thread: %w", err)
	}
	return nil
}

func (a *App) threadMessages(ctx context.Context, threadID string) ([]wire.Message, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT role, content, thinking, tool_calls_json, executed_rounds_json
		FROM messages
		WHERE thread_id = ?
		ORDER BY position ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]wire.Message, 0)
	for rows.Next() {
		var (
			msg            wire.Message
			content        sql.NullString
			toolCalls      string
			executedRounds string
		)
		if err := rows.Scan(&msg.Role, &content, &msg.Thinking, &toolCalls, &executedRounds); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if content.Valid {
			msg.Content = wire.StringPtr(content.String)
		}
		if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
		if err := json.Unmarshal([]byte(executedRounds), &msg.ExecutedRounds); err != nil {
			return nil, fmt.Errorf("decode executed rounds: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// replaceMessages rewrites a thread's message history wholesale. Used
// for truncation and for persisting the post-turn state; message counts
// here are small so the full rewrite stays cheap.
func (a *App) replaceMessages(ctx context.Context, threadID string, messages []wire.Message) (lastMessageID string, err error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return "", fmt.Errorf("clear messages: %w", err)
	}

	now := nowTimestamp()
	for position, msg := range messages {
		toolCalls, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return "", fmt.Errorf("encode tool calls: %w", err)
		}
		executedRounds, err := json.Marshal(msg.ExecutedRounds)
		if err != nil {
			return "", fmt.Errorf("encode executed rounds: %w", err)
		}

		var content sql.NullString
		if msg.Content != nil {
			content = sql.NullString{String: *msg.Content, Valid: true}
		}

		messageID := newID("msg")
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages(message_id, thread_id, position, role, content, thinking, tool_calls_json, executed_rounds_json, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, messageID, threadID, position, msg.Role, content, msg.Thinking, string(toolCalls), string(executedRounds), now); err != nil {
			return "", fmt.Errorf("insert message: %w", err)
		}
		lastMessageID = messageID
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return lastMessageID, nil
}

func (a *App) createTurn(ctx context.Context, threadID, messageID string) (string, error) {
	turnID := newID("turn")
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO turns(turn_id, thread_id, message_id, status, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, turnID, threadID, messageID, turnStatusPending, nowTimestamp())
	if err != nil {
		return "", fmt.Errorf("insert turn: %w", err)
	}
	return turnID, nil
}

func (a *App) getTurn(ctx context.Context, turnID string) (turnRow, error) {
	var row turnRow
	err := a.db.QueryRowContext(ctx, `
		SELECT turn_id, thread_id, message_id, status
		FROM turns
		WHERE turn_id = ?
	`, turnID).Scan(&row.TurnID, &row.ThreadID, &row.MessageID, &row.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return turnRow{}, errNotFound
	}
	if err != nil {
		return turnRow{}, fmt.Errorf("query turn: %w", err)
	}
	return row, nil
}

func (a *App) resolveTurn(ctx context.Context, turnID string) error {
	_, err := a.db.ExecContext(ctx, `
		UPDATE turns SET status = ? WHERE turn_id = ?
	`, turnStatusResolved, turnID)
	if err != nil {
		return fmt.Errorf("resolve turn: %w", err)
	}
	return nil
}

func (a *App) setExtraction(ctx context.Context, threadID string, payload json.RawMessage) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO extractions(thread_id, payload_json, updated_at)
		VALUES(?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET payload_json = excluded.payload_json, updated_at = excluded.updated_at
	`, threadID, string(payload), nowTimestamp())
	if err != nil {
		return fmt.Errorf("upsert extraction: %w", err)
	}
	return nil
}

func (a *App) getExtraction(ctx context.Context, threadID string) (json.RawMessage, error) {
	var payload string
	err := a.db.QueryRowContext(ctx, `
		SELECT payload_json FROM extractions WHERE thread_id = ?
	`, threadID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query extraction: %w", err)
	}
	return json.RawMessage(payload), nil
}

type kbPage struct {
	PageID   string
	URL      string
	Title    string
	Markdown string
}

func (a *App) insertPage(ctx context.Context, orgID, url, title, markdown string) (string, error) {
	pageID := newID("page")
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO kb_pages(page_id, org_id, url, title, markdown, created_at)
		VALUES(?, ?, ?, ?, ?, ?)
	`, pageID, orgID, url, title, markdown, nowTimestamp())
	if err != nil {
		return "", fmt.Errorf("insert page: %w", err)
	}
	return pageID, nil
}

func (a *App) searchPages(ctx context.Context, orgID, query string, limit int) ([]kbPage, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT page_id, url, title, markdown
		FROM kb_pages
		WHERE org_id = ? AND (title LIKE ? OR markdown LIKE ?)
		ORDER BY created_at DESC
		LIMIT ?
	`, orgID, "%"+query+"%", "%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	pages := make([]kbPage, 0)
	for rows.Next() {
		var page kbPage
		if err := rows.Scan(&page.PageID, &page.URL, &page.Title, &page.Markdown); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}
