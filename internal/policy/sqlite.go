package policy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists policies in a local sqlite database so they
// survive restarts but stay scoped to the machine.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS auto_approved_tools(
		org_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY(org_id, document_id, tool_name)
	);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, scope Scope) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name
		FROM auto_approved_tools
		WHERE org_id = ? AND document_id = ?
		ORDER BY tool_name ASC
	`, scope.OrgID, scope.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("query auto approved tools: %w", err)
	}
	defer rows.Close()

	tools := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tool name: %w", err)
		}
		tools = append(tools, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool names: %w", err)
	}
	return tools, nil
}

func (s *SQLiteStore) Put(ctx context.Context, scope Scope, tools []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM auto_approved_tools
		WHERE org_id = ? AND document_id = ?
	`, scope.OrgID, scope.DocumentID); err != nil {
		return fmt.Errorf("clear auto approved tools: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, name := range tools {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auto_approved_tools(org_id, document_id, tool_name, created_at)
			VALUES(?, ?, ?, ?)
		`, scope.OrgID, scope.DocumentID, name, now); err != nil {
			return fmt.Errorf("insert auto approved tool: %w", err)
		}
	}
	return tx.Commit()
}
