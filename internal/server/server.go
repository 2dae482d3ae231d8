// Package server is a self-contained implementation of the document
// API chat contract, backed by sqlite. It exists for local development
// and end-to-end tests of the client; it is not the production
// backend.
package server

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/toval/docchat/internal/agent"
	_ "modernc.org/sqlite"
)

const (
	defaultStreamChunkSize = 24
	maxResponderRounds     = 6
	maxThreadTitleChars    = 80
)

type AppConfig struct {
	DBPath string
	// Token, when set, is required as a bearer token on every request.
	Token     string
	Responder agent.Responder
	Logger    *charmLog.Logger
	// StreamChunkSize controls how finely streamed text is split into
	// chunk records. Tests use small values to exercise reassembly.
	StreamChunkSize int
}

type App struct {
	db        *sql.DB
	logger    *charmLog.Logger
	token     string
	responder agent.Responder
	chunkSize int
	fetcher   *agent.PageFetcher
}

func New(cfg AppConfig) (*App, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.NewWithOptions(os.Stderr, charmLog.Options{
			Prefix:          "docchat-stub",
			Level:           charmLog.InfoLevel,
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
		})
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	responder := cfg.Responder
	if responder == nil {
		responder = agent.NewStaticResponder()
	}

	chunkSize := cfg.StreamChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultStreamChunkSize
	}

	return &App{
		db:        db,
		logger:    logger,
		token:     strings.TrimSpace(cfg.Token),
		responder: responder,
		chunkSize: chunkSize,
		fetcher:   agent.NewPageFetcher(),
	}, nil
}

func (a *App) Close() error {
	return a.db.Close()
}

func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /orgs/{org}/documents/{doc}/chat", a.handleChat)
	mux.HandleFunc("POST /orgs/{org}/documents/{doc}/chat/approve", a.handleApprove)
	mux.HandleFunc("GET /orgs/{org}/documents/{doc}/chat/threads", a.handleListThreads)
	mux.HandleFunc("POST /orgs/{org}/documents/{doc}/chat/threads", a.handleCreateThread)
	mux.HandleFunc("GET /orgs/{org}/documents/{doc}/chat/threads/{thread}", a.handleGetThread)
	mux.HandleFunc("DELETE /orgs/{org}/documents/{doc}/chat/threads/{thread}", a.handleDeleteThread)
	mux.HandleFunc("GET /orgs/{org}/documents/{doc}/chat/tools", a.handleListTools)
	mux.HandleFunc("GET /orgs/{org}/llm/models", a.handleListModels)
	mux.HandleFunc("POST /orgs/{org}/kb/pages", a.handleIngestPage)
	return a.loggingMiddleware(a.authMiddleware(mux))
}

func (a *App) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.status()
		level := charmLog.InfoLevel
		switch {
		case statusCode >= http.StatusInternalServerError:
			level = charmLog.ErrorLevel
		case statusCode >= http.StatusBadRequest:
			level = charmLog.WarnLevel
		default:
			level = charmLog.DebugLevel
		}

		keyvals := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"response_bytes", recorder.bytesWritten,
		}
		if remoteAddr := clientIP(r.RemoteAddr); remoteAddr != "" {
			keyvals = append(keyvals, "remote_addr", remoteAddr)
		}

		a.logger.Log(level, "http request", keyvals...)
	})
}

func (a *App) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" && bearerTokenFromHeader(r.Header.Get("Authorization")) != a.token {
			writeDetail(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(data)
	r.bytesWritten += n
	return n, err
}

func (r *statusRecorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads(
			thread_id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			title TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages(
			message_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT,
			thinking TEXT NOT NULL,
			tool_calls_json TEXT NOT NULL,
			executed_rounds_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(thread_id, position)
		);`,
		`CREATE TABLE IF NOT EXISTS turns(
			turn_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS extractions(
			thread_id TEXT PRIMARY KEY,
			payload_json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS schemas(
			schema_id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			fields_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(org_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS kb_pages(
			page_id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL,
			markdown TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// writeDetail reports an error the way the production backend does: a
// JSON body with a single detail field.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(body io.ReadCloser, out any) error {
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func newID(prefix string) string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return prefix + "_" + hex.EncodeToString(b[:])
}

func bearerTokenFromHeader(authz string) string {
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
}

func clientIP(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// truncateRunes caps s at max runes without splitting a multibyte
// sequence.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
