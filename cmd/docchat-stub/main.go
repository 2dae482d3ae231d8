// docchat-stub serves the document chat API locally: threads, buffered
// and streaming turns, tool approval, and knowledge-base ingest. With
// an OpenRouter key it answers with a real model; without one it falls
// back to a scripted responder.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	charmLog "github.com/charmbracelet/log"
	"github.com/toval/docchat/internal/agent"
	"github.com/toval/docchat/internal/server"
)

type cliConfig struct {
	HTTPAddr          string `name:"http-addr" help:"HTTP listen address." env:"DOCCHAT_HTTP_ADDR" default:":8080"`
	DBPath            string `name:"db-path" help:"SQLite database path." env:"DOCCHAT_DB_PATH" default:"./docchat.db"`
	AuthToken         string `name:"auth-token" help:"Bearer token required on every request. Empty disables auth." env:"DOCCHAT_AUTH_TOKEN"`
	OpenRouterAPIKey  string `name:"openrouter-api-key" help:"OpenRouter API key." env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string `name:"openrouter-base-url" help:"OpenRouter API base URL." env:"OPENROUTER_BASE_URL"`
	ModelPrimary      string `name:"model-primary" help:"Primary model ID." env:"DOCCHAT_MODEL_PRIMARY" default:"anthropic/claude-sonnet-4"`
	ModelFallback     string `name:"model-fallback" help:"Fallback model ID." env:"DOCCHAT_MODEL_FALLBACK"`
	LogLevel          string `name:"log-level" help:"Server log level." env:"DOCCHAT_LOG_LEVEL" default:"info" enum:"debug,info,warn,error,fatal"`
	LogFormat         string `name:"log-format" help:"Log output format." env:"DOCCHAT_LOG_FORMAT" default:"text" enum:"text,json"`
}

func main() {
	if err := loadDotEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseCLI(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse args: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logger: %v\n", err)
		os.Exit(2)
	}
	charmLog.SetDefault(logger)

	app, err := server.New(server.AppConfig{
		DBPath:    cfg.DBPath,
		Token:     cfg.AuthToken,
		Responder: buildResponder(cfg),
		Logger:    logger.With("component", "server"),
	})
	if err != nil {
		logger.Fatal("init app", "error", err)
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info(
		"docchat stub listening",
		"addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"openrouter_enabled", cfg.OpenRouterAPIKey != "",
		"model_primary", cfg.ModelPrimary,
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("listen and serve", "error", err)
	}
}

func buildResponder(cfg cliConfig) agent.Responder {
	if strings.TrimSpace(cfg.OpenRouterAPIKey) == "" {
		return agent.NewStaticResponder()
	}
	llm, err := agent.NewLLMResponder(agent.LLMResponderConfig{
		APIKey:        cfg.OpenRouterAPIKey,
		BaseURL:       cfg.OpenRouterBaseURL,
		PrimaryModel:  cfg.ModelPrimary,
		FallbackModel: cfg.ModelFallback,
		UserAgent:     "docchat-stub/0.1",
	})
	if err != nil {
		charmLog.Warn("llm responder unavailable, using static responder", "error", err)
		return agent.NewStaticResponder()
	}
	return agent.NewFallbackResponder(llm, agent.NewStaticResponder())
}

func parseCLI(args []string) (cliConfig, error) {
	var cfg cliConfig

	parser, err := kong.New(
		&cfg,
		kong.Name("docchat-stub"),
		kong.Description("Local document chat API server"),
		kong.UsageOnError(),
	)
	if err != nil {
		return cliConfig{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func newLogger(levelRaw, formatRaw string) (*charmLog.Logger, error) {
	level, err := charmLog.ParseLevel(strings.TrimSpace(levelRaw))
	if err != nil {
		return nil, err
	}

	formatter := charmLog.TextFormatter
	if strings.EqualFold(strings.TrimSpace(formatRaw), "json") {
		formatter = charmLog.JSONFormatter
	}

	return charmLog.NewWithOptions(os.Stderr, charmLog.Options{
		Prefix:          "docchat-stub",
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

func loadDotEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		key, value, ok, parseErr := parseDotEnvLine(scanner.Text())
		if parseErr != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNum, parseErr)
		}
		if !ok {
			continue
		}
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func parseDotEnvLine(line string) (key, value string, ok bool, err error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false, nil
	}

	if strings.HasPrefix(trimmed, "export ") {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))
	}

	parts := strings.SplitN(trimmed, "=", 2)
	if len(parts) != 2 {
		return "", "", false, fmt.Errorf("invalid .env line")
	}

	key = strings.TrimSpace(parts[0])
	if key == "" {
		return "", "", false, fmt.Errorf("empty key in .env line")
	}

	value = strings.TrimSpace(parts[1])
	parsedValue, err := parseDotEnvValue(value)
	if err != nil {
		return "", "", false, err
	}
	return key, parsedValue, true, nil
}

func parseDotEnvValue(raw string) (string, error) {
	if len(raw) >= 2 && strings.HasPrefix(raw, "\"") && strings.HasSuffix(raw, "\"") {
		value, err := strconv.Unquote(raw)
		if err != nil {
			return "", fmt.Errorf("invalid double-quoted value: %w", err)
		}
		return value, nil
	}
	if len(raw) >= 2 && strings.HasPrefix(raw, "'") && strings.HasSuffix(raw, "'") {
		return strings.TrimSuffix(strings.TrimPrefix(raw, "'"), "'"), nil
	}
	return raw, nil
}
