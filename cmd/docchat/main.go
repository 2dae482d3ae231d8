// docchat is the terminal client for the document chat API: interactive
// chat with streaming output and tool approval, thread management, and
// the local auto-approval policy.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/alecthomas/kong"
	charmLog "github.com/charmbracelet/log"
	"github.com/toval/docchat/internal/api"
	"github.com/toval/docchat/internal/policy"
	"github.com/toval/docchat/internal/wire"
)

type rootCLI struct {
	Config   string `help:"Path to TOML config file." env:"DOCCHAT_CONFIG"`
	BaseURL  string `name:"base-url" help:"Document API base URL." env:"DOCCHAT_BASE_URL"`
	Org      string `help:"Organization id." env:"DOCCHAT_ORG"`
	Doc      string `help:"Document id chat turns run against." env:"DOCCHAT_DOC"`
	Token    string `help:"Bearer token for the API." env:"DOCCHAT_TOKEN"`
	Model    string `help:"Model id to request." env:"DOCCHAT_MODEL"`
	PolicyDB string `name:"policy-db" help:"SQLite path for the auto-approval policy." env:"DOCCHAT_POLICY_DB"`
	LogLevel string `name:"log-level" help:"Log level." env:"DOCCHAT_LOG_LEVEL" default:"warn" enum:"debug,info,warn,error,fatal"`

	Chat    chatCmd    `cmd:"" help:"Interactive chat session."`
	Threads threadsCmd `cmd:"" help:"Manage persisted conversations."`
	Tools   toolsCmd   `cmd:"" help:"Show the backend tool catalog."`
	Models  modelsCmd  `cmd:"" help:"List available model ids."`
	Policy  policyCmd  `cmd:"" help:"Inspect and edit the auto-approval policy."`
}

// fileConfig mirrors the TOML config file. Flags and environment
// variables take precedence over it.
type fileConfig struct {
	BaseURL  string `toml:"base_url"`
	Org      string `toml:"org"`
	Document string `toml:"document"`
	Token    string `toml:"token"`
	Model    string `toml:"model"`
	PolicyDB string `toml:"policy_db"`
}

// appContext is what commands run against: a resolved config plus lazy
// client and policy constructors.
type appContext struct {
	cli    *rootCLI
	logger *charmLog.Logger
}

func main() {
	cli := &rootCLI{}
	kctx := kong.Parse(
		cli,
		kong.Name("docchat"),
		kong.Description("Terminal client for the document chat API"),
		kong.UsageOnError(),
	)

	if err := applyFileConfig(cli); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}

	level, err := charmLog.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logger: %v\n", err)
		os.Exit(2)
	}
	logger := charmLog.NewWithOptions(os.Stderr, charmLog.Options{
		Prefix:          "docchat",
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	charmLog.SetDefault(logger)

	if err := kctx.Run(&appContext{cli: cli, logger: logger}); err != nil {
		logger.Fatal("command failed", "error", err)
	}
}

// applyFileConfig fills unset CLI fields from the TOML config file.
func applyFileConfig(cli *rootCLI) error {
	path := strings.TrimSpace(cli.Config)
	if path == "" {
		path = defaultConfigPath()
	}

	var cfg fileConfig
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
	}

	cli.BaseURL = firstNonEmpty(cli.BaseURL, cfg.BaseURL, "http://127.0.0.1:8080")
	cli.Org = firstNonEmpty(cli.Org, cfg.Org)
	cli.Doc = firstNonEmpty(cli.Doc, cfg.Document)
	cli.Token = firstNonEmpty(cli.Token, cfg.Token)
	cli.Model = firstNonEmpty(cli.Model, cfg.Model)
	cli.PolicyDB = firstNonEmpty(cli.PolicyDB, cfg.PolicyDB, defaultPolicyDBPath())
	return nil
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "docchat", "config.toml")
}

func defaultPolicyDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./docchat-policy.db"
	}
	return filepath.Join(dir, "docchat", "policy.db")
}

func (a *appContext) apiClient() (*api.Client, error) {
	if strings.TrimSpace(a.cli.Org) == "" {
		return nil, errors.New("org id is required (--org, DOCCHAT_ORG, or config file)")
	}
	return api.New(api.Config{
		BaseURL:   a.cli.BaseURL,
		OrgID:     a.cli.Org,
		Token:     a.cli.Token,
		UserAgent: "docchat/0.1",
	})
}

func (a *appContext) requireDoc() error {
	if strings.TrimSpace(a.cli.Doc) == "" {
		return errors.New("document id is required (--doc, DOCCHAT_DOC, or config file)")
	}
	return nil
}

// openPolicy loads the persisted auto-approval policy for the active
// org/document scope. The caller must close the returned store.
func (a *appContext) openPolicy(ctx context.Context, client *api.Client) (*policy.Policy, *policy.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(a.cli.PolicyDB), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create policy dir: %w", err)
	}
	store, err := policy.OpenSQLiteStore(a.cli.PolicyDB)
	if err != nil {
		return nil, nil, err
	}

	scope := policy.Scope{OrgID: a.cli.Org, DocumentID: a.cli.Doc}
	catalog := policy.CatalogFunc(nil)
	if client != nil {
		doc := a.cli.Doc
		catalog = func(ctx context.Context) (wire.ToolCatalog, error) {
			return client.ListTools(ctx, doc)
		}
	}

	pol, err := policy.Load(ctx, store, scope, catalog)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return pol, store, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
