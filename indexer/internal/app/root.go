package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/obsidianstack/ratingindexer/indexer/internal/auth"
	"github.com/obsidianstack/ratingindexer/indexer/internal/config"
	"github.com/obsidianstack/ratingindexer/pkg/logging"
)

// defaultConfigPath is read when --config is not given and the file exists.
const defaultConfigPath = "indexer.yaml"

type globals struct {
	configPath string
	logLevel   string
	logFormat  string
	stderr     io.Writer
}

// Execute runs the indexer command line.
func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

// NewRootCmd returns the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	g := &globals{stderr: os.Stderr}
	root := &cobra.Command{
		Use:   "indexer",
		Short: "Periodically rate lens data into an immutable, queryable snapshot history",
		Long: `indexer fetches values from remote lenses for every registered task,
rates them into per-bucket scores and commits the result as an immutable
snapshot with a time-ordered id. A bounded history of snapshots can be
queried by time range.

Examples:
  # Run the service
  indexer serve --config indexer.yaml

  # Register a task and run one round by hand
  indexer tasks add -f task.yaml
  indexer index

  # Inspect history
  indexer snapshots latest
  indexer snapshots range --from 1715000000000 --to 1715086400000`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default: ./indexer.yaml when present)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override indexer.log_level")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "json or console (default: json for serve, console otherwise)")

	root.AddCommand(
		newServeCmd(g),
		newIndexCmd(g),
		newTasksCmd(g),
		newConfigCmd(g),
		newSnapshotsCmd(g),
	)
	return root
}

// resolvedConfigPath is the file the config comes from, or "" for built-in
// defaults.
func (g *globals) resolvedConfigPath() string {
	if g.configPath != "" {
		return g.configPath
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

func (g *globals) loadConfig() (*config.Config, error) {
	path := g.resolvedConfigPath()
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func (g *globals) logger(cfg *config.Config, defaultFormat string) *slog.Logger {
	level := cfg.Indexer.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	format := defaultFormat
	if g.logFormat != "" {
		format = g.logFormat
	} else if defaultFormat == "json" && cfg.Indexer.LogFormat != "" {
		format = cfg.Indexer.LogFormat
	}
	l := logging.New(format, level, g.stderr)
	slog.SetDefault(l)
	return l
}

// open builds an App for a one-shot command. The local caller holds every
// role.
func (g *globals) open(ctx context.Context) (*App, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	local := []string{LocalCaller}
	return Build(ctx, cfg, g.logger(cfg, "console"), Options{
		Authority: auth.Static{Proxies: local, Controllers: local},
	})
}

// withApp runs fn against a freshly opened App and closes it afterwards.
func (g *globals) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck
	return fn(logging.With(ctx, a.Logger), a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
