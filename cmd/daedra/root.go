package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/daedra/internal/config"
)

const serverName = "daedra"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// app is shared by the subcommands once the persistent pre-run has loaded it.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	verbose bool
	quiet   bool
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:          serverName,
		Short:        "Web search and page reading for AI assistants over MCP",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.load()
		},
	}
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Log at debug level")
	cmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "Disable logging")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(
		serveCommand(a),
		searchCommand(a),
		fetchCommand(a),
		infoCommand(a),
		checkCommand(a),
	)

	return cmd
}

func (a *app) load() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	a.logger = newLogger(level, a.verbose, a.quiet)
	slog.SetDefault(a.logger)
	return nil
}

// newLogger writes to stderr only. Stdout belongs to the stdio transport.
func newLogger(level slog.Level, verbose, quiet bool) *slog.Logger {
	if quiet {
		return slog.New(slog.DiscardHandler)
	}
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printJSON(cmd *cobra.Command, v any) error {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bs))
	return err
}
