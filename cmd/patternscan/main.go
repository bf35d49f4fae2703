package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/patternscan/internal/config"
)

var (
	verbose    bool
	configRoot string
)

var rootCmd = &cobra.Command{
	Use:   "patternscan",
	Short: "Detect architecture, infrastructure and framework patterns in a repository",
	Long: `patternscan inspects a source tree and reports the architectural, infrastructure
and framework patterns it finds, each with a confidence score.

Detection runs as a cascade of increasingly expensive levels:
  1. file existence       (well-known config files and manifest dependencies)
  2. pattern matching     (keywords and regexes in source)
  3. ast analysis         (imports and calls in parsed source)
  4. knowledge store      (cross-reference with other instances)
  5. model fallback       (ask a language model about what is left)

A target settled at one level is never evaluated again.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log per-level progress to stderr")
	rootCmd.PersistentFlags().StringVar(&configRoot, "config-root", "", "Directory holding .patternscan/ (default: the scanned path)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// projectPath returns the absolute path named by args, or the working
// directory.
func projectPath(args []string) string {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return abs
}

// loadConfig loads the config for a scanned path, honoring --config-root.
func loadConfig(root string) *config.Config {
	dir := root
	if configRoot != "" {
		dir = configRoot
	}
	cfg, err := config.Load(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
