package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/steveyegge/patternscan/internal/config"
	"github.com/steveyegge/patternscan/internal/knowledge"
	"github.com/steveyegge/patternscan/internal/registry"
)

var (
	knowledgeServeAddr string
	knowledgeQueryAddr string
	knowledgeDB        string
	knowledgeBuiltins  bool
	knowledgeFiles     []string
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Run and manage the knowledge store",
}

var knowledgeServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a SQLite knowledge store over gRPC",
	Long: `Serve a local SQLite knowledge store so several patternscan instances can share
pattern rules and cross-reference each other's detections.

Point clients at it with knowledge.address in .patternscan/config.yaml or
PATTERNSCAN_KNOWLEDGE_ADDRESS.

Examples:
  patternscan knowledge serve
  patternscan knowledge serve --addr=:7420 --db=/var/lib/patternscan/knowledge.db`,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := knowledge.OpenSQLite(storePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		lis, err := net.Listen("tcp", knowledgeServeAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to listen on %s: %v\n", knowledgeServeAddr, err)
			return
		}

		srv := grpc.NewServer()
		knowledge.RegisterStore(srv, store)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			slog.Info("Shutting down knowledge store")
			srv.GracefulStop()
		}()

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Knowledge store listening on %s (%s)\n", green("●"), lis.Addr(), storePath())
		if err := srv.Serve(lis); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	},
}

var knowledgeSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load pattern definitions into the knowledge store",
	Long: `Store pattern definitions in the knowledge store, where every instance picks
them up at startup. Definitions are validated before they are stored.

Examples:
  patternscan knowledge seed --patterns=team-patterns.yaml
  patternscan knowledge seed --builtins`,
	Run: func(cmd *cobra.Command, args []string) {
		reg := registry.New()
		var defs []registry.PatternDefinition
		if knowledgeBuiltins {
			defs = append(defs, registry.NewWithBuiltins().All()...)
		}
		for _, path := range knowledgeFiles {
			if err := loadPatternFile(reg, path); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
		defs = append(defs, reg.All()...)
		if len(defs) == 0 {
			fmt.Fprintln(os.Stderr, "Error: nothing to seed (use --patterns or --builtins)")
			os.Exit(1)
		}

		store, err := knowledge.OpenSQLite(storePath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		n, err := seedStore(context.Background(), store, defs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Stored %d patterns in %s\n", green("✓"), n, storePath())
	},
}

var knowledgeQueryCmd = &cobra.Command{
	Use:   "query <pattern_type> <name>",
	Short: "Show what the store knows about a pattern",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var client knowledge.Client
		if knowledgeQueryAddr != "" {
			c, err := knowledge.Dial(knowledgeQueryAddr)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer c.Close()
			client = c
		} else {
			store, err := knowledge.OpenSQLite(storePath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer store.Close()
			client = store
		}

		resp, err := client.Query(context.Background(), knowledge.TopicCrossRefQuery,
			map[string]any{"pattern_type": args[0], "name": args[1]}, knowledge.DefaultTimeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Println(string(out))
	},
}

// seedStore upserts defs into store and returns how many were stored.
func seedStore(ctx context.Context, store *knowledge.SQLiteStore, defs []registry.PatternDefinition) (int, error) {
	n := 0
	for _, def := range defs {
		if err := registry.Validate(&def); err != nil {
			slog.Warn("Skipping invalid pattern", "pattern", def.ID(), "error", err)
			continue
		}
		def.Adjustment = 0
		def.Source = ""
		if err := store.UpsertPattern(ctx, def.Category, def.Name, def); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func storePath() string {
	if knowledgeDB != "" {
		return knowledgeDB
	}
	return filepath.Join(config.Dir, "knowledge.db")
}

func init() {
	knowledgeCmd.PersistentFlags().StringVar(&knowledgeDB, "db", "", "SQLite store path (default: .patternscan/knowledge.db)")
	knowledgeServeCmd.Flags().StringVar(&knowledgeServeAddr, "addr", ":7420", "Listen address")
	knowledgeQueryCmd.Flags().StringVar(&knowledgeQueryAddr, "addr", "", "Query a remote store instead of the local database")
	knowledgeSeedCmd.Flags().BoolVar(&knowledgeBuiltins, "builtins", false, "Seed the built-in patterns")
	knowledgeSeedCmd.Flags().StringSliceVar(&knowledgeFiles, "patterns", nil, "YAML pattern files to seed")

	knowledgeCmd.AddCommand(knowledgeServeCmd)
	knowledgeCmd.AddCommand(knowledgeSeedCmd)
	knowledgeCmd.AddCommand(knowledgeQueryCmd)
	rootCmd.AddCommand(knowledgeCmd)
}
