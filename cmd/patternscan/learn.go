package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/patternscan/internal/detection"
)

var learnMinConfidence float64

var errNoStore = errors.New("learning needs a knowledge store: set knowledge.address or knowledge.db_path")

var learnCmd = &cobra.Command{
	Use:   "learn <results.json> [path]",
	Short: "Report saved detection results to the knowledge store",
	Long: `Publish results written by 'detect --format=json' to the knowledge store, the
same way confirmed detections are reported during a scan. Each published result
nudges the confidence adjustment of its pattern.

Examples:
  patternscan detect --format=json -o results.json
  patternscan learn results.json
  patternscan learn results.json --min-confidence=0.8`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		report, err := readReport(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		report = filterReport(report, learnMinConfidence)

		root := projectPath(args[1:])
		cfg := loadConfig(root)
		cfg.Learning.Enabled = true

		ctx := context.Background()
		rt, err := openRuntime(ctx, root, cfg, runtimeOptions{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if rt.learning == nil {
			_ = rt.Close()
			fmt.Fprintf(os.Stderr, "Error: %v\n", errNoStore)
			os.Exit(1)
		}

		learnErr := rt.engine.LearnAll(ctx, report)
		if err := rt.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		if learnErr != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", learnErr)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Reported %d results\n", green("✓"), countResults(report))
	},
}

// filterReport drops results below minConfidence and engine placeholders.
func filterReport(report Report, minConfidence float64) Report {
	out := make(Report, len(report))
	for t, results := range report {
		var kept []detection.DetectionResult
		for _, r := range results {
			if r.Confidence < minConfidence || r.Metadata[detection.MetaStatus] == detection.StatusUnknown {
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) > 0 {
			out[t] = kept
		}
	}
	return out
}

func countResults(report Report) int {
	n := 0
	for _, results := range report {
		n += len(results)
	}
	return n
}

func init() {
	learnCmd.Flags().Float64Var(&learnMinConfidence, "min-confidence", 0, "Only report results at or above this confidence")
	rootCmd.AddCommand(learnCmd)
}
