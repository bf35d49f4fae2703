package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/patternscan/internal/config"
	"github.com/steveyegge/patternscan/internal/detection"
	"github.com/steveyegge/patternscan/internal/detectors"
)

var (
	detectPreset        string
	detectTypes         []string
	detectCategories    []string
	detectMinConfidence float64
	detectMaxResults    int
	detectMaxLevel      int
	detectTimeout       time.Duration
	detectFormat        string
	detectOutput        string
	detectPatternFiles  []string
	detectNoLearn       bool
	detectNoKnowledge   bool
	detectList          bool
)

var detectCmd = &cobra.Command{
	Use:   "detect [path]",
	Short: "Detect patterns in a repository",
	Long: `Run the pattern detectors over a repository and print what they find.

Detectors:
  service_architecture  microservices, monolith, modular monolith or distributed
  infrastructure        databases, message brokers, service meshes, caches, monitoring
  framework             web, application and runtime frameworks, build tools, ORMs
  technology            programming languages, build systems, container tooling
  layered               every registered pattern through every level

Flags override .patternscan/config.yaml, which overrides the preset.

Examples:
  patternscan detect                              # Scan the current directory
  patternscan detect ../api --preset=quick        # File and text evidence only
  patternscan detect --type=infrastructure        # One detector
  patternscan detect --category=database,caching  # Narrow the layered detector
  patternscan detect --format=json -o results.json
  patternscan detect --patterns=team-patterns.yaml`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if detectList {
			listDetectors()
			return
		}

		root := projectPath(args)
		cfg := loadConfig(root)
		applyDetectFlags(cmd, cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		rt, err := openRuntime(ctx, root, cfg, runtimeOptions{
			patternFiles: detectPatternFiles,
			noLearn:      detectNoLearn,
			noKnowledge:  detectNoKnowledge,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		report, err := rt.engine.DetectAll(ctx, root, detectTypes, cfg.Options())
		if closeErr := rt.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", closeErr)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := emitReport(Report(report), rt.engine.Types()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

// applyDetectFlags overlays explicitly set flags on cfg.
func applyDetectFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("preset") {
		preset := config.PresetConfig(config.Preset(detectPreset))
		cfg.Preset = preset.Preset
		cfg.MaxLevel = preset.MaxLevel
		cfg.Model.Enabled = preset.Model.Enabled
		cfg.Learning.Enabled = preset.Learning.Enabled
	}
	if flags.Changed("category") {
		cfg.Categories = detectCategories
	}
	if flags.Changed("min-confidence") {
		cfg.MinConfidence = detectMinConfidence
	}
	if flags.Changed("max-results") {
		cfg.MaxResults = detectMaxResults
	}
	if flags.Changed("max-level") {
		cfg.MaxLevel = detection.Level(detectMaxLevel)
	}
	if flags.Changed("timeout") {
		cfg.Timeout = detectTimeout
	}
}

func emitReport(report Report, order []string) error {
	out := os.Stdout
	if detectOutput != "" {
		f, err := os.Create(detectOutput)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	switch strings.ToLower(detectFormat) {
	case "json":
		return writeJSON(out, report)
	case "text", "":
		printReport(out, report, order)
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text or json)", detectFormat)
	}
}

func listDetectors() {
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	engine := detectors.NewStandardEngine(detectors.Deps{})
	fmt.Printf("\n%s\n\n", cyan("Available detectors:"))
	for _, t := range engine.Types() {
		d, _ := engine.Detector(t)
		fmt.Printf("  %-22s %s\n", t, gray(d.Description()))
	}
	fmt.Println()
}

func init() {
	detectCmd.Flags().StringVar(&detectPreset, "preset", "", "Preset: quick, standard or thorough")
	detectCmd.Flags().StringSliceVarP(&detectTypes, "type", "t", nil, "Detectors to run (default: all)")
	detectCmd.Flags().StringSliceVarP(&detectCategories, "category", "c", nil, "Registry categories for the layered detector")
	detectCmd.Flags().Float64Var(&detectMinConfidence, "min-confidence", 0.5, "Drop results below this confidence")
	detectCmd.Flags().IntVar(&detectMaxResults, "max-results", 0, "Maximum results per detector (0 = unlimited)")
	detectCmd.Flags().IntVar(&detectMaxLevel, "max-level", 0, "Deepest level to run, 1-5 (0 = all)")
	detectCmd.Flags().DurationVar(&detectTimeout, "timeout", 0, "Whole-scan deadline")
	detectCmd.Flags().StringVarP(&detectFormat, "format", "f", "text", "Output format: text or json")
	detectCmd.Flags().StringVarP(&detectOutput, "output", "o", "", "Write results to a file")
	detectCmd.Flags().StringSliceVar(&detectPatternFiles, "patterns", nil, "Additional YAML pattern files")
	detectCmd.Flags().BoolVar(&detectNoLearn, "no-learn", false, "Do not report results to the knowledge store")
	detectCmd.Flags().BoolVar(&detectNoKnowledge, "no-knowledge", false, "Do not use the knowledge store")
	detectCmd.Flags().BoolVar(&detectList, "list", false, "List available detectors")
	rootCmd.AddCommand(detectCmd)
}
