package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/patternscan/internal/registry"
)

var (
	patternsCategory string
	patternsFiles    []string
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect the pattern registry",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered patterns",
	Long: `List the built-in patterns, plus any loaded with --patterns, grouped by category.

Examples:
  patternscan patterns list
  patternscan patterns list --category=database
  patternscan patterns list --patterns=team-patterns.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		reg := registry.NewWithBuiltins()
		for _, path := range patternsFiles {
			if err := loadPatternFile(reg, path); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		categories := reg.Categories()
		if patternsCategory != "" {
			categories = []string{patternsCategory}
		}
		total := 0
		for _, category := range categories {
			defs := reg.AllForCategory(category)
			if len(defs) == 0 {
				continue
			}
			fmt.Printf("\n%s\n", cyan(category))
			for _, def := range defs {
				total++
				fmt.Printf("  %-28s %s\n", def.Name, gray(signalSummary(def)))
			}
		}
		fmt.Printf("\n%d patterns\n", total)
	},
}

var patternsValidateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate YAML pattern files",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		failed := 0
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defs, err := registry.ParseDefinitions(data)
			if err != nil {
				fmt.Printf("%s %s: %v\n", red("✗"), path, err)
				failed++
				continue
			}
			for i := range defs {
				if err := registry.Validate(&defs[i]); err != nil {
					fmt.Printf("%s %s: %v\n", red("✗"), path, err)
					failed++
					continue
				}
				fmt.Printf("%s %s: %s\n", green("✓"), path, defs[i].ID())
			}
		}
		if failed > 0 {
			os.Exit(1)
		}
	},
}

// signalSummary counts a definition's signals by kind: "file×2 dependency×1".
func signalSummary(def registry.PatternDefinition) string {
	counts := make(map[registry.SignalKind]int)
	var order []registry.SignalKind
	for _, s := range def.Signals {
		if counts[s.Kind] == 0 {
			order = append(order, s.Kind)
		}
		counts[s.Kind]++
	}
	parts := make([]string, 0, len(order))
	for _, k := range order {
		parts = append(parts, fmt.Sprintf("%s×%d", k, counts[k]))
	}
	return strings.Join(parts, " ")
}

func init() {
	patternsListCmd.Flags().StringVarP(&patternsCategory, "category", "c", "", "Only list this category")
	patternsListCmd.Flags().StringSliceVar(&patternsFiles, "patterns", nil, "Additional YAML pattern files")
	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsValidateCmd)
	rootCmd.AddCommand(patternsCmd)
}
