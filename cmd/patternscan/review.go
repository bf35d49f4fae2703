package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/patternscan/internal/detectors"
)

var reviewTypes []string

var reviewCmd = &cobra.Command{
	Use:   "review [path]",
	Short: "Confirm detections interactively and report them",
	Long: `Scan a repository, then walk through each detection and confirm or reject it.
Confirmed detections are reported to the knowledge store regardless of their
confidence, which raises the pattern's adjustment for future scans.

At each prompt:
  y   confirm and report
  n   reject
  q   stop reviewing`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		root := projectPath(args)
		cfg := loadConfig(root)
		cfg.Learning.Enabled = true
		// Only confirmed results are reported.
		cfg.Learning.ReportThreshold = 0

		ctx := context.Background()
		rt, err := openRuntime(ctx, root, cfg, runtimeOptions{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rt.Close()
		if rt.learning == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", errNoStore)
			return
		}

		report, err := rt.engine.DetectAll(ctx, root, reviewTypes, cfg.Options())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}

		confirmed, rejected, err := reviewReport(ctx, rt.engine, Report(report))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		fmt.Printf("\n%d confirmed, %d rejected\n", confirmed, rejected)
	},
}

func reviewReport(ctx context.Context, engine *detectors.Engine, report Report) (confirmed, rejected int, err error) {
	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cyan("confirm? [y/n/q] "),
		InterruptPrompt: "^C",
		EOFPrompt:       "q",
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	for _, t := range reportTypes(report, engine.Types()) {
		d, ok := engine.Detector(t)
		if !ok {
			continue
		}
		for _, r := range report[t] {
			fmt.Println()
			printResult(os.Stdout, r)

			answer, err := prompt(rl)
			if err != nil {
				return confirmed, rejected, err
			}
			switch answer {
			case answerYes:
				if err := d.LearnPattern(ctx, r); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
					continue
				}
				confirmed++
			case answerNo:
				rejected++
			case answerQuit:
				return confirmed, rejected, nil
			}
		}
	}
	return confirmed, rejected, nil
}

type answer int

const (
	answerYes answer = iota
	answerNo
	answerQuit
)

func prompt(rl *readline.Instance) (answer, error) {
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return answerQuit, nil
		}
		if err != nil {
			return answerQuit, err
		}
		if a, ok := parseAnswer(line); ok {
			return a, nil
		}
		fmt.Println("Please answer y, n or q.")
	}
}

func parseAnswer(line string) (answer, bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return answerYes, true
	case "n", "no":
		return answerNo, true
	case "q", "quit", "exit":
		return answerQuit, true
	default:
		return answerNo, false
	}
}

func init() {
	reviewCmd.Flags().StringSliceVarP(&reviewTypes, "type", "t", nil, "Detectors to run (default: all)")
	rootCmd.AddCommand(reviewCmd)
}
