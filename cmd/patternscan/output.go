package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/steveyegge/patternscan/internal/detection"
)

// Report is the JSON document written by detect and read by learn.
type Report map[string][]detection.DetectionResult

func writeJSON(w io.Writer, report Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func readReport(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, detection.Wrap(detection.ErrIO, "read results", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, detection.Wrap(detection.ErrParse, "decode results", err)
	}
	for patternType, results := range report {
		for i := range results {
			if results[i].Metadata == nil {
				results[i].Metadata = map[string]any{}
			}
			if results[i].PatternType == "" {
				results[i].PatternType = patternType
			}
		}
	}
	return report, nil
}

// reportTypes returns the detector types of a report in the given order,
// followed by any others alphabetically.
func reportTypes(report Report, order []string) []string {
	seen := make(map[string]bool, len(report))
	var types []string
	for _, t := range order {
		if _, ok := report[t]; ok {
			types = append(types, t)
			seen[t] = true
		}
	}
	var rest []string
	for t := range report {
		if !seen[t] {
			rest = append(rest, t)
		}
	}
	sort.Strings(rest)
	return append(types, rest...)
}

func printReport(w io.Writer, report Report, order []string) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	total := 0
	for _, t := range reportTypes(report, order) {
		results := report[t]
		total += len(results)
		fmt.Fprintf(w, "\n%s\n", cyan(fmt.Sprintf("=== %s (%d) ===", t, len(results))))
		if len(results) == 0 {
			fmt.Fprintf(w, "  %s\n", gray("nothing detected"))
			continue
		}
		for _, r := range results {
			printResult(w, r)
		}
	}
	fmt.Fprintf(w, "\n%d patterns detected\n", total)
}

func printResult(w io.Writer, r detection.DetectionResult) {
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(w, "  %s %-28s %s  %s\n",
		confidenceColor(r.Confidence)("●"), r.Name, confidenceBar(r.Confidence), gray(r.PatternType))
	if r.Description != nil {
		fmt.Fprintf(w, "      %s\n", *r.Description)
	}
	if lvl, ok := r.Metadata[detection.MetaDetectionLevel].(string); ok {
		fmt.Fprintf(w, "      %s %s\n", gray("level:"), lvl)
	}
	if files := stringList(r.Metadata[detection.MetaConfigFiles]); len(files) > 0 {
		fmt.Fprintf(w, "      %s %s\n", gray("files:"), strings.Join(files, ", "))
	}
	if reason, ok := r.Metadata[detection.MetaReasoning].(string); ok && reason != "" {
		fmt.Fprintf(w, "      %s %s\n", gray("reasoning:"), reason)
	}
}

func confidenceColor(c float64) func(a ...interface{}) string {
	switch {
	case c >= 0.8:
		return color.New(color.FgGreen).SprintFunc()
	case c >= 0.5:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgRed).SprintFunc()
	}
}

// confidenceBar renders c as a ten-cell bar with the percentage.
func confidenceBar(c float64) string {
	filled := int(c*10 + 0.5)
	filled = max(0, min(filled, 10))
	return fmt.Sprintf("[%s%s] %3.0f%%", strings.Repeat("█", filled), strings.Repeat("░", 10-filled), c*100)
}

// stringList reads a metadata value that is []string in memory and
// []any after a JSON round trip.
func stringList(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, s := range vs {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
