package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/patternscan/internal/config"
)

var (
	configForce  bool
	configPreset string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage .patternscan/config.yaml",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented config file",
	Long: `Create .patternscan/config.yaml in the project. Without --preset the file is the
commented example; with --preset it is that preset's full configuration.

Examples:
  patternscan config init
  patternscan config init --preset=thorough
  patternscan config init --force            # Overwrite an existing file`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		root := projectPath(args)
		path := config.Path(root)
		if _, err := os.Stat(path); err == nil && !configForce {
			fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", path)
			os.Exit(1)
		}

		if configPreset != "" {
			if err := config.Save(root, config.PresetConfig(config.Preset(configPreset))); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				fmt.Fprintf(os.Stderr, "Error: creating %s directory: %v\n", config.Dir, err)
				os.Exit(1)
			}
			if err := os.WriteFile(path, []byte(config.ExampleConfigFile()), 0644); err != nil {
				fmt.Fprintf(os.Stderr, "Error: writing config file: %v\n", err)
				os.Exit(1)
			}
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s Wrote %s\n", green("✓"), cyan(path))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Print the resolved configuration",
	Long:  `Print the configuration after the preset, the config file and PATTERNSCAN_* environment variables are applied.`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(projectPath(args))
		file := config.ToFile(cfg)
		out, err := yaml.Marshal(&file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(string(out))
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
	configInitCmd.Flags().StringVar(&configPreset, "preset", "", "Write this preset's configuration: quick, standard or thorough")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
