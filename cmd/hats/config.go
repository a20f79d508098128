package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or migrate hats.yml/ralph.yml",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configMigrateCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the normalized configuration",
	Long: `Load hats.yml/ralph.yml (in either the legacy flat shape or the
nested v2 shape), normalize it, and print the result as YAML. Useful
for checking what the legacy-to-nested normalization and default-value
fill-in actually produced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var configMigrateOutPath string

var configMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Rewrite a legacy flat config as the nested v2 shape",
	Long: `Read hats.yml/ralph.yml, normalize it to the nested v2 shape, and
write the result back out — so a project written against the legacy
flat config can be migrated once and stop relying on the
backward-compatible reader.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.SuppressLegacyWarnings = true

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}

		path := configMigrateOutPath
		if path == "" {
			path = "hats.yml"
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return fmt.Errorf("config migrate: write %s: %w", path, err)
		}
		fmt.Printf("wrote normalized config to %s\n", path)
		return nil
	},
}

func init() {
	configMigrateCmd.Flags().StringVar(&configMigrateOutPath, "out", "", "output path (default hats.yml)")
}
