package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/fieldq/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file, .env and
FIELDQ_* environment variables are applied. The API token is masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		out, err := config.Render(cfg, format)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if file := loader.ConfigFile(); file != "" {
			fmt.Fprintf(w, "# %s\n", file)
		}
		_, err = w.Write(out)
		return err
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", config.FormatYAML, "Output format (yaml, toml)")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
