package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/chatstate/pkg/llm"
	"github.com/harun/chatstate/pkg/provider"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var modelsFormat string

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models of every configured provider",
	RunE:  runModels,
}

func init() {
	modelsCmd.Flags().StringVar(&modelsFormat, "format", "table", "output format (table, json, yaml)")
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, _ []string) error {
	_, cfg, err := loadConfig(zerolog.Nop())
	if err != nil {
		return err
	}
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	registry, err := provider.NewFromConfig(ctx, cfg.Providers, zerolog.Nop())
	if err != nil {
		return err
	}
	models, err := registry.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	if modelsFormat == "table" {
		return writeModelsTable(cmd, models)
	}
	return writeOutput(cmd.OutOrStdout(), modelsFormat, models)
}

func writeModelsTable(cmd *cobra.Command, models []llm.ModelInfo) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tNAME")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.Provider, m.ID, m.DisplayName)
	}
	return w.Flush()
}
