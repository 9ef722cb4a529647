package cli

import (
	"fmt"
	"os"

	"github.com/harun/chatstate/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a config file holding the default settings to the --config path
(default $HOME/.chatstate/chatstate.yaml). Edit it to add providers and tool
servers, then run: chatstate serve`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(cfgFile, zerolog.Nop())
	path := loader.GetConfigPath()
	if path == "" {
		return fmt.Errorf("cannot resolve a config path, pass --config")
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", path)
	fmt.Fprintln(out, "Add a provider, then start the gateway with: chatstate serve")
	return nil
}
