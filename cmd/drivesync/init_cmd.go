package main

import (
	"fmt"

	"github.com/openmined/drivesync/internal/config"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newInitCmd())
}

// newInitCmd writes the settings gathered from flags, environment and any
// existing file to the config file, so later runs need no flags.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Validate the given settings and save them as the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			cfg.Path, _ = cmd.Flags().GetString("config")
			if cfg.Path == "" {
				cfg.Path = config.DefaultConfigPath
			}
			if err := cfg.Save(); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config saved to %s\n", cfg.Path)
			return nil
		},
	}
}
