package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newSyncCmd())
}

func newSyncCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronisation pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.pass(cmd.Context(), scope)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d, deleted %d, renamed %d, conflicts %d, skipped %d, failed %d\n",
				len(report.Created), len(report.Updated), len(report.Deleted), len(report.Renamed),
				len(report.Conflicts), len(report.Skipped), len(report.Failed))
			if report.HasFailures() {
				return fmt.Errorf("%w: %d", errPassFailures, len(report.Failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "sync only this folder, relative to the root")
	return cmd
}
