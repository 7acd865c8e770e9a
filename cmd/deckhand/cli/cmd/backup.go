package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backupLabel string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Take a snapshot of the datastore and active configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := buildApp("")
		if err != nil {
			return err
		}
		defer cleanup()

		snap, err := app.orch.Backup(cmd.Context(), backupLabel)
		if err != nil {
			return err
		}

		fmt.Printf("snapshot %s created in %s\n", snap.ID, snap.Dir)
		if !snap.HasDump {
			fmt.Println("warning: datastore dump failed, snapshot carries configuration only")
		}
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVar(&backupLabel, "label", "manual", "label recorded with the snapshot")
	rootCmd.AddCommand(backupCmd)
}
