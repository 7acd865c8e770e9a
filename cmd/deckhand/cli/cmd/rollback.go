package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deckhand-ops/deckhand/internal/backup"
	"github.com/deckhand-ops/deckhand/internal/orchestrator"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the most recent snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := buildApp("")
		if err != nil {
			return err
		}
		defer cleanup()

		snap, err := app.orch.Rollback(cmd.Context())
		if err != nil {
			if errors.Is(err, orchestrator.ErrNoSnapshot) {
				return &exitError{code: exitFailed, err: err}
			}
			var rerr *backup.RollbackError
			if errors.As(err, &rerr) {
				return &exitError{code: exitRollbackFailed, err: rerr}
			}
			return err
		}

		fmt.Printf("restored snapshot %s (%s, taken %s)\n",
			snap.ID, snap.Label, snap.CreatedAt.Format("2006-01-02 15:04:05"))
		if !snap.HasDump {
			fmt.Println("note: snapshot carried configuration only, the datastore was not restored")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}
