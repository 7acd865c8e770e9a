package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-service phase state and the last run's records",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := buildApp("")
		if err != nil {
			return err
		}
		defer cleanup()

		rep, err := app.orch.Status()
		if err != nil {
			return err
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		}

		if len(rep.Phases) == 0 {
			fmt.Println("never deployed")
		} else {
			services := make([]string, 0, len(rep.Phases))
			for s := range rep.Phases {
				services = append(services, s)
			}
			sort.Strings(services)
			for _, s := range services {
				fmt.Printf("%-12s %s\n", s, rep.Phases[s])
			}
		}

		if rep.LastOutcome != nil {
			fmt.Printf("last run:    %s (%s)\n", rep.LastOutcome.Outcome, rep.LastOutcome.FinishedAt.Format("2006-01-02 15:04:05"))
		}
		if rep.Certificate != nil {
			fmt.Printf("certificate: %s, expires %s\n", rep.Certificate.Strategy, rep.Certificate.NotAfter.Format("2006-01-02"))
		}
		if rep.LatestSnapshot != nil {
			fmt.Printf("snapshot:    %s (%s)\n", rep.LatestSnapshot.Label, rep.LatestSnapshot.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		if rep.LastMigration != nil {
			fmt.Printf("schema:      v%d (%s)\n", rep.LastMigration.Version, rep.LastMigration.SchemaDigest[:12])
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "emit machine-readable JSON")
	rootCmd.AddCommand(statusCmd)
}
