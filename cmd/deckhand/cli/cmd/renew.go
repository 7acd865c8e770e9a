package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var renewForce bool

var renewCmd = &cobra.Command{
	Use:   "renew-certificate",
	Short: "Renew the TLS certificate when inside the renewal window",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := buildApp("")
		if err != nil {
			return err
		}
		defer cleanup()

		rec, renewed, err := app.orch.RenewCertificate(cmd.Context(), renewForce)
		if err != nil {
			return err
		}
		if !renewed {
			fmt.Printf("certificate for %s valid until %s, renewal not needed\n",
				rec.Domain, rec.NotAfter.Format("2006-01-02"))
			return nil
		}
		fmt.Printf("certificate for %s renewed (%s), expires %s\n",
			rec.Domain, rec.Strategy, rec.NotAfter.Format("2006-01-02"))
		return nil
	},
}

func init() {
	renewCmd.Flags().BoolVar(&renewForce, "force", false, "renew regardless of the renewal window")
	rootCmd.AddCommand(renewCmd)
}
