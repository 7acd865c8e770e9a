package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deckhand-ops/deckhand/internal/statusapi"
	"github.com/deckhand-ops/deckhand/pkg/model"
)

var (
	deployServicesPath string
	deployListen       string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Run a full deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, cleanup, err := buildApp(deployServicesPath)
		if err != nil {
			return err
		}
		defer cleanup()

		if deployListen != "" {
			srv := statusapi.New(app.orch, app.log)
			go func() {
				if err := srv.Run(cmd.Context(), deployListen); err != nil {
					app.log.Error("status server stopped", zap.Error(err))
				}
			}()
		}

		out := app.orch.Deploy(cmd.Context())
		fmt.Printf("deployment %s: %s\n", out.RunID, out.Outcome)
		if out.FailedPhase != "" {
			fmt.Printf("failed phase: %s\n", out.FailedPhase)
			fmt.Printf("error: %s\n", out.Error)
		}

		switch out.Outcome {
		case model.OutcomeSuccess, model.OutcomeSuccessWithFallback:
			return nil
		default:
			return &exitError{code: out.Outcome.ExitCode()}
		}
	},
}

func init() {
	deployCmd.Flags().StringVar(&deployServicesPath, "services", "", "path to a service graph YAML file")
	deployCmd.Flags().StringVar(&deployListen, "listen", "", "serve /healthz, /status and /metrics on this address during the run")
	rootCmd.AddCommand(deployCmd)
}
