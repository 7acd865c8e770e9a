package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deckhand-ops/deckhand/internal/bootstrap"
	"github.com/deckhand-ops/deckhand/internal/config"
)

var validateServicesPath string

// validateCmd checks everything that can be checked without touching the
// host: configuration completeness, service graph shape, and a dry run of
// the schema migrations against an in-memory store.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and the service graph without deploying",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return &exitError{code: exitValidation, err: err}
		}

		if err := cfg.Validate(); err != nil {
			var verr *config.ValidationError
			if errors.As(err, &verr) {
				keys := make([]string, 0, len(verr.Fields))
				for k := range verr.Fields {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Println("configuration invalid:")
				for _, k := range keys {
					fmt.Printf("  %s: %s\n", k, verr.Fields[k])
				}
				return &exitError{code: exitValidation}
			}
			return &exitError{code: exitValidation, err: err}
		}

		if _, err := loadGraph(cfg, validateServicesPath); err != nil {
			fmt.Printf("service graph invalid: %v\n", err)
			return &exitError{code: exitValidation}
		}

		// Dry-run the migrations so schema mistakes surface here instead
		// of mid-deployment.
		boot := bootstrap.New(bootstrap.NewMemStore(), zap.NewNop())
		if _, err := boot.Apply(cmd.Context(), bootstrap.Baseline(cfg.Domain, "admin", cfg.SessionSecret)); err != nil {
			fmt.Printf("migration dry run failed: %v\n", err)
			return &exitError{code: exitValidation}
		}

		fmt.Println("configuration OK")
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateServicesPath, "services", "", "path to a service graph YAML file")
	rootCmd.AddCommand(validateCmd)
}
