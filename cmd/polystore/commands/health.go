package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/pkg/service"
	"github.com/polystore/polystore/pkg/telemetry"
)

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the health of all configured databases",
		Long: `Bring up the configured stores, probe each one, and report
per-database health. Exits non-zero when no database is healthy.`,
		Example: `  polystore health --config ./polystore.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			svc, err := service.New(service.Options{
				Settings: settings,
				Logger:   telemetry.NewNopLogger(),
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := svc.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = svc.Shutdown(ctx) }()

			status := svc.CheckHealth(ctx)
			if jsonOutput {
				out, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			} else {
				for name, healthy := range status.Databases {
					state := "healthy"
					if !healthy {
						state = "unhealthy"
					}
					fmt.Printf("%-20s %s\n", name, state)
				}
			}

			if !status.Healthy {
				return fmt.Errorf("no healthy database")
			}
			return nil
		},
	}
	return cmd
}
