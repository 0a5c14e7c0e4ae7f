package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a settings file",
		Long: `Parse and validate a settings file without starting anything.
Defaults are applied before validation, so the printed settings are
exactly what serve would run with.`,
		Example: `  # Validate the default config flag
  polystore validate --config ./polystore.yaml

  # Validate an explicit path and show the effective settings
  polystore validate ./polystore.yaml --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no settings file given")
			}

			settings, err := config.Load(path)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(settings, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			fmt.Printf("%s: valid (%d database(s))\n", path, len(settings.Databases))
			return nil
		},
	}
	return cmd
}
