package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polystore/polystore/pkg/config"
	"github.com/polystore/polystore/pkg/service"
	"github.com/polystore/polystore/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the data access service",
		Long: `Start the data access service with the configured databases,
cache, transaction manager, and coordinator, and keep it running
until interrupted.`,
		Example: `  # Run with defaults (single in-memory database)
  polystore serve

  # Run with a settings file
  polystore serve --config ./polystore.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if verbose {
				settings.Logging.Level = "debug"
			}

			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  settings.Logging.Level,
				Format: settings.Logging.Format,
				Output: settings.Logging.Output,
			})
			if err != nil {
				return err
			}
			metrics, err := telemetry.NewMetrics(settings.Telemetry().Metrics)
			if err != nil {
				return err
			}
			tracer, err := telemetry.NewTracer(settings.Telemetry().Tracing,
				settings.Service.Name, settings.Service.Version, settings.Service.Environment)
			if err != nil {
				return err
			}

			svc, err := service.New(service.Options{
				Settings: settings,
				Logger:   logger,
				Metrics:  metrics,
				Tracer:   tracer,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := svc.Start(ctx); err != nil {
				return err
			}

			if configPath != "" {
				watcher, err := config.NewWatcher(configPath, func(updated *config.Settings) {
					// Database and cache topology only change on restart; the
					// reload keeps the running service on its current stores.
					logger.WithField("databases", len(updated.Databases)).
						Info("settings file changed; database changes take effect on restart")
				}, logger)
				if err != nil {
					return err
				}
				defer watcher.Close()
				go watcher.Run(ctx)
			}

			log.Info().Str("service", settings.Service.Name).Msg("Service running, press Ctrl+C to stop")

			<-ctx.Done()

			// the command context is already cancelled; give shutdown its own
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			err = svc.Shutdown(shutdownCtx)
			if ferr := tracer.Shutdown(shutdownCtx); ferr != nil && err == nil {
				err = ferr
			}
			return err
		},
	}
	return cmd
}
