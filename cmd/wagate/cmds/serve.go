package cmds

import (
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"wagate/internal/api"
	"wagate/internal/backends"
	"wagate/internal/session"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and keep device sessions connected",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stopSignals()

			devices, cache, auth, err := stores(ctx)
			if err != nil {
				return err
			}
			publisher, err := backends.Publisher(ctx, cfg)
			if err != nil {
				return err
			}
			eng, release, err := engine()
			if err != nil {
				return err
			}
			defer release()

			m := session.NewManager(session.Options{
				Devices:     devices,
				Cache:       cache,
				Auth:        auth,
				Engine:      eng,
				Publisher:   publisher,
				NotifyTopic: cfg.SNSTopicArn,
			})
			if err := m.Start(ctx); err != nil {
				return err
			}
			defer m.Close()

			gw := session.NewGateway(m.Registry(), session.Normalizer{
				TrunkPrefix: cfg.TrunkPrefix,
				CountryCode: cfg.CountryCode,
			})
			stop, done := api.RunServerInterruptible(cfg.Port, api.NewHandler(m, gw, cfg.APIKey))
			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				log.Info("shutting down")
				close(stop)
				return <-done
			}
		},
	}
}

