package cmds

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"wagate/internal/backends"
	"wagate/internal/config"
	"wagate/internal/engine/fake"
	"wagate/internal/engine/mqttengine"
	"wagate/internal/mqtt"
	"wagate/internal/ports"
	"wagate/internal/session"
)

const demoPairDelay = 5 * time.Second

var (
	envFile    string
	configFile string
	cfg        config.Config
)

func Execute() error {
	root := &cobra.Command{
		Use:           "wagate",
		Short:         "Multi-device messaging gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.LoadEnvFile(envFile)
			var err error
			cfg, err = config.Load(configFile)
			if err != nil {
				return err
			}
			cfg.ConfigureLogging()
			return nil
		},
	}

	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file (default $ENV_FILE or .env)")
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")

	root.AddCommand(serveCmd(), devicesCmd(), reconcileCmd())
	return root.Execute()
}

// stores opens the device store and the session cache with its auth store.
func stores(ctx context.Context) (ports.DeviceStore, *session.Cache, ports.AuthStore, error) {
	devices, err := backends.DeviceBackend(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	blobs, auth, err := backends.SessionBackends(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return devices, session.NewCache(blobs), auth, nil
}

// engine builds the configured engine and returns a release func for its transport.
func engine() (ports.Engine, func(), error) {
	if cfg.Engine == config.EngineFake {
		return fake.NewDemo(demoPairDelay), func() {}, nil
	}
	bus, err := mqtt.New(cfg.MQTTBrokerURL, "wagate")
	if err != nil {
		return nil, nil, err
	}
	return mqttengine.New(bus, cfg.MQTTPrefix, cfg.RequestTimeout), bus.Close, nil
}
