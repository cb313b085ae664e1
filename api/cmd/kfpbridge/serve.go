package kfpbridge

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kfpbridge/kfpbridge/api/pkg/config"
	"github.com/kfpbridge/kfpbridge/api/pkg/proxy"
	"github.com/kfpbridge/kfpbridge/api/pkg/server"
	"github.com/kfpbridge/kfpbridge/api/pkg/system"
)

func newServeConfig() (*config.ServerConfig, error) {
	serverConfig, err := config.LoadServerConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load server config: %v", err)
	}

	if serverConfig.Auth.Mode == "cookie" && serverConfig.Bridge.Secret == "" {
		return nil, fmt.Errorf("cookie auth requires BRIDGE_SECRET to be set")
	}

	return &serverConfig, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the kfpbridge gateway.",
		Long:  "Start the kfpbridge gateway.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := newServeConfig()
			if err != nil {
				return err
			}
			if err := serve(cmd, cfg); err != nil {
				log.Fatal().Err(err).Msg("failed to run server")
			}
			return nil
		},
	}
}

func serve(cmd *cobra.Command, cfg *config.ServerConfig) error {
	system.SetupLogging()

	// Context ensures main goroutine waits until killed with ctrl+c:
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	proxy.MustRegisterMetrics()

	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}

	return srv.ListenAndServe(ctx)
}
