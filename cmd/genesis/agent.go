package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/genesis-cloud/genesis-core/pkg/agent"
	"github.com/genesis-cloud/genesis-core/pkg/log"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a universal agent on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		initLogging(cfg)

		a, err := agent.New(cfg.Agent)
		if err != nil {
			return err
		}
		defer a.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		logger := log.WithAgentID(a.ID().String())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			cancel()
		}()

		logger.Info().Msg("universal agent starting")
		return a.Run(ctx)
	},
}
