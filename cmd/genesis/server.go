package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/genesis-cloud/genesis-core/pkg/api"
	"github.com/genesis-cloud/genesis-core/pkg/events"
	"github.com/genesis-cloud/genesis-core/pkg/iam"
	"github.com/genesis-cloud/genesis-core/pkg/log"
	"github.com/genesis-cloud/genesis-core/pkg/orchestrator"
	"github.com/genesis-cloud/genesis-core/pkg/scheduler"
	"github.com/genesis-cloud/genesis-core/pkg/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the control plane: API, orchestrator and event dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		initLogging(cfg)

		store, err := storage.Open(cfg.DB)
		if err != nil {
			return fmt.Errorf("failed to open storage: %v", err)
		}
		defer store.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		kernel := iam.NewKernel(store, cfg.IAM)
		if err := kernel.Bootstrap(ctx); err != nil {
			return fmt.Errorf("iam bootstrap failed: %v", err)
		}

		sched := scheduler.New(store, cfg.Orchestrator.AgentStale, cfg.SchedulerCapabilities()...)
		orch := orchestrator.New(store, sched, cfg.Orchestrator)
		orch.Start(ctx)
		defer orch.Stop()

		dispatcher := events.NewDispatcher(store, cfg.Events)
		events.SubscribeDefaults(dispatcher)
		dispatcher.Start(ctx)
		defer dispatcher.Stop()

		server := api.NewServer(cfg.API, store, kernel)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		logger := log.WithComponent("main")
		logger.Info().Msg("control plane is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return server.Stop(shutdownCtx)
	},
}
