// Command soaflow-worker runs the Temporal finalization worker and relays the
// outbox onto JetStream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"golang.org/x/sync/errgroup"

	"soaflow/app"
	"soaflow/config"
	"soaflow/finalize"
	"soaflow/outbox"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "soaflow-worker",
		Short:         "Finalization worker and outbox relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path (YAML)")
	return cmd
}

func run(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Temporal.HostPort == "" && cfg.NATS.URL == "" {
		return fmt.Errorf("worker: neither temporal.host_port nor nats.url is configured")
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)

	if a.Temporal != nil {
		w := worker.New(a.Temporal, finalize.TaskQueue, worker.Options{})
		w.RegisterWorkflow(finalize.FinalizeSOAWorkflow)
		w.RegisterActivity(&finalize.Activities{Finalizer: a.SOA})

		if err := w.Start(); err != nil {
			return fmt.Errorf("worker: start temporal worker: %w", err)
		}
		logger.Info("temporal worker started", "task_queue", finalize.TaskQueue)
		g.Go(func() error {
			<-gctx.Done()
			w.Stop()
			return nil
		})
	}

	if a.JetStream != nil {
		relay := outbox.NewRelay(a.Pool, outbox.NewStore(), a.JetStream).WithLogger(logger)
		logger.Info("outbox relay started", "stream", outbox.StreamName, "interval", cfg.NATS.RelayInterval)
		g.Go(func() error {
			return relay.Run(gctx, cfg.NATS.RelayInterval)
		})
	}

	return g.Wait()
}
