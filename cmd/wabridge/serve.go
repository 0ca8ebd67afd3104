package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wabridge/internal/config"
	"wabridge/internal/domain"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver",
		Long:  "Verifies and enqueues inbound WhatsApp webhooks. Jobs are processed by 'wabridge worker'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoles(true, false)
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker pool",
		Long:  "Dequeues jobs and answers each message through the intent and media services.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoles(false, true)
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run receiver and worker pool in one process",
		Long:  "Starts the webhook receiver and the worker pool against the same queue. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoles(true, true)
		},
	}
}

func runRoles(receiver, pool bool) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if receiver {
		if err := cfg.RequireReceiver(); err != nil {
			return err
		}
	}
	if pool {
		if err := cfg.RequireWorker(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	g, gctx := errgroup.WithContext(ctx)

	if receiver {
		srv := newServer(cfg, newReceiver(cfg, q))
		g.Go(func() error { return srv.Run(gctx) })
	}
	if pool {
		p, err := newPool(ctx, cfg, q)
		if err != nil {
			return err
		}
		g.Go(func() error { return p.Run(gctx) })
	}

	log.Info("wabridge started", "version", version, "receiver", receiver, "worker", pool, "queue", cfg.Queue.URL)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return result(err)
	case <-gctx.Done():
	}

	log.Info("shutting down, waiting for in-flight jobs")
	grace := shutdownGrace(cfg)
	select {
	case err := <-done:
		if err := result(err); err != nil {
			return err
		}
		log.Info("shutdown complete")
		return nil
	case <-time.After(grace):
		// Unfinished jobs keep their lease and are redelivered once it expires.
		log.Warn("shutdown timed out, abandoning in-flight jobs", "grace", grace)
		return fmt.Errorf("shutdown timed out after %s", grace)
	}
}

// shutdownGrace covers both the HTTP drain and a full job timeout.
func shutdownGrace(cfg *config.Config) time.Duration {
	return time.Duration(cfg.Server.ShutdownTimeoutSeconds+cfg.Queue.JobTimeoutSeconds) * time.Second
}

func result(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, domain.ErrQueueUnavailable) {
		log.Error("queue unavailable", "err", err)
	}
	return err
}
