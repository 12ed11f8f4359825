package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bonzainsights/mragent/internal/api"
	"github.com/bonzainsights/mragent/internal/approval"
	"github.com/bonzainsights/mragent/internal/buildinfo"
)

// runServe starts the HTTP and WebSocket API and blocks until ctx ends.
// Approvals are answered by API clients through the broker.
func runServe(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := configuredLogger(stdout, cfg, opts)
	if err != nil {
		return err
	}
	logger.Info("starting MRAgent",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	a, err := newApp(ctx, cfg, logger, opts.model, opts.mode)
	if err != nil {
		return err
	}
	defer a.Close()

	// The broker announces its own requests (with the id clients answer
	// by), so the gate's pending hook stays unset here.
	broker := approval.NewBroker()
	a.gate.SetApprover(broker.Request)

	srv := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.session, a.router, broker, a.bus, logger)
	if a.archive != nil {
		srv.SetArchive(a.archive)
	}
	if a.usage != nil {
		srv.SetUsage(a.usage)
	}
	srv.SetHealth(a.health)
	a.watchProviders(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", "error", err)
	}
	return nil
}
