// Package app builds the soaflow object graph from configuration. The API and
// the worker binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"soaflow/audit"
	"soaflow/auth"
	"soaflow/clients"
	"soaflow/config"
	"soaflow/db"
	"soaflow/finalize"
	"soaflow/httpapi"
	"soaflow/metrics"
	"soaflow/notify"
	"soaflow/org"
	"soaflow/outbox"
	"soaflow/soa"
)

// App holds the long-lived dependencies of one process.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	SOA     *soa.Service
	Auth    *auth.Service
	Files   *finalize.FSStore
	Metrics *metrics.Registry

	// JetStream is nil when no NATS URL is configured.
	JetStream jetstream.JetStream
	// Temporal is nil when no Temporal host is configured.
	Temporal client.Client

	closers []func()
}

// New connects to every configured backend. Close releases them.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.New()}

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, err
	}
	a.Pool = pool
	a.closers = append(a.closers, pool.Close)

	files, err := finalize.NewFSStore(cfg.Storage.Dir, cfg.Storage.BaseURL, []byte(cfg.Storage.URLKey))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Files = files

	var dispatcher soa.Dispatcher = notify.NewLogDispatcher(logger)
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("soaflow"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: connect nats: %w", err)
		}
		a.closers = append(a.closers, func() { _ = nc.Drain() })

		js, err := jetstream.New(nc)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: jetstream: %w", err)
		}
		if err := outbox.EnsureStream(ctx, js); err != nil {
			a.Close()
			return nil, err
		}
		a.JetStream = js
		dispatcher = notify.NewJetStreamDispatcher(js)
	}

	if cfg.Temporal.HostPort != "" {
		tc, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
			Logger:    tlog.NewStructuredLogger(logger),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: dial temporal: %w", err)
		}
		a.Temporal = tc
		a.closers = append(a.closers, tc.Close)
	}

	var renderer finalize.Renderer = finalize.SummaryRenderer{}
	if cfg.Renderer.URL != "" {
		renderer = finalize.NewHTTPRenderer(cfg.Renderer.URL, &http.Client{Timeout: cfg.Renderer.Timeout})
	}

	svc := soa.NewService(pool, soa.NewRepository(pool), audit.NewLog(audit.NewRepository(pool)), soa.Options{
		PublicBaseURL:    cfg.SOA.PublicBaseURL,
		LinkTTL:          cfg.SOA.LinkTTL,
		SignedURLTTL:     cfg.SOA.SignedURLTTL,
		FinalizeClaimTTL: cfg.SOA.FinalizeClaimTTL,
	}).
		WithDispatcher(dispatcher).
		WithAuthorizer(org.NewAuthorizer(org.NewRepository(pool))).
		WithClients(clients.NewDirectory(pool)).
		WithFinalizer(finalize.NewFinalizer(renderer, files, logger)).
		WithArtifactLinker(files).
		WithOutbox(outbox.NewWriter()).
		WithMetrics(a.Metrics).
		WithLogger(logger)
	if a.Temporal != nil {
		svc = svc.WithRetryScheduler(finalize.NewTemporalScheduler(a.Temporal))
	}
	a.SOA = svc

	a.Auth = auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret).WithSessionTTL(cfg.Auth.SessionTTL)
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Handler builds the HTTP routes.
func (a *App) Handler() http.Handler {
	return httpapi.NewServer(httpapi.Deps{
		SOA:                      a.SOA,
		Sessions:                 a.Auth,
		Accounts:                 a.Auth,
		Files:                    a.Files,
		Metrics:                  a.Metrics,
		Logger:                   a.Logger,
		PublicRateLimitPerMinute: a.Config.HTTP.PublicRateLimitPerMinute,
		Ready:                    a.Pool.Ping,
	}).Routes()
}

// Sweep runs one expiry pass and one finalization retry pass.
func (a *App) Sweep(ctx context.Context) error {
	batch := a.Config.SOA.SweepBatch
	expired, expireErr := a.SOA.ExpireDue(ctx, batch)
	if expired > 0 {
		a.Logger.Info("expired soa links", "count", expired)
	}
	retried, retryErr := a.SOA.RetryPendingFinalization(ctx, batch)
	if retried > 0 {
		a.Logger.Info("retried soa finalization", "count", retried)
	}
	return errors.Join(expireErr, retryErr)
}

// RunSweeps repeats the expiry and finalization sweeps on their configured
// intervals until ctx is cancelled.
func (a *App) RunSweeps(ctx context.Context) error {
	expiry := time.NewTicker(a.Config.SOA.ExpirySweepInterval)
	defer expiry.Stop()
	retry := time.NewTicker(a.Config.SOA.FinalizeSweepInterval)
	defer retry.Stop()

	batch := a.Config.SOA.SweepBatch
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-expiry.C:
			n, err := a.SOA.ExpireDue(ctx, batch)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("expiry sweep failed", "error", err)
			}
			if n > 0 {
				a.Logger.Info("expired soa links", "count", n)
			}
		case <-retry.C:
			n, err := a.SOA.RetryPendingFinalization(ctx, batch)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("finalize sweep failed", "error", err)
			}
			if n > 0 {
				a.Logger.Info("retried soa finalization", "count", n)
			}
		}
	}
}
