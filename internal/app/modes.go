package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nashlabs/lendmarket/internal/domain"
	"github.com/nashlabs/lendmarket/internal/server"
	"github.com/nashlabs/lendmarket/internal/server/handler"
	"github.com/nashlabs/lendmarket/internal/server/ws"
	"github.com/nashlabs/lendmarket/internal/settlement"
)

// ServerMode runs only the HTTP front end: GraphQL ingress, receive endpoint,
// health check, and the WebSocket hub.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	hub := a.startHub(ctx, g)
	a.startHTTPServer(ctx, g, deps, hub)
	return g.Wait()
}

// SettleMode runs one lock-guarded settlement pass and exits, so external
// schedulers can invoke the binary as a batch job. A pass already running
// elsewhere is treated as success.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	runner := a.newSettlementRunner(deps, nil)
	if _, err := runner.RunOnce(ctx); err != nil && !errors.Is(err, domain.ErrLockHeld) {
		return err
	}
	return nil
}

// FullMode runs the HTTP front end and the settlement loop together, with
// settlement events streamed to WebSocket clients.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	hub := a.startHub(ctx, g)
	a.startHTTPServer(ctx, g, deps, hub)
	a.startSettlementRunner(ctx, g, deps, hub)
	return g.Wait()
}

// startHub starts the WebSocket hub when the server is enabled.
func (a *App) startHub(ctx context.Context, g *errgroup.Group) *ws.Hub {
	if !a.cfg.Server.Enabled {
		return nil
	}
	hub := ws.NewHub(a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})
	return hub
}

// startHTTPServer adds the HTTP server and its shutdown watcher to the group.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, hub *ws.Hub) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled")
		return
	}

	srv := server.NewServer(
		server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
		},
		server.Handlers{
			GraphQL: deps.Gateway,
			Receive: handler.NewReceiveHandler(a.cfg.Ingest.Password, a.cfg.Ingest.SharedSecret, a.logger),
			Health:  handler.NewHealthHandler(a.logger),
		},
		hub,
		a.logger,
	)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}

// newSettlementRunner builds the lock-guarded runner from the wired
// dependencies. events may be nil when no hub is running.
func (a *App) newSettlementRunner(deps *Dependencies, events settlement.Broadcaster) *settlement.Runner {
	var alerts settlement.Alerter
	if deps.Notifier != nil {
		alerts = deps.Notifier
	}
	// A nil *ws.Hub must stay a nil interface.
	if hub, ok := events.(*ws.Hub); ok && hub == nil {
		events = nil
	}

	return settlement.NewRunner(
		deps.Engine,
		deps.LockManager,
		deps.BlobWriter,
		alerts,
		events,
		settlement.RunnerConfig{
			Interval: a.cfg.Settlement.Interval.Duration,
			LockTTL:  a.cfg.Settlement.LockTTL.Duration,
		},
		a.logger,
	)
}

// startSettlementRunner adds the periodic settlement loop to the group.
func (a *App) startSettlementRunner(ctx context.Context, g *errgroup.Group, deps *Dependencies, events settlement.Broadcaster) {
	runner := a.newSettlementRunner(deps, events)
	g.Go(func() error {
		return runner.Start(ctx)
	})
}
