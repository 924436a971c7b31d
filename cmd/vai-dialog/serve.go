package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-dialog/pkg/gateway/broadcast"
	"github.com/vango-go/vai-dialog/pkg/gateway/config"
	"github.com/vango-go/vai-dialog/pkg/gateway/handlers"
	"github.com/vango-go/vai-dialog/pkg/gateway/lifecycle"
	gatewayserver "github.com/vango-go/vai-dialog/pkg/gateway/server"
)

func newServeCommand(v *viper.Viper, deps cliDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the transcript gateway (relay ingress, history and subscriber websockets)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, sync, err := setup(cmd, v, deps)
			if err != nil {
				return err
			}
			defer func() { _ = sync() }()
			return runServe(cmd.Context(), cfg, logger, deps)
		},
	}
}

// hubRuntime is the broadcast service with its optional durable store.
type hubRuntime struct {
	hub   *broadcast.Service
	store transcriptStore
}

func (r hubRuntime) pinger() handlers.Pinger {
	if r.store == nil {
		return nil
	}
	return r.store
}

func (r hubRuntime) close(logger *slog.Logger) {
	if err := r.hub.Close(); err != nil {
		logger.Warn("close broadcast service", "error", err)
	}
	if r.store != nil {
		r.store.Close()
	}
}

// openHub opens and migrates the store when configured and builds the
// broadcast service on top of it.
func openHub(ctx context.Context, cfg config.Config, logger *slog.Logger, deps cliDeps) (hubRuntime, error) {
	var rt hubRuntime
	var durable broadcast.Store
	if cfg.DatabaseURL != "" {
		st, err := deps.openStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return rt, fmt.Errorf("open transcript store: %w", err)
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return rt, fmt.Errorf("migrate transcript store: %w", err)
		}
		rt.store = st
		durable = st
	}
	rt.hub = broadcast.New(cfg.Broadcast(), broadcast.Dependencies{Store: durable, Logger: logger})
	return rt, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger, deps cliDeps) error {
	lc := &lifecycle.Lifecycle{}
	lc.SetReady(false)

	rt, err := openHub(ctx, cfg, logger, deps)
	if err != nil {
		return err
	}
	defer rt.close(logger)

	gw := gatewayserver.New(cfg, gatewayserver.Dependencies{
		Hub:       rt.hub,
		Store:     rt.pinger(),
		Lifecycle: lc,
		Logger:    logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.hub.Run(gctx) })
	serveGateway(gctx, g, cfg, gw, lc, logger)
	return g.Wait()
}

// serveGateway runs the HTTP server on g and drains it once ctx ends.
func serveGateway(ctx context.Context, g *errgroup.Group, cfg config.Config, gw *gatewayserver.Server, lc *lifecycle.Lifecycle, logger *slog.Logger) {
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	g.Go(func() error {
		logger.Info("starting gateway", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "store", cfg.DatabaseURL != "")
		lc.SetReady(true)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down gateway")

		gw.SetDraining()
		gw.WarnSubscribersDraining()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		if !gw.WaitSubscribers(shutdownCtx) {
			gw.CancelSubscribers()
		}
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		logger.Info("gateway stopped")
		return nil
	})
}
