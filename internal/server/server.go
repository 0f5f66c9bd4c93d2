package server

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"agent-portal/internal/config"
	"agent-portal/internal/router"
)

const (
	shutdownTimeout = 10 * time.Second

	// Delay proxies are told to wait before reconnecting, so a restarting
	// server is not hammered the instant it comes back.
	proxyReconnectDelay = 5 * time.Second
)

func NewHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Run serves until SIGINT or SIGTERM. On a signal every session router
// sends ServerShutdown to its connections and parks, then the HTTP server
// drains with a deadline.
func Run(srv *http.Server, cfg config.Config, reg *router.Registry) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		reg.Shutdown("server shutting down", proxyReconnectDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
