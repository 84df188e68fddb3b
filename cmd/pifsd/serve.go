package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the PIFS HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfgFile)
		},
	}
}

func runServe(ctx context.Context, cfgPath string) error {
	a, err := newApp(ctx, cfgPath)
	if err != nil {
		return err
	}

	svc, err := a.httpService()
	if err != nil {
		return err
	}

	root := http.NewServeMux()
	root.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
	root.Handle("/", svc.Handler())

	srv := &http.Server{
		Addr:    a.cfg.ListenAddr,
		Handler: root,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		a.logs.main.Info().Str("addr", a.cfg.ListenAddr).Msg("pifsd: listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		a.logs.main.Info().Msg("pifsd: shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
