package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/webink/snapshot-server/api/pkg/config"
	"github.com/webink/snapshot-server/api/pkg/httpserver"
	"github.com/webink/snapshot-server/api/pkg/registry"
	"github.com/webink/snapshot-server/api/pkg/render"
	"github.com/webink/snapshot-server/api/pkg/snapshot"
	"github.com/webink/snapshot-server/api/pkg/socketserver"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the snapshot server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	reg, err := registry.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	log.Info().Int("devices", reg.Len()).Str("config_path", cfg.ConfigPath).Msg("loaded device registry")

	engine, err := render.New(cfg.Render)
	if err != nil {
		return err
	}
	defer engine.Close()

	waitCap := time.Duration(cfg.Render.PoolWaitTimeoutS+cfg.Render.NavigationTimeoutS+cfg.Cache.WaitGraceS) * time.Second
	cache := snapshot.New(engine, waitCap)

	httpSrv := httpserver.New(reg, cache, cfg.HTTP)
	socketSrv := socketserver.New(reg, cache, cfg.Socket)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.ListenAndServe(gctx) })
	g.Go(func() error { return socketSrv.ListenAndServe(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
