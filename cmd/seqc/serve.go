package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/JohnLonginotto/SeQC/internal/api"
	"github.com/JohnLonginotto/SeQC/internal/observability/metrics"
	"github.com/JohnLonginotto/SeQC/internal/query"
	"github.com/JohnLonginotto/SeQC/pkg/logger"
)

func newServeCmd(a *app) *cobra.Command {
	var addr, static string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored results over HTTP for the plotting front-end",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.load(false); err != nil {
				return err
			}
			defer logger.Sync()
			if cmd.Flags().Changed("addr") {
				a.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("static") {
				a.cfg.Server.StaticDir = static
			}
			return runServe(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides the settings table")
	cmd.Flags().StringVar(&static, "static", "", "directory with the front-end files")
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	log := logger.Named("serve")
	store, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, _, err := a.registry()
	if err != nil {
		return err
	}

	cache, closeCache, err := a.queryCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()
	svc, err := query.NewService(store, reg,
		query.WithCache(cache, a.cfg.Cache.TTL),
		query.WithLogger(logger.Named("query")))
	if err != nil {
		return err
	}

	addr := a.cfg.Server.Addr
	if addr == "" {
		settings, err := store.Settings(ctx)
		if err != nil {
			return err
		}
		addr = api.ListenAddress(settings)
	}
	log.Info("启动查询服务", slog.String("addr", addr), slog.String("cache", a.cfg.Cache.Driver))

	server := api.NewServer(addr, svc,
		api.WithMetrics(metrics.Default()),
		api.WithStaticDir(a.cfg.Server.StaticDir),
		api.WithLogger(logger.Named("api")))
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// queryCache 按配置创建查询结果缓存。
func (a *app) queryCache(ctx context.Context) (query.Cache, func(), error) {
	if a.cfg.Cache.Driver == "redis" {
		cache, err := query.NewRedisCache(ctx, a.cfg.Cache.Redis)
		if err != nil {
			return nil, nil, err
		}
		return cache, func() { _ = cache.Close() }, nil
	}
	return query.NewMemoryCache(a.cfg.Cache.MaxEntries), func() {}, nil
}
