package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/relay/pkg/config"
	"github.com/tokmz/relay/pkg/logger"
)

// runServe 启动服务，收到 SIGINT/SIGTERM 后优雅退出
func runServe(parent context.Context, path string) error {
	var a *app
	reloads := make(chan *AppConfig, 1)

	watcher, cfg, err := loadConfig(path, func(c *config.Config) {
		next, err := decodeConfig(c)
		if err != nil {
			if a != nil {
				a.log.Warn("config reload rejected", zap.Error(err))
			}
			return
		}
		// 只保留最新一次
		select {
		case <-reloads:
		default:
		}
		reloads <- next
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	log, err := logger.New(&cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err = newApp(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	log.Info("relay starting",
		zap.String("version", version),
		zap.String("addr", cfg.HTTP.Server.Addr),
		zap.String("ws_path", cfg.WS.Path),
		zap.String("bus", string(cfg.Bus.Driver)),
		zap.Bool("fanout", a.hub.Fanout().Enabled()),
		zap.Bool("sessions_persisted", a.sessions != nil),
	)

	if watcher.ConfigFileUsed() != "" {
		if err := watcher.StartWatch(); err != nil {
			log.Warn("config watch disabled", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.hub.Run(gctx)
	})
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	for _, s := range a.sweepers {
		g.Go(func() error {
			s.RunCleanup(gctx, cfg.WS.Guard.CleanupInterval)
			return nil
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-reloads:
				a.reload(next)
			}
		}
	})

	<-gctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.Server.ShutdownTimeout)
	defer cancel()
	// 先断开 websocket 连接（1001）并写出会话摘要，再释放存储
	a.close(shutdownCtx)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("relay stopped with error", zap.Error(err))
		return err
	}
	log.Info("relay stopped")
	return nil
}
