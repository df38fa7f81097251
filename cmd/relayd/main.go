package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hongjun500/peerchat-go/internal/bus/redisstream"
	"github.com/hongjun500/peerchat-go/internal/config"
	"github.com/hongjun500/peerchat-go/internal/observe"
	"github.com/hongjun500/peerchat-go/internal/relay"
	"github.com/hongjun500/peerchat-go/pkg/logger"
)

func main() {
	cfg := config.Load()

	srv := relay.New(relay.Config{
		Addr:         cfg.ListenAddr,
		OutBuffer:    cfg.OutBuffer,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// 可选：在线状态导出到 Redis Stream，外面的存储层消费
	if cfg.RedisAddr != "" {
		bus := redisstream.New(cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream, cfg.RedisGroup)
		ctx := context.Background()
		_ = bus.EnsureGroup(ctx)
		srv.Registry().Subscribe(bus.PublishPresence(ctx))
		logger.L().Sugar().Infow("presence_export_enabled", "addr", cfg.RedisAddr, "stream", cfg.RedisStream)
	}

	// /metrics /healthz /ws
	go func() {
		mux := observe.NewMux()
		mux.Handle("/ws", srv.WSHandler())
		if err := observe.StartHTTP(cfg.HTTPAddr, mux); err != nil {
			logger.L().Sugar().Errorw("http_exit", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.L().Sugar().Infow("relayd_signal", "sig", sig.String())
		srv.Shutdown(5 * time.Second)
		cancel()
	}()

	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		logger.L().Sugar().Fatalw("relayd_exit", "err", err)
	}
}
