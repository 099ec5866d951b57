package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Fldicoahkiin/cineflow/internal/config"
	"github.com/Fldicoahkiin/cineflow/internal/handlers"
	httpx "github.com/Fldicoahkiin/cineflow/internal/http"
	"github.com/Fldicoahkiin/cineflow/internal/idgen"
	"github.com/Fldicoahkiin/cineflow/internal/logging"
	"github.com/Fldicoahkiin/cineflow/internal/metrics"
	"github.com/Fldicoahkiin/cineflow/internal/models"
	"github.com/Fldicoahkiin/cineflow/internal/repo"
	"github.com/Fldicoahkiin/cineflow/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version はビルド時に -ldflags "-X main.version=..." で上書きされます
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cineflow-signaling",
		Short:         "WebRTC signaling server for cineflow watch rooms",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				fmt.Fprintf(os.Stderr, "config error: %v\n", err)
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
				return err
			}
			defer func() { _ = log.Sync() }()
			zap.ReplaceGlobals(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, log); err != nil {
				log.Error("server stopped with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	for _, w := range cfg.Warnings {
		log.Warn("config", zap.String("warning", w))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := handlers.NewHub(log)
	var svc *service.SignalingService
	m := metrics.New(reg, func() models.Status { return svc.Status() })
	svc = service.NewSignalingService(
		repo.NewMemoryConnectionRepo(),
		repo.NewMemoryRoomRepo(),
		hub,
		log,
		service.WithMetrics(m),
	)

	reaper := service.NewReaper(svc, cfg.ReapInterval, cfg.RoomMaxAge, log)
	go reaper.Run(ctx)

	var cluster handlers.ClusterSource
	publisherDone := make(chan struct{})
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     10,              // 接続プールサイズ
			MinIdleConns: 2,               // 最小アイドル接続数
			MaxRetries:   3,               // リトライ回数
			DialTimeout:  5 * time.Second, // 接続タイムアウト
			ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
			WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
		})
		defer rdb.Close()

		// Redisに繋がらなくてもシグナリング自体は継続する
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis not reachable, status mirror will retry", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		}
		cancel()

		instanceId := idgen.NewInstanceID()
		publisher := service.NewStatusPublisher(repo.NewRedisStatusRepo(rdb), svc, instanceId, cfg.StatusInterval, log.With(zap.String("instanceId", instanceId)))
		cluster = publisher
		go func() {
			defer close(publisherDone)
			publisher.Run(ctx)
		}()
	} else {
		close(publisherDone)
	}

	router := httpx.NewRouter(httpx.Handlers{
		Status: handlers.NewStatusHandler(svc, cluster, version, log),
		Room:   handlers.NewRoomHandler(svc),
		ICE:    handlers.NewICEHandler(cfg.ICEServers),
		WebSocket: handlers.NewWebSocketHandler(svc, hub, handlers.WebSocketOptions{
			AllowedOrigins:    cfg.AllowedOrigin,
			MaxMessageBytes:   cfg.WebSocket.MaxMessageBytes,
			MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
			MessageBurst:      cfg.WebSocket.MessageBurst,
			SendQueueSize:     cfg.WebSocket.SendQueueSize,
		}, m, log),
		Metrics: reg,
	}, cfg.AllowedOrigin, log)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// サーバーを別goroutineで起動
	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("addr", cfg.APIAddr),
			zap.String("version", version),
			zap.Int("iceServers", len(cfg.ICEServers)),
			zap.Bool("statusMirror", cfg.RedisAddr != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// シャットダウンシグナルかサーバーエラーを待つ
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, shutting down gracefully...")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// WebSocketはHijack済みでShutdownの対象外なので個別に閉じる
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}

	select {
	case <-publisherDone:
	case <-shutdownCtx.Done():
		log.Warn("status publisher did not stop before timeout")
	}

	log.Info("server stopped")
	return nil
}
