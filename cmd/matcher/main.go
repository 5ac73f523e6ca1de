package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-frame-sync/internal/auth"
	"github.com/koopa0/system-design/14-frame-sync/internal/config"
	"github.com/koopa0/system-design/14-frame-sync/internal/match"
	"github.com/koopa0/system-design/14-frame-sync/internal/notify"
	"github.com/koopa0/system-design/14-frame-sync/internal/rpc"
	"github.com/koopa0/system-design/14-frame-sync/internal/session"
	"github.com/koopa0/system-design/14-frame-sync/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "配置檔案路徑")
		logLevel   = flag.String("log-level", "", "日誌級別，覆蓋配置檔 (debug, info, warn, error)")
		memory     = flag.Bool("memory", false, "不連接 PostgreSQL/Redis/NATS，使用記憶體儲存（單機開發用）")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("載入配置失敗", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Format)

	var (
		store    match.Store
		sessions session.Store
		resolver auth.Resolver
		pool     *pgxpool.Pool
		rdb      *redis.Client
		nc       *nats.Conn
	)

	if *memory {
		store = match.NewMemoryStore()
		resolver = auth.NewMemoryResolver()
	} else {
		pool, err = setupPostgres(cfg, log)
		if err != nil {
			log.Error("初始化 PostgreSQL 失敗", "error", err)
			os.Exit(1)
		}
		store = match.NewPostgresStore(pool)

		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		sessions = session.NewRedisStore(rdb, cfg.Redis.SessionTTL)
		resolver = auth.NewRedisResolver(rdb)
	}

	coordinator := match.NewCoordinator(
		store,
		rpc.NewRoomClient(nil, cfg.Matcher.SharedToken),
		sessions,
		match.Options{
			MatchSize: cfg.Matcher.MatchSize,
			RoomSize:  cfg.Room.MaxUsers,
			ServerTTL: cfg.Matcher.ServerTTL,
			MatchTTL:  cfg.Matcher.MatchTTL,
		},
		log,
	)

	// 房間清除事件：同一 queue group 的協調器實例只有一個會處理
	if !*memory && cfg.NATS.URL != "" {
		nc, err = notify.Connect(cfg.NATS.URL, log)
		if err != nil {
			log.Warn("NATS 不可用，只依賴 RPC 通知", "error", err)
		} else if _, err := notify.Subscribe(nc, cfg.NATS.Subject, "matcher", log, coordinator.HandleEvent); err != nil {
			log.Warn("訂閱房間事件失敗", "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/", match.NewHandler(coordinator, resolver, log).Routes())
	rpcPath, rpcHandler := rpc.NewMatcherServiceHandler(
		rpc.NewMatcherService(coordinator, cfg.Matcher.HeartbeatInterval, log),
		cfg.Matcher.SharedToken,
	)
	mux.Handle(rpcPath, rpcHandler)

	server := &http.Server{
		Addr:              cfg.Matcher.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := context.WithCancel(context.Background())
	go coordinator.Run(ctx, cfg.Matcher.HeartbeatInterval)

	go func() {
		log.Info("配對協調器啟動",
			"addr", cfg.Matcher.Addr,
			"match_size", cfg.Matcher.MatchSize,
			"server_ttl", cfg.Matcher.ServerTTL)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("收到關閉信號，開始優雅關閉...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	if nc != nil {
		_ = nc.Drain()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if pool != nil {
		pool.Close()
	}

	log.Info("服務器已關閉")
}

// setupPostgres 執行遷移並建立連線池
func setupPostgres(cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.PostgresDSN()

	migrator, err := match.NewMigrator(dsn, log)
	if err != nil {
		return nil, err
	}
	defer func() { _ = migrator.Close() }()
	if err := migrator.Up(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
