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

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-frame-sync/internal/api"
	"github.com/koopa0/system-design/14-frame-sync/internal/auth"
	"github.com/koopa0/system-design/14-frame-sync/internal/config"
	"github.com/koopa0/system-design/14-frame-sync/internal/framesync"
	"github.com/koopa0/system-design/14-frame-sync/internal/notify"
	"github.com/koopa0/system-design/14-frame-sync/internal/room"
	"github.com/koopa0/system-design/14-frame-sync/internal/rpc"
	"github.com/koopa0/system-design/14-frame-sync/internal/session"
	"github.com/koopa0/system-design/14-frame-sync/internal/ws"
	"github.com/koopa0/system-design/14-frame-sync/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "配置檔案路徑")
		logLevel   = flag.String("log-level", "", "日誌級別，覆蓋配置檔 (debug, info, warn, error)")
		memory     = flag.Bool("memory", false, "不連接 Redis，使用記憶體儲存（單機開發用）")
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

	// Session Store 與憑證解析
	var (
		sessions session.Store
		resolver auth.Resolver
		rdb      *redis.Client
	)
	if *memory {
		sessions = session.NewMemoryStore()
		resolver = auth.NewMemoryResolver()
		log.Warn("使用記憶體儲存，重啟後重連記錄會遺失")
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Error("連接 Redis 失敗", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		sessions = session.NewRedisStore(rdb, cfg.Redis.SessionTTL)
		resolver = auth.NewRedisResolver(rdb)
	}
	if cfg.Server.AllowAnonymous {
		resolver = auth.WithAnonymous(resolver)
	}

	// 使用者離開房間時的通知：配對協調器 RPC + NATS 廣播
	var notifiers room.MultiNotifier

	var matcher *rpc.MatcherClient
	if cfg.Matcher.URL != "" {
		matcher = rpc.NewMatcherClient(nil, cfg.Matcher.URL, cfg.Matcher.SharedToken, log)
		notifiers = append(notifiers, matcher)
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" && !*memory {
		nc, err = notify.Connect(cfg.NATS.URL, log)
		if err != nil {
			// 事件廣播不是必要路徑，沒有 NATS 仍可提供服務
			log.Warn("NATS 不可用，停用事件廣播", "error", err)
		} else {
			notifiers = append(notifiers, notify.NewPublisher(nc, cfg.NATS.Subject, cfg.Server.PublicURL))
		}
	}

	directory := room.NewDirectory(room.DirectoryOptions{
		Room: room.Options{
			MaxUsers: cfg.Room.MaxUsers,
			Engine: framesync.Config{
				FrameRate:        cfg.Room.FrameRate,
				SnapshotInterval: cfg.Room.SnapshotInterval,
				MaxAfterFrames:   cfg.Room.MaxAfterFrames,
				TrimAfterFrames:  cfg.Room.TrimAfterFrames,
			},
			UserStateInterval: cfg.Room.UserStateInterval,
		},
		EmptyGrace:    cfg.Room.EmptyGrace,
		OfflineGrace:  cfg.Room.OfflineGrace,
		SweepInterval: cfg.Room.SweepInterval,
		ServerURL:     cfg.Server.PublicURL,
	}, sessions, notifiers, log)

	hub := ws.NewHub(directory, resolver, nil, log)
	handler := api.NewHandler(directory, hub, log)

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	// WebSocket 不經過 API 中間件，包裝過的 ResponseWriter 無法 Hijack
	mux.HandleFunc("GET /ws", hub.ServeWS)
	rpcPath, rpcHandler := rpc.NewRoomServiceHandler(
		rpc.NewRoomService(directory, cfg.Server.PublicURL, log),
		cfg.Matcher.SharedToken,
	)
	mux.Handle(rpcPath, rpcHandler)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("房間伺服器啟動",
			"addr", cfg.Server.Addr,
			"public_url", cfg.Server.PublicURL,
			"frame_rate", cfg.Room.FrameRate,
			"max_users", cfg.Room.MaxUsers)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 向配對協調器註冊，心跳帶上目前負載
	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	if matcher != nil {
		go matcher.Heartbeat(heartbeatCtx, func() rpc.RoomServerJoinRequest {
			stats := directory.Stats()
			return rpc.RoomServerJoinRequest{
				ServerURL: cfg.Server.PublicURL,
				Rooms:     stats.TotalRooms,
				Users:     stats.TotalUsers,
			}
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("收到關閉信號，開始優雅關閉...")
	stopHeartbeat()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(ctx); err != nil {
		log.Error("服務器關閉失敗", "error", err)
	}

	// 先關閉所有 WebSocket 連線，再銷毀房間
	hub.Stop()
	directory.Stop()

	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn("NATS 排空失敗", "error", err)
		}
	}
	if rdb != nil {
		_ = rdb.Close()
	}

	log.Info("服務器已關閉")
}
