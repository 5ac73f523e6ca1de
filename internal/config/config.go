// Package config 載入房間伺服器與配對協調器的配置
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Addr           string        `yaml:"addr"`
		PublicURL      string        `yaml:"public_url"` // 對外公告給配對協調器的位址
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		AllowAnonymous bool          `yaml:"allow_anonymous"`
	} `yaml:"server"`

	Room struct {
		MaxUsers          int           `yaml:"max_users"`
		FrameRate         int           `yaml:"frame_rate"`
		SnapshotInterval  int           `yaml:"snapshot_interval"` // 以幀為單位
		MaxAfterFrames    int           `yaml:"max_after_frames"`
		TrimAfterFrames   int           `yaml:"trim_after_frames"`
		UserStateInterval time.Duration `yaml:"user_state_interval"`
		EmptyGrace        time.Duration `yaml:"empty_grace"`
		OfflineGrace      time.Duration `yaml:"offline_grace"` // 所有成員離線的房間，0 表示不回收
		SweepInterval     time.Duration `yaml:"sweep_interval"`
	} `yaml:"room"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		SessionTTL   time.Duration `yaml:"session_ttl"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"postgres"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Matcher struct {
		Addr              string        `yaml:"addr"`
		URL               string        `yaml:"url"` // 房間伺服器連線用
		SharedToken       string        `yaml:"shared_token"`
		MatchSize         int           `yaml:"match_size"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		ServerTTL         time.Duration `yaml:"server_ttl"`
		MatchTTL          time.Duration `yaml:"match_ttl"`
	} `yaml:"matcher"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 返回預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Addr = ":8080"
	cfg.Server.PublicURL = "http://localhost:8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.AllowAnonymous = true

	cfg.Room.MaxUsers = 4
	cfg.Room.FrameRate = 60
	cfg.Room.SnapshotInterval = 60 // 60 幀約 1 秒
	cfg.Room.MaxAfterFrames = 600
	cfg.Room.TrimAfterFrames = 300
	cfg.Room.UserStateInterval = 100 * time.Millisecond
	cfg.Room.EmptyGrace = 5 * time.Minute
	cfg.Room.OfflineGrace = 30 * time.Minute
	cfg.Room.SweepInterval = time.Minute

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.ReadTimeout = 3 * time.Second
	cfg.Redis.WriteTimeout = 3 * time.Second
	cfg.Redis.SessionTTL = 24 * time.Hour

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.DBName = "framesync"
	cfg.Postgres.MaxConns = 10

	cfg.NATS.URL = "nats://localhost:4222"
	cfg.NATS.Subject = "framesync.user_room.cleared"

	cfg.Matcher.Addr = ":8090"
	cfg.Matcher.URL = "http://localhost:8090"
	cfg.Matcher.MatchSize = 2
	cfg.Matcher.HeartbeatInterval = 10 * time.Second
	cfg.Matcher.ServerTTL = 30 * time.Second
	cfg.Matcher.MatchTTL = 10 * time.Minute

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// Load 載入配置
//
// 順序：.env → YAML 檔案 → 環境變數覆蓋 → 驗證。
// path 為空或檔案不存在時使用預設值。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
			// 沒有配置檔案，使用預設值
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("MATCHER_TOKEN"); v != "" {
		c.Matcher.SharedToken = v
	}
	if v := os.Getenv("MATCHER_URL"); v != "" {
		c.Matcher.URL = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		c.Server.PublicURL = v
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Room.MaxUsers < 1 || c.Room.MaxUsers > 100 {
		return fmt.Errorf("room.max_users 必須在 1-100 之間: %d", c.Room.MaxUsers)
	}
	if c.Room.FrameRate <= 0 {
		return fmt.Errorf("room.frame_rate 必須大於 0: %d", c.Room.FrameRate)
	}
	if c.Room.TrimAfterFrames <= 0 || c.Room.TrimAfterFrames >= c.Room.MaxAfterFrames {
		return fmt.Errorf("room.trim_after_frames 必須介於 0 與 max_after_frames 之間")
	}
	if c.Room.SnapshotInterval < 0 {
		return fmt.Errorf("room.snapshot_interval 不可為負數")
	}
	if c.Room.OfflineGrace < 0 {
		return fmt.Errorf("room.offline_grace 不可為負數")
	}
	if c.Matcher.MatchSize < 1 {
		return fmt.Errorf("matcher.match_size 必須大於 0")
	}
	return nil
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}

// FrameInterval 每幀間隔
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.Room.FrameRate)
}
