package match

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator 管理配對協調器的資料表遷移
type Migrator struct {
	migrate *migrate.Migrate
	logger  *slog.Logger
}

// NewMigrator 建立遷移管理器
func NewMigrator(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("建立遷移源失敗: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("建立遷移實例失敗: %w", err)
	}

	return &Migrator{
		migrate: m,
		logger:  logger.With("component", "migrator"),
	}, nil
}

// Up 執行所有待處理的遷移
//
// 上次遷移中斷留下的髒狀態會先 Force 回該版本再重跑。
func (m *Migrator) Up() error {
	version, dirty, err := m.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("獲取當前版本失敗: %w", err)
	}

	if dirty {
		m.logger.Warn("資料庫處於髒狀態，嘗試修復", "version", version)
		const maxInt = int(^uint(0) >> 1)
		if version > uint(maxInt) {
			return fmt.Errorf("版本號超出範圍: %d", version)
		}
		if err := m.migrate.Force(int(version)); err != nil {
			return fmt.Errorf("修復髒狀態失敗: %w", err)
		}
	}

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("資料庫已是最新版本")
			return nil
		}
		return fmt.Errorf("執行遷移失敗: %w", err)
	}

	newVersion, _, _ := m.migrate.Version()
	m.logger.Info("資料庫遷移成功", "version", newVersion)
	return nil
}

// Down 回滾所有遷移（測試清理用）
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("回滾失敗: %w", err)
	}
	return nil
}

// Version 當前版本
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Close 關閉遷移管理器
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	return errors.Join(srcErr, dbErr)
}
