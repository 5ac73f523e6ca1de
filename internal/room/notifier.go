package room

import (
	"context"
	"errors"
)

// Notifier 通知其他程序（配對協調器）使用者已離開房間
//
// 失敗只記錄日誌，不影響本地的房間操作。
type Notifier interface {
	UserRoomCleared(ctx context.Context, userID, roomID string) error
}

// NopNotifier 不做任何事（單機部署）
type NopNotifier struct{}

// UserRoomCleared 實現 Notifier
func (NopNotifier) UserRoomCleared(context.Context, string, string) error { return nil }

// MultiNotifier 依序通知多個目標，回傳所有錯誤
type MultiNotifier []Notifier

// UserRoomCleared 實現 Notifier
func (m MultiNotifier) UserRoomCleared(ctx context.Context, userID, roomID string) error {
	var errs []error
	for _, n := range m {
		if err := n.UserRoomCleared(ctx, userID, roomID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
