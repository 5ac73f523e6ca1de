// Package lockstep 是一個即時多人房間與鎖步幀同步伺服器。
//
// 客戶端配對進入房間後透過持久連線送出每幀輸入，伺服器以固定幀率
// 把輸入整理成有序的幀序列廣播給房間內所有人，客戶端依序重播即可得到一致的遊戲狀態。
//
// # 幀同步引擎
//
// internal/framesync 負責幀時鐘與歷史：
//   - 單調遞增的幀序號，每個 tick 產生一幀
//   - 依幀緩衝輸入，tick 時一次送出
//   - 歷史幀滾動視窗，溢出時裁切並以快照接續
//   - 週期快照，重連時從最近快照追幀
//
// # 房間與連線生命週期
//
// internal/room 處理加入、離開、斷線保留、重連：
//   - 遊戲進行中斷線保留座位，重連後補送快照與追幀資料
//   - 同一身份重複登入時踢掉舊連線
//   - 空房間由回收器在寬限期後銷毀
//   - 房主離開時順位交給最早加入的在線成員
//
// # 程序
//
//   - cmd/server：房間伺服器（WebSocket、HTTP 管理介面、Connect RPC 開房）
//   - cmd/matcher：配對協調器（FIFO 佇列、伺服器註冊表、使用者房間追蹤）
//
// 兩者之間以 Connect RPC 溝通，使用者離開房間的事件另外透過 NATS 廣播；
// 使用者所在房間記錄在 Redis，程序重啟後仍可重連。
//
// # 使用範例
//
// 啟動房間伺服器與配對協調器（開發模式不需要外部依賴）：
//
//	go run ./cmd/matcher -memory
//	go run ./cmd/server -memory
//
// 客戶端連線：
//
//	ws://localhost:8080/ws?token=<sso-token>&codec=json
//
// # 配置
//
// 兩個程序共用同一份 YAML 配置（見 config.example.yaml），
// .env 與環境變數 REDIS_ADDR、DATABASE_URL、NATS_URL、MATCHER_TOKEN、
// MATCHER_URL、PUBLIC_URL 會覆蓋檔案中的設定。
//
// # 測試
//
// 單元測試不需要外部服務：
//
//	go test -short ./...
//
// 完整測試透過 testcontainers 啟動 Redis、PostgreSQL 與 NATS，需要 Docker。
package lockstep
