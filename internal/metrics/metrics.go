// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 运行状态汇总 - 数据丢失记录与健康状态生成
// =============================================================================
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const maxLossHistory = 100

// LossRecord 数据丢失记录
type LossRecord struct {
	Timestamp time.Time
	Reason    string
}

// HealthTracker 汇总 Socket 运行状态
type HealthTracker struct {
	provider StatsProvider
	version  string

	// 超过该时长未交付视为 degraded, 0 表示不检查
	idleThreshold time.Duration

	lossEvents  uint64
	lossHistory []LossRecord
	lastDeliver int64

	startTime time.Time
	now       func() time.Time

	mu sync.RWMutex
}

// NewHealthTracker 创建状态汇总器
func NewHealthTracker(provider StatsProvider, version string, idleThreshold time.Duration) *HealthTracker {
	now := time.Now
	return &HealthTracker{
		provider:      provider,
		version:       version,
		idleThreshold: idleThreshold,
		lossHistory:   make([]LossRecord, 0, maxLossHistory),
		startTime:     now(),
		now:           now,
	}
}

// =============================================================================
// 事件记录
// =============================================================================

// RecordDelivery 记录一次成功交付
func (h *HealthTracker) RecordDelivery() {
	atomic.StoreInt64(&h.lastDeliver, h.now().UnixNano())
}

// RecordLoss 记录数据丢失事件
func (h *HealthTracker) RecordLoss(reason string) {
	atomic.AddUint64(&h.lossEvents, 1)

	h.mu.Lock()
	defer h.mu.Unlock()

	// 保留最近的记录
	if len(h.lossHistory) >= maxLossHistory {
		h.lossHistory = h.lossHistory[1:]
	}
	h.lossHistory = append(h.lossHistory, LossRecord{
		Timestamp: h.now(),
		Reason:    reason,
	})
}

// LossEvents 获取丢失事件次数
func (h *HealthTracker) LossEvents() uint64 {
	return atomic.LoadUint64(&h.lossEvents)
}

// LossHistory 获取最近的丢失记录（倒序）
func (h *HealthTracker) LossHistory(limit int) []LossRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if limit <= 0 || limit > len(h.lossHistory) {
		limit = len(h.lossHistory)
	}
	result := make([]LossRecord, limit)
	for i := 0; i < limit; i++ {
		result[i] = h.lossHistory[len(h.lossHistory)-1-i]
	}
	return result
}

// Uptime 获取运行时间
func (h *HealthTracker) Uptime() time.Duration {
	return h.now().Sub(h.startTime)
}

// =============================================================================
// 健康状态
// =============================================================================

// Status 生成健康状态
func (h *HealthTracker) Status() HealthStatus {
	now := h.now()
	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  now,
		Version:    h.version,
		Uptime:     now.Sub(h.startTime),
		Components: make(map[string]ComponentHealth),
	}

	if !h.provider.IsRunning() {
		status.Status = "unhealthy"
		status.Components["socket"] = ComponentHealth{
			Status:  "unhealthy",
			Message: "not running",
		}
		return status
	}

	stats := h.provider.Stats()
	status.Components["socket"] = ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("packets: %d, malformed: %d", stats.PacketsReceived, stats.Malformed),
	}
	status.Components["peers"] = ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("active: %d, expired: %d", stats.Peers, stats.PeersExpired),
	}

	losses := ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("events: %d, lost_sqns: %d", h.LossEvents(), stats.LostSequences),
	}
	if last := h.LossHistory(1); len(last) == 1 {
		losses.Message += fmt.Sprintf(", last: %s", last[0].Timestamp.Format(time.RFC3339))
	}
	status.Components["losses"] = losses

	if h.idleThreshold > 0 && stats.Peers > 0 {
		last := atomic.LoadInt64(&h.lastDeliver)
		var idle time.Duration
		if last == 0 {
			idle = now.Sub(h.startTime)
		} else {
			idle = now.Sub(time.Unix(0, last))
		}
		if idle > h.idleThreshold {
			status.Status = "degraded"
			status.Components["delivery"] = ComponentHealth{
				Status:  "degraded",
				Message: fmt.Sprintf("idle %s", idle.Truncate(time.Second)),
			}
		} else {
			status.Components["delivery"] = ComponentHealth{Status: "healthy"}
		}
	}

	return status
}
