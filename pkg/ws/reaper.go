package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// idleReason 空闲清理的关闭原因
const idleReason = "idle timeout"

// Reaper 周期性移除长时间没有活动的连接
type Reaper struct {
	reg      *Registry
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      *zap.Logger
}

// NewReaper 创建清理器
func NewReaper(reg *Registry, cfg ReaperConfig, now func() time.Time, log *zap.Logger) *Reaper {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{
		reg:      reg,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		now:      now,
		log:      log.With(zap.String("component", "reaper")),
	}
}

// Sweep 执行一次清理，返回移除数
// 扫描与移除之间恢复活动的连接会被保留
func (r *Reaper) Sweep() int {
	cutoff := r.now().Add(-r.timeout)
	removed := 0
	for _, id := range r.reg.Stale(cutoff) {
		if r.reg.evictIdle(id, cutoff, websocket.CloseGoingAway, idleReason) {
			removed++
		}
	}
	if removed > 0 {
		r.log.Info("idle connections removed", zap.Int("count", removed))
	}
	return removed
}

// Run 按间隔清理直到 ctx 结束；单次清理的 panic 不会终止循环
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeSweep()
		}
	}
}

func (r *Reaper) safeSweep() {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("reaper sweep panicked", zap.Any("panic", v))
		}
	}()
	r.Sweep()
}
