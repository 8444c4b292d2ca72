package masstree

import (
	"context"
	"sync"
	"time"
)

// Reclaimer 周期性地回收节点的辅助工具，树本身从不主动回收
// 每一步先释放上一步准备好的批次，再准备新的批次，这样 GC 通常不需要等待
type Reclaimer struct {
	t        *Tree
	interval time.Duration

	mu   sync.Mutex
	prev *Batch
}

// DefaultReclaimInterval Run 的默认间隔
const DefaultReclaimInterval = 10 * time.Millisecond

// NewReclaimer interval 不大于 0 时使用 DefaultReclaimInterval
func NewReclaimer(t *Tree, interval time.Duration) *Reclaimer {
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	return &Reclaimer{t: t, interval: interval}
}

// Interval Run 执行 Step 的间隔
func (r *Reclaimer) Interval() time.Duration { return r.interval }

// Step 返回本次释放的节点数量
func (r *Reclaimer) Step() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	freed := 0
	if r.prev != nil {
		freed = r.prev.Len()
		r.t.GC(r.prev)
	}
	r.prev = r.t.PrepareGC()
	return freed
}

// Flush 释放目前所有已摘除的节点
func (r *Reclaimer) Flush() int {
	return r.Step() + r.Step()
}

// Run 按 interval 执行 Step，直到 ctx 结束
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush()
			return ctx.Err()
		case <-ticker.C:
			r.Step()
		}
	}
}
