package masstree

import (
	"sync/atomic"

	"go.uber.org/zap"

	"masstree-go/arena"
	"masstree-go/ebr"
)

// Batch 一批已经从树中摘除、等待释放的节点
type Batch struct {
	b     *ebr.Batch[arena.Handle]
	freed atomic.Bool
}

// Epoch 批次对应的 epoch
func (b *Batch) Epoch() uint64 { return b.b.Epoch }

// Len 批次中的节点数量
func (b *Batch) Len() int { return b.b.Len() }

// retire 节点已经不可达，交给 epoch 管理器
func (t *Tree) retire(h arena.Handle) {
	t.epochs.Retire(h)
}

// free 毒化并归还节点，之后任何读到它的操作都会 panic
func (t *Tree) free(h arena.Handle) {
	t.node(h).poison()
	t.nodes.Free(h)
}

// PrepareGC 取出目前所有已摘除的节点并推进 epoch
// 不能在 Get/Put/Delete 执行过程中调用 GC，二者都由调用方调度
func (t *Tree) PrepareGC() *Batch {
	b := &Batch{b: t.epochs.Prepare()}
	t.mu.Lock()
	t.outstanding[b] = struct{}{}
	t.mu.Unlock()
	return b
}

// GC 等待所有在 PrepareGC 之前开始的操作结束，然后释放批次中的节点
// 可以和新的操作并发执行，同一个批次重复 GC 不做任何事
func (t *Tree) GC(b *Batch) {
	if b == nil || !b.freed.CompareAndSwap(false, true) {
		return
	}
	t.epochs.Wait(b.b)
	for _, h := range b.b.Items {
		t.free(h)
	}
	t.mu.Lock()
	delete(t.outstanding, b)
	t.mu.Unlock()
	if n := b.Len(); n > 0 {
		t.log.Debug("gc batch freed",
			zap.Uint64("epoch", b.Epoch()),
			zap.Int("nodes", n),
			zap.Int64("live", t.nodes.Live()))
	}
}

// Destroy 释放所有节点，调用方保证没有正在执行的操作
// 之后 Tree 不能再使用
func (t *Tree) Destroy() {
	reachable := 0
	t.walk(func(h arena.Handle) {
		t.free(h)
		reachable++
	})
	pending := 0
	for _, h := range t.epochs.Drain() {
		t.free(h)
		pending++
	}
	t.mu.Lock()
	for b := range t.outstanding {
		if b.freed.CompareAndSwap(false, true) {
			for _, h := range b.b.Items {
				t.free(h)
				pending++
			}
		}
	}
	t.outstanding = make(map[*Batch]struct{})
	t.mu.Unlock()

	leaked := t.nodes.Live()
	t.nodes.Release()
	t.count.Store(0)
	t.layers.Store(0)
	t.log.Info("masstree destroyed",
		zap.Int("reachable", reachable),
		zap.Int("pending", pending),
		zap.Int64("leaked", leaked))
}

// walk 访问从根 layer 可达的所有节点，子节点先于父节点
func (t *Tree) walk(fn func(h arena.Handle)) {
	var visit func(h arena.Handle)
	visit = func(h arena.Handle) {
		n := t.node(h)
		if isBorder(n.version.Load()) {
			for _, it := range n.items() {
				if it.e != nil && it.e.kind == layerEntry {
					visit(arena.Handle(it.e.sub.root.Load()))
				}
			}
		} else {
			for i := 0; i < n.children(); i++ {
				visit(n.childAt(i))
			}
		}
		fn(h)
	}
	visit(arena.Handle(t.root.root.Load()))
}
