// Package ebr 基于 epoch 的内存回收，服务于不加锁的读者
//
// 可能访问共享对象的操作都在 Enter 和 Exit 之间执行
// 写者摘除的对象交给 Retire，留在 limbo 中，直到 Prepare 把它们打包成批次并推进 epoch
// Wait 等待所有仍在执行的操作都观察到该 epoch，之后批次中的对象不可达，可以释放
//
// 回收从不自动进行，由调用方决定何时调用 Prepare 和 Wait
package ebr

import (
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

// record 一个参与者槽位，操作执行期间保存左移一位并置最低位的 epoch，空闲时为 0
type record struct {
	_     cpu.CacheLinePad
	busy  atomic.Bool
	local atomic.Uint64
	_     cpu.CacheLinePad
}

// Batch 一批已摘除的对象，所有操作都观察到 Epoch 之后不再可达
type Batch[T any] struct {
	Epoch uint64
	Items []T
}

// Len 批次中的对象数量
func (b *Batch[T]) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Items)
}

// Guard 表示一个正在执行的操作，用 Exit 结束
type Guard struct {
	r *record
}

// Manager 管理全局 epoch、参与者和 limbo 列表
type Manager[T any] struct {
	// 64-bit aligned stats
	retired atomic.Int64
	batched atomic.Int64
	waits   atomic.Int64

	epoch   atomic.Uint64
	records atomic.Pointer[[]*record]

	mu    sync.Mutex
	limbo []T
}

// NewManager 创建 Manager，slots 为初始的参与者数量，不够时按需增加
func NewManager[T any](slots int) *Manager[T] {
	if slots <= 0 {
		slots = runtime.GOMAXPROCS(0) * 4
	}
	m := &Manager[T]{}
	records := make([]*record, slots)
	for i := range records {
		records[i] = &record{}
	}
	m.records.Store(&records)
	m.epoch.Store(1)
	return m
}

// Enter 登记一个正在执行的操作
func (m *Manager[T]) Enter() Guard {
	r := m.acquire()
	r.local.Store(m.epoch.Load()<<1 | 1)
	return Guard{r: r}
}

// Exit 操作结束
func (g Guard) Exit() {
	g.r.local.Store(0)
	g.r.busy.Store(false)
}

// Retire 交出已摘除的对象，调用方保证之后开始的操作不会再访问它
func (m *Manager[T]) Retire(items ...T) {
	m.mu.Lock()
	m.limbo = append(m.limbo, items...)
	m.mu.Unlock()
	m.retired.Add(int64(len(items)))
}

// Prepare 取出 limbo 中的对象并推进全局 epoch
func (m *Manager[T]) Prepare() *Batch[T] {
	m.mu.Lock()
	items := m.limbo
	m.limbo = nil
	epoch := m.epoch.Add(1)
	m.mu.Unlock()
	m.batched.Add(int64(len(items)))
	return &Batch[T]{Epoch: epoch, Items: items}
}

// Wait 等待 b 准备之前开始的操作全部结束
// 不能在 Enter/Exit 之间调用
func (m *Manager[T]) Wait(b *Batch[T]) {
	if b == nil {
		return
	}
	m.waits.Add(1)
	for _, r := range *m.records.Load() {
		for spins := 0; ; spins++ {
			local := r.local.Load()
			if local == 0 || local>>1 >= b.Epoch {
				break
			}
			backoff(spins)
		}
	}
}

// Drain 不等待直接取出 limbo 中的所有对象，只能在没有操作执行时调用
func (m *Manager[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.limbo
	m.limbo = nil
	return items
}

//---- 统计

// Epoch 当前的全局 epoch
func (m *Manager[T]) Epoch() uint64 { return m.epoch.Load() }

// Pending 已摘除但还没有进入批次的对象数量
func (m *Manager[T]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limbo)
}

// Retired 累计 Retire 的对象数量
func (m *Manager[T]) Retired() int64 { return m.retired.Load() }

// Batched 累计进入批次的对象数量
func (m *Manager[T]) Batched() int64 { return m.batched.Load() }

// Slots 参与者槽位数量
func (m *Manager[T]) Slots() int { return len(*m.records.Load()) }

// Active 正在执行的操作数量
func (m *Manager[T]) Active() int {
	n := 0
	for _, r := range *m.records.Load() {
		if r.local.Load() != 0 {
			n++
		}
	}
	return n
}

func (m *Manager[T]) acquire() *record {
	records := *m.records.Load()
	start := rand.Intn(len(records))
	for i := range records {
		r := records[(start+i)%len(records)]
		if !r.busy.Load() && r.busy.CompareAndSwap(false, true) {
			return r
		}
	}
	return m.grow()
}

// grow 增加一个新槽位，返回时已被调用方占用
func (m *Manager[T]) grow() *record {
	r := &record{}
	r.busy.Store(true)
	m.mu.Lock()
	old := *m.records.Load()
	records := make([]*record, len(old), len(old)+1)
	copy(records, old)
	records = append(records, r)
	m.records.Store(&records)
	m.mu.Unlock()
	return r
}

func backoff(spins int) {
	if spins < 64 {
		runtime.Gosched()
		return
	}
	time.Sleep(time.Microsecond)
}
