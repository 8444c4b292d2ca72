// Package arena 从 slab 中分配固定大小的对象，用稳定的句柄表示
// 对象分配之后不会移动，句柄在 Free 之前一直有效
// 按句柄查找不加锁，Alloc 和 Free 由一把互斥锁保护
package arena

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Handle Arena 中对象的句柄，0 永远不会被分配
type Handle uint32

// Nil 空句柄
const Nil Handle = 0

// DefaultSlabSize 每个 slab 默认的对象数量
const DefaultSlabSize = 1024

// MaxObjects 句柄宽度决定的对象数量上限
const MaxObjects = 1<<32 - 1

var (
	ErrExhausted   = errors.New("arena.exhausted")
	ErrBadSlabSize = errors.New("arena.badslabsize")
)

const (
	slotFree uint32 = iota
	slotLive
)

type slab[T any] struct {
	objs  []T
	state []atomic.Uint32
}

// Arena 类型为 T 的对象池
type Arena[T any] struct {
	// 64-bit aligned stats
	live   atomic.Int64
	allocs atomic.Int64
	frees  atomic.Int64

	slabs atomic.Pointer[[]*slab[T]]
	shift uint
	mask  uint32

	mu       sync.Mutex
	capacity int64 // 存活对象上限，0 表示不限制
	next     uint32
	freelist []Handle
}

// New 创建 Arena，每个 slab 有 slabSize 个对象，最多 capacity 个存活对象
// slabSize 必须是 2 的幂
func New[T any](slabSize int, capacity int64) (*Arena[T], error) {
	if slabSize <= 0 || slabSize&(slabSize-1) != 0 {
		return nil, errors.Wrapf(ErrBadSlabSize, "slab size %d", slabSize)
	}
	if capacity < 0 || capacity > MaxObjects {
		return nil, errors.Newf("arena capacity %d out of range", capacity)
	}
	a := &Arena[T]{capacity: capacity, next: 1}
	for 1<<a.shift < slabSize {
		a.shift++
	}
	a.mask = uint32(slabSize - 1)
	a.slabs.Store(&[]*slab[T]{})
	return a, nil
}

// Alloc 分配一个对象，返回句柄和对象
// 重用的对象保留上一个使用者的内容，调用方需要初始化所有字段
func (a *Arena[T]) Alloc() (Handle, *T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.capacity > 0 && a.live.Load() >= a.capacity {
		return Nil, nil, ErrExhausted
	}
	var h Handle
	if n := len(a.freelist); n > 0 {
		h = a.freelist[n-1]
		a.freelist = a.freelist[:n-1]
	} else {
		if a.next == MaxObjects {
			return Nil, nil, ErrExhausted
		}
		h = Handle(a.next)
		if int(uint32(h)>>a.shift) >= len(*a.slabs.Load()) {
			a.grow()
		}
		a.next++
	}
	s := a.slab(h)
	if !s.state[uint32(h)&a.mask].CompareAndSwap(slotFree, slotLive) {
		panic(errors.AssertionFailedf("arena: handle %d allocated twice", h))
	}
	a.live.Add(1)
	a.allocs.Add(1)
	return h, &s.objs[uint32(h)&a.mask], nil
}

// Free 归还对象，重复释放会 panic
func (a *Arena[T]) Free(h Handle) {
	if h == Nil {
		panic(errors.AssertionFailedf("arena: free of nil handle"))
	}
	s := a.slab(h)
	if !s.state[uint32(h)&a.mask].CompareAndSwap(slotLive, slotFree) {
		panic(errors.AssertionFailedf("arena: double free of handle %d", h))
	}
	a.mu.Lock()
	a.freelist = append(a.freelist, h)
	a.mu.Unlock()
	a.live.Add(-1)
	a.frees.Add(1)
}

// Get 句柄对应的对象，不加锁
func (a *Arena[T]) Get(h Handle) *T {
	return &a.slab(h).objs[uint32(h)&a.mask]
}

// IsLive h 是否已分配
func (a *Arena[T]) IsLive(h Handle) bool {
	if h == Nil {
		return false
	}
	return a.slab(h).state[uint32(h)&a.mask].Load() == slotLive
}

// Release 丢弃所有 slab，之后不能再使用任何句柄
func (a *Arena[T]) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slabs.Store(&[]*slab[T]{})
	a.freelist, a.next = nil, 1
	a.live.Store(0)
}

//---- 统计

// Live 当前存活的对象数量
func (a *Arena[T]) Live() int64 { return a.live.Load() }

// Allocs 成功分配的次数
func (a *Arena[T]) Allocs() int64 { return a.allocs.Load() }

// Frees 释放的次数
func (a *Arena[T]) Frees() int64 { return a.frees.Load() }

// Capacity 存活对象上限，0 表示不限制
func (a *Arena[T]) Capacity() int64 { return a.capacity }

// Slabs 已经分配的 slab 数量
func (a *Arena[T]) Slabs() int { return len(*a.slabs.Load()) }

// SlabSize 每个 slab 的对象数量
func (a *Arena[T]) SlabSize() int { return int(a.mask) + 1 }

func (a *Arena[T]) slab(h Handle) *slab[T] {
	return (*a.slabs.Load())[uint32(h)>>a.shift]
}

// grow 调用方持有 a.mu
func (a *Arena[T]) grow() {
	old := *a.slabs.Load()
	size := int(a.mask) + 1
	slabs := make([]*slab[T], len(old), len(old)+1)
	copy(slabs, old)
	slabs = append(slabs, &slab[T]{
		objs:  make([]T, size),
		state: make([]atomic.Uint32, size),
	})
	a.slabs.Store(&slabs)
}
