package masstree

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"masstree-go/arena"
	"masstree-go/data"
	"masstree-go/ebr"
)

// Tree 并发的内存有序索引，由多层 B+ 树组成
// 每一层负责 key 的一个 8 字节切片，读操作不加锁，写操作只锁住需要修改的节点
type Tree struct {
	// 64-bit aligned counters
	count     atomic.Int64
	layers    atomic.Int64
	restarts  atomic.Int64
	splits    atomic.Int64
	merges    atomic.Int64
	borrows   atomic.Int64
	collapses atomic.Int64
	pushes    atomic.Int64
	pops      atomic.Int64

	options Options
	log     *zap.Logger
	nodes   *arena.Arena[node]
	epochs  *ebr.Manager[arena.Handle]
	root    *layer

	mu          sync.Mutex
	outstanding map[*Batch]struct{} // PrepareGC 返回但还没有 GC 的批次
}

// New 创建一棵空树，只包含第 0 层的一个根 border 节点
func New(options Options) (*Tree, error) {
	if err := checkOptions(options); err != nil {
		return nil, err
	}
	nodes, err := arena.New[node](options.SlabNodes, int64(options.MaxNodes))
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidOptions)
	}
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}
	t := &Tree{
		options:     options,
		log:         log,
		nodes:       nodes,
		epochs:      ebr.NewManager[arena.Handle](0),
		outstanding: make(map[*Batch]struct{}),
	}
	hs, ns, err := t.allocNodes(1)
	if err != nil {
		return nil, err
	}
	ns[0].initBorder(true)
	t.root = newLayer(0, hs[0])
	t.layers.Store(1)
	t.log.Debug("masstree created",
		zap.Int("maxNodes", options.MaxNodes),
		zap.Int("slabNodes", options.SlabNodes))
	return t, nil
}

func (t *Tree) node(h arena.Handle) *node { return t.nodes.Get(h) }

// Len 当前 key 的数量
func (t *Tree) Len() int { return int(t.count.Load()) }

// Get 查找 key 对应的值，不加锁
func (t *Tree) Get(key []byte) (any, bool) {
	g := t.epochs.Enter()
	defer g.Exit()
	for {
		if value, ok, done := t.tryGet(key); done {
			return value, ok
		}
		t.restarts.Add(1)
	}
}

func (t *Tree) tryGet(key []byte) (value any, ok bool, done bool) {
	l := t.root
	for {
		ks := data.Slice(key, l.depth)
		s, tag := ks.Value, ks.Tag()
		_, n, v, ok := t.descend(l, s, tag, nil)
		if !ok {
			return nil, false, false
		}
		_, slot, found := n.search(s, tag)
		var e *entry
		if found {
			e = n.entries[slot].Load()
		}
		if !n.validate(v) || (found && e == nil) {
			return nil, false, false
		}
		if !found {
			return nil, false, true
		}
		if e.kind == layerEntry {
			l = e.sub
			continue
		}
		if tag == data.TagMore && !bytes.Equal(e.key, key) {
			return nil, false, true
		}
		return e.value, true, true
	}
}

// Put 写入 key/value，返回旧值，key 不存在时返回 nil
// 返回 ErrOutOfMemory 时树保持不变
func (t *Tree) Put(key []byte, value any) (any, error) {
	g := t.epochs.Enter()
	defer g.Exit()
	w := &writer{t: t, ls: lockset{t: t}}
	for attempt := 0; ; attempt++ {
		old, done, err := w.put(key, value)
		if err != nil {
			return nil, err
		}
		if done {
			return old, nil
		}
		t.restarts.Add(1)
		backoff(attempt)
	}
}

// Delete 删除 key，返回 key 是否存在
func (t *Tree) Delete(key []byte) bool {
	g := t.epochs.Enter()
	defer g.Exit()
	w := &writer{t: t, ls: lockset{t: t}}
	for attempt := 0; ; attempt++ {
		depth, found, done := w.delete(key)
		if !done {
			t.restarts.Add(1)
			backoff(attempt)
			continue
		}
		if found {
			t.count.Add(-1)
			// 从最深的一层开始，尝试把只剩一个值或已经为空的子层收回到上一层
			for d := depth - 1; d >= 0; d-- {
				if !w.pop(key, d) {
					break
				}
			}
		}
		return found
	}
}

// writer 一次写操作的状态，在重试之间复用
type writer struct {
	t    *Tree
	ls   lockset
	path []step
}

func (w *writer) abort() {
	w.ls.release()
}

// newValue 创建值 entry，只在插入时复制一次 key
func newValue(key []byte, value any) *entry {
	k := make([]byte, len(key))
	copy(k, key)
	return &entry{kind: valueEntry, key: k, value: value}
}

// allocNodes 一次性申请 n 个节点，失败时已申请的节点全部归还
func (t *Tree) allocNodes(n int) ([]arena.Handle, []*node, error) {
	hs := make([]arena.Handle, 0, n)
	ns := make([]*node, 0, n)
	for i := 0; i < n; i++ {
		h, nd, err := t.nodes.Alloc()
		if err != nil {
			for _, fh := range hs {
				t.nodes.Free(fh)
			}
			return nil, nil, errors.Mark(errors.Wrapf(err, "allocate %d nodes", n), ErrOutOfMemory)
		}
		hs = append(hs, h)
		ns = append(ns, nd)
	}
	return hs, ns, nil
}

// link 把新节点 right 接到 left 之后，调用方持有 left 的锁
func (t *Tree) link(left *node, lh arena.Handle, right *node, rh arena.Handle) {
	nx := arena.Handle(left.next.Load())
	right.next.Store(uint32(nx))
	right.prev.Store(uint32(lh))
	if nx != arena.Nil {
		t.node(nx).prev.Store(uint32(rh))
	}
	left.next.Store(uint32(rh))
}

// unlink 把 right 从兄弟链表中摘除，调用方持有 left 和 right 的锁
func (t *Tree) unlink(left *node, lh arena.Handle, right *node) {
	nx := arena.Handle(right.next.Load())
	left.next.Store(uint32(nx))
	if nx != arena.Nil {
		t.node(nx).prev.Store(uint32(lh))
	}
}
