package masstree

import (
	"sync/atomic"
	"unsafe"

	"masstree-go/arena"
	"masstree-go/data"
)

const (
	// fanout 每个节点最多容纳的 key 数量（border）或子节点数量（internal）
	fanout = 15

	// minFill 非根节点的最少 key/子节点数量
	minFill = (fanout + 1) / 2
)

type entryKind uint8

const (
	valueEntry entryKind = iota
	layerEntry
)

// entry border 节点中每个 key 对应的内容，值或者下一层的 layer
// entry 发布之后不再修改，更新时整体替换
type entry struct {
	kind  entryKind
	key   []byte // 完整的 key，仅 valueEntry 使用
	value any
	sub   *layer
}

// node border 或 internal 节点，由 vBorder 区分，乐观读者读取的字段都是原子的
//
// border 节点按插入顺序使用槽位，通过 perm 发布排序
// internal 节点的分隔符有序地保存在 slices/tags[:nkeys]，子节点在 child[:nkeys+1]
type node struct {
	version atomic.Uint64
	parent  atomic.Uint32 // 不持有所有权，由父节点的锁保护
	next    atomic.Uint32 // 右兄弟，由自身的锁保护
	prev    atomic.Uint32 // 左兄弟，由左兄弟的锁保护

	perm  atomic.Uint64
	nkeys atomic.Uint32

	slices  [fanout]atomic.Uint64
	tags    [fanout]atomic.Uint32
	entries [fanout]atomic.Pointer[entry]
	child   [fanout]atomic.Uint32
}

// nodeSize 每个节点在 slab 中占用的字节数
const nodeSize = int64(unsafe.Sizeof(node{}))

func (n *node) initBorder(root bool) {
	v := vBorder
	if root {
		v |= vRoot
	}
	n.version.Store(v)
	n.parent.Store(0)
	n.next.Store(0)
	n.prev.Store(0)
	n.perm.Store(uint64(emptyPerm))
	n.nkeys.Store(0)
	for i := range n.entries {
		n.entries[i].Store(nil)
	}
}

func (n *node) initInternal(root bool) {
	var v uint64
	if root {
		v |= vRoot
	}
	n.version.Store(v)
	n.parent.Store(0)
	n.next.Store(0)
	n.prev.Store(0)
	n.perm.Store(0)
	n.nkeys.Store(0)
	for i := range n.entries {
		n.entries[i].Store(nil)
	}
}

// poison 标记已回收的节点，之后读到它的操作会 panic
func (n *node) poison() {
	n.version.Store(vPoison | vDeleted)
	for i := range n.entries {
		n.entries[i].Store(nil)
	}
}

//---- border

// permuter 排列，低 4 位为 key 数量，之后每 4 位为第 i 小的 key 所在的物理槽位
// 空闲槽位始终排在 size 之后
type permuter uint64

var emptyPerm = func() permuter {
	var p permuter
	for i := 0; i < fanout; i++ {
		p |= permuter(i) << (4 + 4*i)
	}
	return p
}()

func (p permuter) size() int { return int(p & 0xf) }

func (p permuter) at(i int) int { return int(p>>(4+4*i)) & 0xf }

func (p permuter) slots() (s [fanout]uint8) {
	for i := range s {
		s[i] = uint8(p.at(i))
	}
	return s
}

func makePerm(s [fanout]uint8, size int) permuter {
	p := permuter(size)
	for i, slot := range s {
		p |= permuter(slot) << (4 + 4*i)
	}
	return p
}

// insertAt 取第一个空闲槽位放到排序位置 i
func (p permuter) insertAt(i int) (permuter, int) {
	s, n := p.slots(), p.size()
	slot := s[n]
	copy(s[i+1:n+1], s[i:n])
	s[i] = slot
	return makePerm(s, n+1), int(slot)
}

// removeAt 把排序位置 i 的槽位移到空闲区
func (p permuter) removeAt(i int) (permuter, int) {
	s, n := p.slots(), p.size()
	slot := s[i]
	copy(s[i:n-1], s[i+1:n])
	s[n-1] = slot
	return makePerm(s, n-1), int(slot)
}

func (n *node) size() int { return permuter(n.perm.Load()).size() }

func (n *node) keyAt(slot int) (uint64, uint8) {
	return n.slices[slot].Load(), uint8(n.tags[slot].Load())
}

// search 在 border 节点中二分查找，返回排序位置、物理槽位和是否找到
func (n *node) search(s uint64, tag uint8) (pos, slot int, found bool) {
	p := permuter(n.perm.Load())
	lo, hi := 0, p.size()
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		sl := p.at(mid)
		ks, kt := n.keyAt(sl)
		switch c := data.Compare(ks, kt, s, tag); {
		case c == 0:
			return mid, sl, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, -1, false
}

// item 重建节点时取出的 border 槽位
type item struct {
	slice uint64
	tag   uint8
	e     *entry
}

func (n *node) items() []item {
	p := permuter(n.perm.Load())
	out := make([]item, 0, p.size()+1)
	for i := 0; i < p.size(); i++ {
		sl := p.at(i)
		s, t := n.keyAt(sl)
		out = append(out, item{slice: s, tag: t, e: n.entries[sl].Load()})
	}
	return out
}

// fill 用有序的 items 重写节点，调用方持有锁并已标记修改
func (n *node) fill(items []item) {
	for i, it := range items {
		n.slices[i].Store(it.slice)
		n.tags[i].Store(uint32(it.tag))
		n.entries[i].Store(it.e)
	}
	for i := len(items); i < fanout; i++ {
		n.entries[i].Store(nil)
	}
	n.perm.Store(uint64(emptyPerm&^0xf) | uint64(len(items)))
}

// insertItem 在排序位置 pos 插入 key，调用方持有锁并保证节点未满
func (n *node) insertItem(pos int, s uint64, tag uint8, e *entry) {
	p, slot := permuter(n.perm.Load()).insertAt(pos)
	n.slices[slot].Store(s)
	n.tags[slot].Store(uint32(tag))
	n.entries[slot].Store(e)
	n.perm.Store(uint64(p))
}

// removeItem 删除排序位置 pos 的 key，返回它的 entry
func (n *node) removeItem(pos int) *entry {
	p, slot := permuter(n.perm.Load()).removeAt(pos)
	n.perm.Store(uint64(p))
	e := n.entries[slot].Load()
	n.entries[slot].Store(nil)
	return e
}

// firstKey 非空 border 节点中最小的 key
func (n *node) firstKey() (uint64, uint8) {
	return n.keyAt(permuter(n.perm.Load()).at(0))
}

//---- internal

// childIndex 不大于 (s, tag) 的分隔符数量
func (n *node) childIndex(s uint64, tag uint8) int {
	lo, hi := 0, int(n.nkeys.Load())
	if hi > fanout-1 {
		hi = fanout - 1
	}
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		ks, kt := n.keyAt(mid)
		if data.Compare(ks, kt, s, tag) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (n *node) children() int { return int(n.nkeys.Load()) + 1 }

func (n *node) childAt(i int) arena.Handle { return arena.Handle(n.child[i].Load()) }

// count border 节点的 key 数量或 internal 节点的子节点数量
func (n *node) count() int {
	if isBorder(n.version.Load()) {
		return n.size()
	}
	return n.children()
}

// separator internal 节点中的分隔符
type separator struct {
	slice uint64
	tag   uint8
}

// routing internal 节点展开后的内容
type routing struct {
	keys []separator
	kids []arena.Handle
}

func (n *node) routes() routing {
	nk := int(n.nkeys.Load())
	r := routing{
		keys: make([]separator, 0, nk+1),
		kids: make([]arena.Handle, 0, nk+2),
	}
	for i := 0; i < nk; i++ {
		s, t := n.keyAt(i)
		r.keys = append(r.keys, separator{s, t})
	}
	for i := 0; i <= nk; i++ {
		r.kids = append(r.kids, n.childAt(i))
	}
	return r
}

// setRoutes 重写 internal 节点，调用方持有锁并已标记修改
func (n *node) setRoutes(r routing) {
	for i, k := range r.keys {
		n.slices[i].Store(k.slice)
		n.tags[i].Store(uint32(k.tag))
	}
	for i, c := range r.kids {
		n.child[i].Store(uint32(c))
	}
	for i := len(r.kids); i < fanout; i++ {
		n.child[i].Store(0)
	}
	n.nkeys.Store(uint32(len(r.keys)))
}
