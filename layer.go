package masstree

import (
	"sync/atomic"

	"masstree-go/arena"
)

// layer 一棵 B+ 树，负责 key 在 depth 层的 8 字节切片
// 通过该 layer 可达的所有 key 共享长度为 8*depth 的前缀
type layer struct {
	depth int
	root  atomic.Uint32
}

func newLayer(depth int, root arena.Handle) *layer {
	l := &layer{depth: depth}
	l.root.Store(uint32(root))
	return l
}

// step 下降路径上经过的一个 internal 节点，以及读取时的版本号和走过的子节点下标
type step struct {
	h  arena.Handle
	n  *node
	v  uint64
	ci int
}

// descend 只用乐观读，从 layer l 的根下降到负责 (s, tag) 的 border 节点
// path 不为 nil 时记录经过的 internal 节点
// ok 为 false 表示遇到并发修改，调用方需要从树根重新开始
func (t *Tree) descend(l *layer, s uint64, tag uint8, path *[]step) (h arena.Handle, n *node, v uint64, ok bool) {
	h = arena.Handle(l.root.Load())
	n = t.node(h)
	v = n.stableVersion()
	if !isRoot(v) || isDeleted(v) {
		return 0, nil, 0, false
	}
	for !isBorder(v) {
		ci := n.childIndex(s, tag)
		ch := n.childAt(ci)
		if !n.validate(v) || ch == arena.Nil {
			return 0, nil, 0, false
		}
		c := t.node(ch)
		cv := c.stableVersion()
		// 读取子节点句柄和版本号之间，子节点可能已经分裂
		if !n.validate(v) {
			return 0, nil, 0, false
		}
		if path != nil {
			*path = append(*path, step{h: h, n: n, v: v, ci: ci})
		}
		h, n, v = ch, c, cv
	}
	return h, n, v, true
}
