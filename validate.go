package masstree

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"masstree-go/arena"
	"masstree-go/data"
)

// Validate 检查整棵树的结构，只能在没有并发操作时调用
// 检查内容：key 有序、节点填充度、父节点和兄弟链表、层前缀、计数和节点数量
func (t *Tree) Validate() error {
	c := &checker{t: t}
	if err := c.layer(t.root, nil); err != nil {
		return err
	}
	if c.values != t.count.Load() {
		return errors.AssertionFailedf("key count %d, counter says %d", c.values, t.count.Load())
	}
	if c.layers != t.layers.Load() {
		return errors.AssertionFailedf("%d layers reachable, counter says %d", c.layers, t.layers.Load())
	}
	pending := int64(t.epochs.Pending())
	t.mu.Lock()
	for b := range t.outstanding {
		if !b.freed.Load() {
			pending += int64(b.Len())
		}
	}
	t.mu.Unlock()
	if live := t.nodes.Live(); live != c.nodes+pending {
		return errors.AssertionFailedf("%d nodes live, %d reachable and %d pending", live, c.nodes, pending)
	}
	return nil
}

type checker struct {
	t      *Tree
	values int64
	layers int64
	nodes  int64
}

// bound 子树中 key 的可选边界
type bound struct {
	set bool
	s   uint64
	tag uint8
}

func (b bound) below(s uint64, tag uint8) bool {
	return !b.set || data.Compare(b.s, b.tag, s, tag) <= 0
}

func (b bound) above(s uint64, tag uint8) bool {
	return !b.set || data.Compare(s, tag, b.s, b.tag) < 0
}

func (c *checker) layer(l *layer, prefix []byte) error {
	c.layers++
	rh := arena.Handle(l.root.Load())
	if len(prefix) != data.SliceSize*l.depth {
		return errors.AssertionFailedf("layer at depth %d reached with %d byte prefix", l.depth, len(prefix))
	}
	var levels [][]arena.Handle
	if _, err := c.node(l, rh, arena.Nil, prefix, bound{}, bound{}, 0, &levels); err != nil {
		return err
	}
	for lv, hs := range levels {
		if err := c.chain(hs); err != nil {
			return errors.Wrapf(err, "layer depth %d level %d", l.depth, lv)
		}
	}
	return nil
}

// node 检查 h 下面的子树，返回高度，border 节点高度为 0
func (c *checker) node(l *layer, h, parent arena.Handle, prefix []byte, lo, hi bound, level int, levels *[][]arena.Handle) (int, error) {
	t := c.t
	if !t.nodes.IsLive(h) {
		return 0, errors.AssertionFailedf("node %d is not allocated", h)
	}
	c.nodes++
	if len(*levels) <= level {
		*levels = append(*levels, nil)
	}
	(*levels)[level] = append((*levels)[level], h)

	n := t.node(h)
	v := n.version.Load()
	root := parent == arena.Nil
	switch {
	case v&(vLocked|vDirty|vDeleted|vPoison) != 0:
		return 0, errors.AssertionFailedf("node %d has version %#x", h, v)
	case isRoot(v) != root:
		return 0, errors.AssertionFailedf("node %d root bit %v, expected %v", h, isRoot(v), root)
	case !root && arena.Handle(n.parent.Load()) != parent:
		return 0, errors.AssertionFailedf("node %d parent %d, expected %d", h, n.parent.Load(), parent)
	}

	if isBorder(v) {
		return 0, c.border(l, h, n, root, prefix, lo, hi)
	}

	nk := int(n.nkeys.Load())
	kids := nk + 1
	if kids > fanout || kids < 2 || (!root && kids < minFill) {
		return 0, errors.AssertionFailedf("internal node %d has %d children", h, kids)
	}
	rt := n.routes()
	for i, k := range rt.keys {
		if !lo.below(k.slice, k.tag) || !hi.above(k.slice, k.tag) {
			return 0, errors.AssertionFailedf("internal node %d separator %d out of bounds", h, i)
		}
		if i > 0 && data.Compare(rt.keys[i-1].slice, rt.keys[i-1].tag, k.slice, k.tag) >= 0 {
			return 0, errors.AssertionFailedf("internal node %d separators out of order at %d", h, i)
		}
	}
	height := -1
	for i, ch := range rt.kids {
		clo, chi := lo, hi
		if i > 0 {
			clo = bound{set: true, s: rt.keys[i-1].slice, tag: rt.keys[i-1].tag}
		}
		if i < nk {
			chi = bound{set: true, s: rt.keys[i].slice, tag: rt.keys[i].tag}
		}
		ht, err := c.node(l, ch, h, prefix, clo, chi, level+1, levels)
		if err != nil {
			return 0, err
		}
		// 所有叶子在同一层
		if height >= 0 && ht != height {
			return 0, errors.AssertionFailedf("internal node %d has unbalanced children", h)
		}
		height = ht
	}
	return height + 1, nil
}

func (c *checker) border(l *layer, h arena.Handle, n *node, root bool, prefix []byte, lo, hi bound) error {
	its := n.items()
	if len(its) > fanout || (!root && len(its) < minFill) {
		return errors.AssertionFailedf("border node %d has %d keys", h, len(its))
	}
	for i, it := range its {
		if i > 0 && data.Compare(its[i-1].slice, its[i-1].tag, it.slice, it.tag) >= 0 {
			return errors.AssertionFailedf("border node %d keys out of order at %d", h, i)
		}
		if !lo.below(it.slice, it.tag) || !hi.above(it.slice, it.tag) {
			return errors.AssertionFailedf("border node %d key %d out of bounds", h, i)
		}
		if it.e == nil {
			return errors.AssertionFailedf("border node %d slot %d has no entry", h, i)
		}
		if it.e.kind == valueEntry {
			ks := data.Slice(it.e.key, l.depth)
			if !bytes.HasPrefix(it.e.key, prefix) || ks.Value != it.slice || ks.Tag() != it.tag {
				return errors.AssertionFailedf("border node %d key %q misplaced at depth %d", h, it.e.key, l.depth)
			}
			c.values++
			continue
		}

		sub := it.e.sub
		if it.tag != data.TagMore || sub.depth != l.depth+1 {
			return errors.AssertionFailedf("border node %d layer entry at depth %d has tag %d", h, sub.depth, it.tag)
		}
		r := c.t.node(arena.Handle(sub.root.Load()))
		if isBorder(r.version.Load()) {
			if sz := r.size(); sz == 0 || (sz == 1 && r.items()[0].e.kind == valueEntry) {
				return errors.AssertionFailedf("layer at depth %d left with %d keys", sub.depth, sz)
			}
		}
		next := binary.BigEndian.AppendUint64(append([]byte(nil), prefix...), it.slice)
		if err := c.layer(sub, next); err != nil {
			return err
		}
	}
	return nil
}

// chain 从左到右检查同一层节点的兄弟链表
func (c *checker) chain(hs []arena.Handle) error {
	for i, h := range hs {
		n := c.t.node(h)
		prev, next := arena.Nil, arena.Nil
		if i > 0 {
			prev = hs[i-1]
		}
		if i < len(hs)-1 {
			next = hs[i+1]
		}
		if arena.Handle(n.prev.Load()) != prev || arena.Handle(n.next.Load()) != next {
			return errors.AssertionFailedf("node %d links prev %d next %d, expected %d %d",
				h, n.prev.Load(), n.next.Load(), prev, next)
		}
	}
	return nil
}
