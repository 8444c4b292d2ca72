package masstree

import (
	"bytes"

	"go.uber.org/zap"

	"masstree-go/arena"
	"masstree-go/data"
)

// delete Delete 的一次尝试，depth 为 key 所在的层
func (w *writer) delete(key []byte) (depth int, found bool, done bool) {
	t := w.t
	l := t.root
	for {
		ks := data.Slice(key, l.depth)
		s, tag := ks.Value, ks.Tag()
		w.path = w.path[:0]
		h, n, v, ok := t.descend(l, s, tag, &w.path)
		if !ok {
			return 0, false, false
		}
		pos, slot, found := n.search(s, tag)
		var e *entry
		if found {
			e = n.entries[slot].Load()
		}
		if !n.validate(v) || (found && e == nil) {
			return 0, false, false
		}
		if !found {
			return 0, false, true
		}
		if e.kind == layerEntry {
			l = e.sub
			continue
		}
		if tag == data.TagMore && !bytes.Equal(e.key, key) {
			return 0, false, true
		}
		if !w.remove(l, h, n, v, pos, nil, 0) {
			return 0, false, false
		}
		return l.depth, true, true
	}
}

// remove 删除 border 节点 n 中 pos 位置的 key，然后重新平衡
// extra 不为 nil 时最后加锁，修改完成前一直持有，并标记为已删除
// 加锁失败时返回 false，树没有任何修改
func (w *writer) remove(l *layer, h arena.Handle, n *node, v uint64, pos int, extra *node, extraV uint64) bool {
	t := w.t
	path := w.path
	k := len(path) - 1

	// 删除后不会低于最小填充，或者是层的根节点，只需要锁住叶子
	if k < 0 || n.size()-1 >= minFill {
		if !w.ls.lock(n, v) || (extra != nil && !w.ls.lock(extra, extraV)) {
			w.abort()
			return false
		}
		n.markInsert()
		n.removeItem(pos)
		if extra != nil {
			extra.markSplit()
			extra.mark(vDeleted)
		}
		w.ls.release()
		return true
	}

	// j 是最高的可能被修改的祖先
	j := k
	for j > 0 && path[j].n.children()-1 < minFill {
		j--
	}
	for i := j; i <= k; i++ {
		if !w.ls.lock(path[i].n, path[i].v) {
			w.abort()
			return false
		}
	}
	if !w.ls.lock(n, v) {
		w.abort()
		return false
	}

	// 兄弟节点，优先选择左边，下标 i 对应 path[i] 下面的那一层
	sibs := make([]sibling, k+1)
	for i := j; i <= k; i++ {
		p := path[i]
		si := p.ci - 1
		if p.ci == 0 {
			si = p.ci + 1
		}
		sh := p.n.childAt(si)
		sn := t.node(sh)
		if !w.ls.lockNow(sn) {
			w.abort()
			return false
		}
		sibs[i] = sibling{h: sh, n: sn, idx: si}
	}
	if extra != nil && !w.ls.lock(extra, extraV) {
		w.abort()
		return false
	}

	n.markSplit()
	n.removeItem(pos)
	if extra != nil {
		extra.markSplit()
		extra.mark(vDeleted)
	}

	cur, curH := n, h
	for i := k; i >= j; i-- {
		if cur.count() >= minFill {
			break
		}
		p, sib := path[i], sibs[i]
		p.n.markSplit()
		sib.n.markSplit()
		if sib.n.count() > minFill {
			t.borrow(p, cur, curH, sib)
			break
		}
		t.merge(p, cur, curH, sib)
		cur, curH = p.n, p.h
	}

	// 内部根节点只剩一个子节点时，子节点成为新的根
	if j == 0 && k >= 0 {
		root := path[0]
		if root.n.children() == 1 {
			ch := root.n.childAt(0)
			c := t.node(ch)
			c.markSplit()
			c.mark(vRoot)
			c.parent.Store(0)
			l.root.Store(uint32(ch))
			root.n.mark(vDeleted)
			t.retire(root.h)
			t.collapses.Add(1)
		}
	}
	w.ls.release()
	return true
}

// sibling 路径上节点已加锁的兄弟节点，idx 为它在共同父节点中的下标
type sibling struct {
	h   arena.Handle
	n   *node
	idx int
}

// borrow 从 sib 借一个 key 或子节点给 cur，并更新父节点的分隔符
func (t *Tree) borrow(p step, cur *node, curH arena.Handle, sib sibling) {
	rt := p.n.routes()
	fromLeft := sib.idx < p.ci
	if isBorder(cur.version.Load()) {
		ci, si := cur.items(), sib.n.items()
		if fromLeft {
			ci = append([]item{si[len(si)-1]}, ci...)
			si = si[:len(si)-1]
			rt.keys[p.ci-1] = separator{slice: ci[0].slice, tag: ci[0].tag}
		} else {
			ci = append(ci, si[0])
			si = si[1:]
			rt.keys[p.ci] = separator{slice: si[0].slice, tag: si[0].tag}
		}
		cur.fill(ci)
		sib.n.fill(si)
	} else {
		cr, sr := cur.routes(), sib.n.routes()
		var moved arena.Handle
		if fromLeft {
			moved = sr.kids[len(sr.kids)-1]
			cr.keys = append([]separator{rt.keys[p.ci-1]}, cr.keys...)
			cr.kids = append([]arena.Handle{moved}, cr.kids...)
			rt.keys[p.ci-1] = sr.keys[len(sr.keys)-1]
			sr.keys = sr.keys[:len(sr.keys)-1]
			sr.kids = sr.kids[:len(sr.kids)-1]
		} else {
			moved = sr.kids[0]
			cr.keys = append(cr.keys, rt.keys[p.ci])
			cr.kids = append(cr.kids, moved)
			rt.keys[p.ci] = sr.keys[0]
			sr.keys = sr.keys[1:]
			sr.kids = sr.kids[1:]
		}
		cur.setRoutes(cr)
		sib.n.setRoutes(sr)
		t.node(moved).parent.Store(uint32(curH))
	}
	p.n.setRoutes(rt)
	t.borrows.Add(1)
}

// merge 把 cur 和 sib 中右边的节点合并到左边，删除父节点中的分隔符并回收右节点
func (t *Tree) merge(p step, cur *node, curH arena.Handle, sib sibling) {
	left, lh, right, rh, sepIdx := cur, curH, sib.n, sib.h, p.ci
	if sib.idx < p.ci {
		left, lh, right, rh, sepIdx = sib.n, sib.h, cur, curH, p.ci-1
	}
	rt := p.n.routes()
	if isBorder(left.version.Load()) {
		left.fill(append(left.items(), right.items()...))
	} else {
		lr, rr := left.routes(), right.routes()
		lr.keys = append(lr.keys, rt.keys[sepIdx])
		lr.keys = append(lr.keys, rr.keys...)
		lr.kids = append(lr.kids, rr.kids...)
		left.setRoutes(lr)
		for _, c := range rr.kids {
			t.node(c).parent.Store(uint32(lh))
		}
	}
	rt.keys = append(rt.keys[:sepIdx], rt.keys[sepIdx+1:]...)
	rt.kids = append(rt.kids[:sepIdx+1], rt.kids[sepIdx+2:]...)
	p.n.setRoutes(rt)

	t.unlink(left, lh, right)
	right.mark(vDeleted)
	t.retire(rh)
	t.merges.Add(1)
}

// pop 第 d 层中 key 对应的子层最多只有一个值时，把它收回到父节点的槽位
// 返回是否收回
func (w *writer) pop(key []byte, d int) bool {
	for attempt := 0; ; attempt++ {
		if popped, done := w.tryPop(key, d); done {
			return popped
		}
		w.t.restarts.Add(1)
		backoff(attempt)
	}
}

func (w *writer) tryPop(key []byte, d int) (popped bool, done bool) {
	t := w.t
	l := t.root
	for {
		ks := data.Slice(key, l.depth)
		s, tag := ks.Value, ks.Tag()
		w.path = w.path[:0]
		bh, b, v, ok := t.descend(l, s, tag, &w.path)
		if !ok {
			return false, false
		}
		pos, slot, found := b.search(s, tag)
		var e *entry
		if found {
			e = b.entries[slot].Load()
		}
		if !b.validate(v) || (found && e == nil) {
			return false, false
		}
		if !found || e.kind != layerEntry {
			return false, true
		}
		if l.depth < d {
			l = e.sub
			continue
		}

		sub := e.sub
		rh := arena.Handle(sub.root.Load())
		r := t.node(rh)
		rv := r.stableVersion()
		if !b.validate(v) {
			return false, false
		}
		if !isRoot(rv) || isDeleted(rv) {
			return false, false
		}
		if !isBorder(rv) {
			return false, true
		}
		switch r.size() {
		case 0:
			if !w.remove(l, bh, b, v, pos, r, rv) {
				return false, false
			}
		case 1:
			se := r.entries[permuter(r.perm.Load()).at(0)].Load()
			if !r.validate(rv) || se == nil {
				return false, false
			}
			if se.kind != valueEntry {
				return false, true
			}
			if !w.ls.lock(b, v) || !w.ls.lock(r, rv) {
				w.abort()
				return false, false
			}
			b.markInsert()
			b.entries[slot].Store(se)
			r.markSplit()
			r.mark(vDeleted)
			w.ls.release()
		default:
			if !r.validate(rv) {
				return false, false
			}
			return false, true
		}
		t.retire(rh)
		t.layers.Add(-1)
		t.pops.Add(1)
		t.log.Debug("layer popped", zap.Int("depth", d+1))
		return true, true
	}
}
