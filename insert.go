package masstree

import (
	"bytes"

	"go.uber.org/zap"

	"masstree-go/arena"
	"masstree-go/data"
)

// put Put 的一次尝试，done 为 false 时需要从根节点重试，此时不持有任何锁
func (w *writer) put(key []byte, value any) (old any, done bool, err error) {
	t := w.t
	l := t.root
	for {
		ks := data.Slice(key, l.depth)
		s, tag := ks.Value, ks.Tag()
		w.path = w.path[:0]
		h, n, v, ok := t.descend(l, s, tag, &w.path)
		if !ok {
			return nil, false, nil
		}
		pos, slot, found := n.search(s, tag)
		if !found {
			if !n.validate(v) {
				return nil, false, nil
			}
			if n.size() < fanout {
				if !w.ls.lock(n, v) {
					return nil, false, nil
				}
				n.markInsert()
				n.insertItem(pos, s, tag, newValue(key, value))
				w.ls.release()
				t.count.Add(1)
				return nil, true, nil
			}
			done, err := w.split(l, h, n, v, pos, item{slice: s, tag: tag, e: newValue(key, value)})
			if done && err == nil {
				t.count.Add(1)
			}
			return nil, done, err
		}

		e := n.entries[slot].Load()
		if !n.validate(v) || e == nil {
			return nil, false, nil
		}
		switch {
		case e.kind == layerEntry:
			l = e.sub
		case tag != data.TagMore || bytes.Equal(e.key, key):
			// 覆盖写，entry 整体替换
			if !w.ls.lock(n, v) {
				return nil, false, nil
			}
			n.markInsert()
			n.entries[slot].Store(&entry{kind: valueEntry, key: e.key, value: value})
			w.ls.release()
			return e.value, true, nil
		default:
			done, err := w.push(n, v, slot, l.depth, e, key, value)
			if done && err == nil {
				t.count.Add(1)
			}
			return nil, done, err
		}
	}
}

// push 用一串新的 layer 替换 slot 中的值，新 layer 同时保存旧 entry 和新 key
// 两个 key 在 depth 及之后可能有多个相同的切片，每个相同的切片需要一层
// 所有节点在替换 entry 之前申请，失败时树保持不变
func (w *writer) push(n *node, v uint64, slot, depth int, old *entry, key []byte, value any) (bool, error) {
	t := w.t
	levels := 1
	for d := depth + 1; ; d++ {
		a, b := data.Slice(old.key, d), data.Slice(key, d)
		if a.Value != b.Value || a.Final || b.Final {
			break
		}
		levels++
	}
	if !w.ls.lock(n, v) {
		return false, nil
	}
	hs, ns, err := t.allocNodes(levels)
	if err != nil {
		w.abort()
		return false, err
	}

	var sub *layer
	for i := levels - 1; i >= 0; i-- {
		d := depth + 1 + i
		r := ns[i]
		r.initBorder(true)
		if i == levels-1 {
			a, b := data.Slice(old.key, d), data.Slice(key, d)
			ia := item{slice: a.Value, tag: a.Tag(), e: old}
			ib := item{slice: b.Value, tag: b.Tag(), e: newValue(key, value)}
			if data.Compare(ia.slice, ia.tag, ib.slice, ib.tag) > 0 {
				ia, ib = ib, ia
			}
			r.fill([]item{ia, ib})
		} else {
			ks := data.Slice(key, d)
			r.fill([]item{{slice: ks.Value, tag: ks.Tag(), e: &entry{kind: layerEntry, sub: sub}}})
		}
		sub = newLayer(d, hs[i])
	}

	n.markInsert()
	n.entries[slot].Store(&entry{kind: layerEntry, sub: sub})
	w.ls.release()
	t.layers.Add(int64(levels))
	t.pushes.Add(1)
	t.log.Debug("layer pushed", zap.Int("depth", depth+1), zap.Int("levels", levels))
	return true, nil
}

// split 把 it 插入已满的 border 节点 n 的 pos 位置
// 祖先已满时沿路径向上分裂，根节点分裂时创建新的根
func (w *writer) split(l *layer, h arena.Handle, n *node, v uint64, pos int, it item) (bool, error) {
	t := w.t
	path := w.path
	k := len(path) - 1

	// j 是最高的需要修改但不需要分裂的祖先，-1 表示根节点也要分裂
	j := k
	for j >= 0 && path[j].n.children() >= fanout {
		j--
	}
	for i := max(j, 0); i <= k; i++ {
		if !w.ls.lock(path[i].n, path[i].v) {
			w.abort()
			return false, nil
		}
	}
	if !w.ls.lock(n, v) {
		w.abort()
		return false, nil
	}

	need := k - j + 1
	if j < 0 {
		need++
	}
	hs, ns, err := t.allocNodes(need)
	if err != nil {
		w.abort()
		return false, err
	}

	// border 分裂，16 个 key 左右各一半，右节点的第一个 key 作为分隔符
	its := n.items()
	its = append(its, item{})
	copy(its[pos+1:], its[pos:])
	its[pos] = it
	half := len(its) / 2

	rh, r := hs[0], ns[0]
	r.initBorder(false)
	n.markSplit()
	r.fill(its[half:])
	n.fill(its[:half])
	t.link(n, h, r, rh)
	sep := separator{slice: its[half].slice, tag: its[half].tag}
	t.splits.Add(1)

	leftH, left := h, n
	fresh := 1
	for i := k; i > j; i-- {
		p := path[i]
		rt := p.n.routes()
		rt.insert(p.ci, sep, rh)

		// 15 个分隔符 16 个子节点，左边保留 7/8，中间的分隔符上移，右边 7/8
		mid := len(rt.keys) / 2
		ph, pn := hs[fresh], ns[fresh]
		fresh++
		pn.initInternal(false)
		p.n.markSplit()
		lr := routing{keys: rt.keys[:mid], kids: rt.kids[:mid+1]}
		rr := routing{keys: rt.keys[mid+1:], kids: rt.kids[mid+1:]}
		pn.setRoutes(rr)
		p.n.setRoutes(lr)
		for _, c := range lr.kids {
			t.node(c).parent.Store(uint32(p.h))
		}
		for _, c := range rr.kids {
			t.node(c).parent.Store(uint32(ph))
		}
		t.link(p.n, p.h, pn, ph)
		t.splits.Add(1)

		sep = rt.keys[mid]
		leftH, left = p.h, p.n
		rh = ph
	}

	if j >= 0 {
		p := path[j]
		p.n.markInsert()
		rt := p.n.routes()
		rt.insert(p.ci, sep, rh)
		p.n.setRoutes(rt)
		t.node(rh).parent.Store(uint32(p.h))
	} else {
		// 根节点分裂，新的根节点只有两个子节点
		nh, nr := hs[fresh], ns[fresh]
		nr.initInternal(true)
		nr.setRoutes(routing{
			keys: []separator{sep},
			kids: []arena.Handle{leftH, rh},
		})
		left.clear(vRoot)
		left.parent.Store(uint32(nh))
		t.node(rh).parent.Store(uint32(nh))
		l.root.Store(uint32(nh))
	}
	w.ls.release()
	return true, nil
}

// insert 在第 ci 个子节点之后插入 sep 和它右边的子节点
func (r *routing) insert(ci int, sep separator, right arena.Handle) {
	r.keys = append(r.keys, separator{})
	copy(r.keys[ci+1:], r.keys[ci:])
	r.keys[ci] = sep
	r.kids = append(r.kids, arena.Nil)
	copy(r.kids[ci+2:], r.kids[ci+1:])
	r.kids[ci+1] = right
}
