package masstree

// Stats 树的运行统计
type Stats struct {
	Keys   int // key 数量
	Layers int // layer 数量，包括第 0 层

	NodesLive      int64 // 已分配未释放的节点
	NodesAllocated int64 // 累计分配次数
	NodesFreed     int64 // 累计释放次数
	NodeCapacity   int64 // 节点上限，0 表示不限制
	NodeBytes      int64 // 已分配 slab 占用的内存

	Epoch        uint64
	PendingNodes int   // 已摘除还没有进入批次的节点
	RetiredNodes int64 // 累计摘除的节点

	Restarts    int64 // 因并发冲突重新开始的次数
	Splits      int64
	Merges      int64
	Borrows     int64
	Collapses   int64 // 根节点塌缩
	LayerPushes int64
	LayerPops   int64
}

// Stats 返回统计信息，各项之间不保证是同一时刻的快照
func (t *Tree) Stats() Stats {
	return Stats{
		Keys:           t.Len(),
		Layers:         int(t.layers.Load()),
		NodesLive:      t.nodes.Live(),
		NodesAllocated: t.nodes.Allocs(),
		NodesFreed:     t.nodes.Frees(),
		NodeCapacity:   t.nodes.Capacity(),
		NodeBytes:      int64(t.nodes.Slabs()) * int64(t.nodes.SlabSize()) * nodeSize,
		Epoch:          t.epochs.Epoch(),
		PendingNodes:   t.epochs.Pending(),
		RetiredNodes:   t.epochs.Retired(),
		Restarts:       t.restarts.Load(),
		Splits:         t.splits.Load(),
		Merges:         t.merges.Load(),
		Borrows:        t.borrows.Load(),
		Collapses:      t.collapses.Load(),
		LayerPushes:    t.pushes.Load(),
		LayerPops:      t.pops.Load(),
	}
}
