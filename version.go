package masstree

import (
	"math/rand"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
)

// 节点版本号的布局
//
//	bit 0      已加锁
//	bit 1      inserting，写者正在修改 key 或 entry
//	bit 2      splitting，写者正在节点之间移动 key
//	bit 3      deleted，节点已摘除，等待回收
//	bit 4      所在 layer 的根节点
//	bit 5      border（叶子）节点
//	bit 6      poison，节点内存已经回收
//	bits 8-31  插入计数
//	bits 32-63 分裂计数
const (
	vLocked    uint64 = 1 << 0
	vInserting uint64 = 1 << 1
	vSplitting uint64 = 1 << 2
	vDeleted   uint64 = 1 << 3
	vRoot      uint64 = 1 << 4
	vBorder    uint64 = 1 << 5
	vPoison    uint64 = 1 << 6

	vDirty = vInserting | vSplitting

	vInsertShift = 8
	vInsertMask  = uint64(1<<24-1) << vInsertShift
	vSplitShift  = 32
)

var errReclaimedAccess = errors.New("masstree: reclaimed node accessed")

// stableVersion 等待正在修改节点的写者结束，返回稳定的版本号
func (n *node) stableVersion() uint64 {
	for spins := 0; ; spins++ {
		v := n.version.Load()
		if v&vPoison != 0 {
			panic(errReclaimedAccess)
		}
		if v&vDirty == 0 {
			return v
		}
		spin(spins)
	}
}

// validate 读取 v 之后节点是否没有变化
// 只加锁不修改节点不会让读者失效
func (n *node) validate(v uint64) bool {
	return (n.version.Load()^v)&^vLocked == 0
}

// tryLock 在版本号仍为 v 时加锁，节点有任何变化都会失败
func (n *node) tryLock(v uint64) bool {
	if v&(vLocked|vDeleted|vPoison) != 0 {
		return false
	}
	return n.version.CompareAndSwap(v, v|vLocked)
}

// tryLockNow 不比较版本号直接加锁，节点已被锁住或已摘除时失败
func (n *node) tryLockNow() bool {
	v := n.version.Load()
	if v&(vLocked|vDeleted|vPoison|vDirty) != 0 {
		return false
	}
	return n.version.CompareAndSwap(v, v|vLocked)
}

// mark 设置标志位，调用方持有锁
func (n *node) mark(bits uint64) {
	n.version.Store(n.version.Load() | bits)
}

// clear 清除标志位，调用方持有锁
func (n *node) clear(bits uint64) {
	n.version.Store(n.version.Load() &^ bits)
}

func (n *node) markInsert() { n.mark(vInserting) }
func (n *node) markSplit()  { n.mark(vSplitting) }

// unlock 按持有期间的修改递增计数，然后释放锁
func (n *node) unlock() {
	v := n.version.Load()
	if v&vInserting != 0 {
		ins := ((v&vInsertMask)>>vInsertShift + 1) << vInsertShift
		v = v&^vInsertMask | ins&vInsertMask
	}
	if v&vSplitting != 0 {
		v += 1 << vSplitShift
	}
	n.version.Store(v &^ (vLocked | vDirty))
}

func isBorder(v uint64) bool  { return v&vBorder != 0 }
func isRoot(v uint64) bool    { return v&vRoot != 0 }
func isDeleted(v uint64) bool { return v&vDeleted != 0 }

// spin 读者遇到正在修改的节点时的等待
func spin(spins int) {
	if spins < 16 {
		return
	}
	if spins < 128 {
		runtime.Gosched()
		return
	}
	time.Sleep(time.Microsecond)
}

// backoff 写操作失败后，从根节点重试之前等待
func backoff(attempt int) {
	if attempt < 4 {
		runtime.Gosched()
		return
	}
	shift := attempt - 4
	if shift > 10 {
		shift = 10
	}
	time.Sleep(time.Duration(rand.Intn(1<<shift)+1) * time.Microsecond)
}

// lockset 记录写者持有的锁，失败时一次全部释放
type lockset struct {
	t     *Tree
	nodes []*node
}

func (ls *lockset) lock(n *node, v uint64) bool {
	if !n.tryLock(v) {
		return false
	}
	ls.nodes = append(ls.nodes, n)
	return true
}

func (ls *lockset) lockNow(n *node) bool {
	if !n.tryLockNow() {
		return false
	}
	ls.nodes = append(ls.nodes, n)
	return true
}

func (ls *lockset) release() {
	for i := len(ls.nodes) - 1; i >= 0; i-- {
		ls.nodes[i].unlock()
	}
	ls.nodes = ls.nodes[:0]
}
