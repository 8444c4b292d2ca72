package index

import (
	"context"
	"sync"
	"time"

	masstree "masstree-go"
)

// DefaultReclaimInterval 后台回收节点的默认间隔
const DefaultReclaimInterval = masstree.DefaultReclaimInterval

// Tree 基于 masstree 的索引，读操作不加锁
// 后台 goroutine 定期回收被摘除的节点
type Tree struct {
	tree   *masstree.Tree
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMassTree 初始化 masstree 索引并启动回收
func NewMassTree(opts masstree.Options) (*Tree, error) {
	return NewMassTreeWithInterval(opts, DefaultReclaimInterval)
}

// NewMassTreeWithInterval 同 NewMassTree，指定回收间隔
func NewMassTreeWithInterval(opts masstree.Options, interval time.Duration) (*Tree, error) {
	tree, err := masstree.New(opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	mt := &Tree{tree: tree, cancel: cancel}
	r := masstree.NewReclaimer(tree, interval)
	mt.wg.Add(1)
	go func() {
		defer mt.wg.Done()
		_ = r.Run(ctx)
	}()
	return mt, nil
}

func (mt *Tree) Put(key []byte, value any) (any, error) {
	return mt.tree.Put(key, value)
}

func (mt *Tree) Get(key []byte) (any, bool) {
	return mt.tree.Get(key)
}

func (mt *Tree) Delete(key []byte) bool {
	return mt.tree.Delete(key)
}

func (mt *Tree) Size() int {
	return mt.tree.Len()
}

// Stats 底层树的统计信息
func (mt *Tree) Stats() masstree.Stats {
	return mt.tree.Stats()
}

// Close 停止回收并释放所有节点，调用方保证没有正在执行的操作
func (mt *Tree) Close() error {
	mt.cancel()
	mt.wg.Wait()
	mt.tree.Destroy()
	return nil
}
