package index

import (
	"sync"

	"github.com/google/btree"
)

// BTree 索引，主要封装了 google 的 btree kv
// https://github.com/google/btree
type BTree struct {
	tree *btree.BTree
	lock *sync.RWMutex
}

// NewBTree 初始化 BTree 索引结构
func NewBTree() *BTree {
	return &BTree{
		tree: btree.New(32),
		lock: new(sync.RWMutex),
	}
}

func (bt *BTree) Put(key []byte, value any) (any, error) {
	it := &Item{key: append([]byte(nil), key...), value: value}
	bt.lock.Lock()
	oldItem := bt.tree.ReplaceOrInsert(it)
	bt.lock.Unlock()
	if oldItem == nil {
		return nil, nil
	}
	return oldItem.(*Item).value, nil
}

func (bt *BTree) Get(key []byte) (any, bool) {
	it := &Item{key: key}
	bt.lock.RLock()
	btreeItem := bt.tree.Get(it)
	bt.lock.RUnlock()
	if btreeItem == nil {
		return nil, false
	}
	return btreeItem.(*Item).value, true
}

func (bt *BTree) Delete(key []byte) bool {
	it := &Item{key: key}
	bt.lock.Lock()
	oldItem := bt.tree.Delete(it)
	bt.lock.Unlock()
	return oldItem != nil
}

func (bt *BTree) Size() int {
	bt.lock.RLock()
	defer bt.lock.RUnlock()
	return bt.tree.Len()
}

func (bt *BTree) Close() error {
	bt.lock.Lock()
	bt.tree.Clear(false)
	bt.lock.Unlock()
	return nil
}
