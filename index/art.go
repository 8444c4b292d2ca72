package index

import (
	"sync"

	goart "github.com/plar/go-adaptive-radix-tree"
)

// AdaptiveRadixTree 自适应基数树索引
// 主要封装了 https://github.com/plar/go-adaptive-radix-tree 库
type AdaptiveRadixTree struct {
	tree goart.Tree
	lock *sync.RWMutex
}

// NewART 初始化自适应基数树索引
func NewART() *AdaptiveRadixTree {
	return &AdaptiveRadixTree{
		tree: goart.New(),
		lock: new(sync.RWMutex),
	}
}

func (art *AdaptiveRadixTree) Put(key []byte, value any) (any, error) {
	art.lock.Lock()
	oldValue, _ := art.tree.Insert(append([]byte(nil), key...), value)
	art.lock.Unlock()
	return oldValue, nil
}

func (art *AdaptiveRadixTree) Get(key []byte) (any, bool) {
	art.lock.RLock()
	defer art.lock.RUnlock()
	return art.tree.Search(key)
}

func (art *AdaptiveRadixTree) Delete(key []byte) bool {
	art.lock.Lock()
	_, deleted := art.tree.Delete(key)
	art.lock.Unlock()
	return deleted
}

func (art *AdaptiveRadixTree) Size() int {
	art.lock.RLock()
	size := art.tree.Size()
	art.lock.RUnlock()
	return size
}

func (art *AdaptiveRadixTree) Close() error {
	art.lock.Lock()
	art.tree = goart.New()
	art.lock.Unlock()
	return nil
}
