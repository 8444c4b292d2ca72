package index

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	masstree "masstree-go"
)

// Indexer 抽象索引接口，如需加入其他数据结构可在这直接实现
// 所有实现都可以被多个 goroutine 同时使用
type Indexer interface {
	// Put 向索引中存储 key 对应的值，返回旧值
	Put(key []byte, value any) (any, error)
	// Get 根据 key 取出对应的值
	Get(key []byte) (any, bool)
	// Delete 根据 key 删除对应的值
	Delete(key []byte) bool
	// Size 索引中的数据量
	Size() int
	// Close 关闭索引，释放内存
	Close() error
}

type IndexType = int8

const (
	// MassTreeIndex 并发 trie of B+ trees 索引
	MassTreeIndex IndexType = iota + 1

	// BTreeIndex 索引，读写由一把读写锁保护
	BTreeIndex

	// ARTIndex 自适应基数树索引
	ARTIndex
)

var ErrUnknownIndexType = errors.New("unsupported index type")

// NewIndexer 根据类型初始化索引，opts 只对 MassTree 生效
func NewIndexer(typ IndexType, opts masstree.Options) (Indexer, error) {
	switch typ {
	case MassTreeIndex:
		mt, err := NewMassTree(opts)
		if err != nil {
			return nil, err
		}
		return mt, nil
	case BTreeIndex:
		return NewBTree(), nil
	case ARTIndex:
		return NewART(), nil
	default:
		return nil, errors.Wrapf(ErrUnknownIndexType, "index type %d", typ)
	}
}

type Item struct {
	key   []byte
	value any
}

func (ai *Item) Less(bi btree.Item) bool {
	return bytes.Compare(ai.key, bi.(*Item).key) == -1
}
