package masstree

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"masstree-go/utils"
)

// 测试完成之后释放所有节点，并检查没有泄漏
func destroyTree(t *testing.T, tr *Tree) {
	tr.Destroy()
	assert.Equal(t, tr.nodes.Allocs(), tr.nodes.Frees())
}

func newTestTree(t *testing.T, opts Options) *Tree {
	opts.Logger = zaptest.NewLogger(t)
	tr, err := New(opts)
	require.NoError(t, err)
	return tr
}

func TestNew(t *testing.T) {
	tr, err := New(DefaultOptions)
	assert.Nil(t, err)
	assert.NotNil(t, tr)
	defer destroyTree(t, tr)

	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 1, tr.Stats().Layers)
	assert.Equal(t, int64(1), tr.Stats().NodesLive)
	assert.Nil(t, tr.Validate())
}

func TestNew_InvalidOptions(t *testing.T) {
	opts := DefaultOptions
	opts.SlabNodes = 3
	_, err := New(opts)
	assert.True(t, errors.Is(err, ErrInvalidOptions))

	opts = DefaultOptions
	opts.MaxNodes = -1
	_, err = New(opts)
	assert.True(t, errors.Is(err, ErrInvalidOptions))
}

func TestTree_Put(t *testing.T) {
	tr := newTestTree(t, DefaultOptions)
	defer destroyTree(t, tr)

	// 1. 正常 Put
	key1, value1 := utils.GetTestKey(1), utils.RandomValue(24)
	old, err := tr.Put(key1, value1)
	assert.Nil(t, err)
	assert.Nil(t, old)
	val1, ok := tr.Get(key1)
	assert.True(t, ok)
	assert.Equal(t, value1, val1)

	// 2. Put 重复 key，返回旧值
	value2 := utils.RandomValue(24)
	old, err = tr.Put(key1, value2)
	assert.Nil(t, err)
	assert.Equal(t, value1, old)
	val2, ok := tr.Get(key1)
	assert.True(t, ok)
	assert.Equal(t, value2, val2)
	assert.Equal(t, 1, tr.Len())

	// 3. key 为空也是合法的 key
	_, err = tr.Put(nil, "empty")
	assert.Nil(t, err)
	val3, ok := tr.Get([]byte{})
	assert.True(t, ok)
	assert.Equal(t, "empty", val3)

	// 4. value 为 nil
	key4 := utils.GetTestKey(22)
	_, err = tr.Put(key4, nil)
	assert.Nil(t, err)
	val4, ok := tr.Get(key4)
	assert.True(t, ok)
	assert.Nil(t, val4)

	// 5. 调用方修改 key 不影响树中的 key
	key5 := []byte("mutable-key-0000")
	_, err = tr.Put(key5, 5)
	assert.Nil(t, err)
	key5[0] = 'X'
	_, ok = tr.Get(key5)
	assert.False(t, ok)
	val5, ok := tr.Get([]byte("mutable-key-0000"))
	assert.True(t, ok)
	assert.Equal(t, 5, val5)

	assert.Equal(t, 4, tr.Len())
	assert.Nil(t, tr.Validate())
}

func TestTree_Get(t *testing.T) {
	tr := newTestTree(t, DefaultOptions)
	defer destroyTree(t, tr)

	// 1. 不存在的 key
	_, ok := tr.Get([]byte("some key unknown"))
	assert.False(t, ok)

	// 2. 短 key 与以它为前缀的长 key 互不影响
	keys := [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("abcdefgh"),
		[]byte("abcdefghi"),
		[]byte("abcdefgh\x00"),
		[]byte("\x00\x00\x00\x00\x00\x00\x00\x00"),
		[]byte("\x00"),
	}
	for i, k := range keys {
		_, err := tr.Put(k, i)
		assert.Nil(t, err)
	}
	for i, k := range keys {
		v, ok := tr.Get(k)
		assert.True(t, ok, "key %q", k)
		assert.Equal(t, i, v)
	}
	_, ok = tr.Get([]byte("abcdefg"))
	assert.False(t, ok)
	_, ok = tr.Get([]byte("abcdefghij"))
	assert.False(t, ok)
	assert.Nil(t, tr.Validate())
}

func TestTree_Delete(t *testing.T) {
	tr := newTestTree(t, DefaultOptions)
	defer destroyTree(t, tr)

	// 1. 删除不存在的 key
	assert.False(t, tr.Delete([]byte("unknown key")))

	// 2. 正常删除
	key := utils.GetTestKey(1)
	_, err := tr.Put(key, 1)
	assert.Nil(t, err)
	assert.True(t, tr.Delete(key))
	_, ok := tr.Get(key)
	assert.False(t, ok)
	assert.False(t, tr.Delete(key))

	// 3. 删除后重新写入
	_, err = tr.Put(key, 2)
	assert.Nil(t, err)
	v, ok := tr.Get(key)
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	// 4. 同一个切片下不同的长 key
	assert.False(t, tr.Delete(utils.GetTestKey(2)))
	assert.Equal(t, 1, tr.Len())
	assert.Nil(t, tr.Validate())
}

func TestTree_PrefixIndependence(t *testing.T) {
	tr := newTestTree(t, DefaultOptions)
	defer destroyTree(t, tr)

	k1 := []byte("0123456789abcdef")
	k2 := []byte("01234567ABCDEFGH")
	_, err := tr.Put(k1, 1)
	assert.Nil(t, err)
	assert.Equal(t, 1, tr.Stats().Layers)

	_, err = tr.Put(k2, 2)
	assert.Nil(t, err)
	assert.Equal(t, 2, tr.Stats().Layers)
	assert.Equal(t, int64(1), tr.Stats().LayerPushes)
	assert.Nil(t, tr.Validate())

	v, ok := tr.Get(k1)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = tr.Get(k2)
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	// 删除一个之后子层只剩一个值，收回到上一层
	assert.True(t, tr.Delete(k1))
	assert.Equal(t, 1, tr.Stats().Layers)
	assert.Equal(t, int64(1), tr.Stats().LayerPops)
	v, ok = tr.Get(k2)
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = tr.Get(k1)
	assert.False(t, ok)
	assert.Nil(t, tr.Validate())
}

func TestTree_LayerChain(t *testing.T) {
	tr := newTestTree(t, DefaultOptions)
	defer destroyTree(t, tr)

	prefix := bytes.Repeat([]byte("p"), 24)
	kx := append(append([]byte(nil), prefix...), 'X')
	ky := append(append([]byte(nil), prefix...), 'Y')
	kz := prefix[:20]

	_, err := tr.Put(kx, "x")
	assert.Nil(t, err)
	_, err = tr.Put(ky, "y")
	assert.Nil(t, err)
	// 共享 3 个完整切片，需要 3 个子层
	assert.Equal(t, 4, tr.Stats().Layers)
	_, err = tr.Put(kz, "z")
	assert.Nil(t, err)
	assert.Nil(t, tr.Validate())

	for k, want := range map[string]string{string(kx): "x", string(ky): "y", string(kz): "z"} {
		v, ok := tr.Get([]byte(k))
		assert.True(t, ok)
		assert.Equal(t, want, v)
	}

	assert.True(t, tr.Delete(kx))
	assert.Nil(t, tr.Validate())
	assert.True(t, tr.Delete(kz))
	assert.Nil(t, tr.Validate())
	assert.Equal(t, 1, tr.Stats().Layers)
	v, ok := tr.Get(ky)
	assert.True(t, ok)
	assert.Equal(t, "y", v)

	assert.True(t, tr.Delete(ky))
	assert.Equal(t, 0, tr.Len())
	assert.Nil(t, tr.Validate())
}

func TestTree_SplitAndMerge(t *testing.T) {
	tr := newTestTree(t, DefaultOptions)
	defer destroyTree(t, tr)

	n := 10000
	for i := 0; i < n; i++ {
		_, err := tr.Put(utils.GetTestKey(i), i)
		assert.Nil(t, err)
	}
	assert.Equal(t, n, tr.Len())
	assert.Nil(t, tr.Validate())
	assert.Greater(t, tr.Stats().Splits, int64(0))

	for i := 0; i < n; i += 2 {
		assert.True(t, tr.Delete(utils.GetTestKey(i)))
	}
	assert.Equal(t, n/2, tr.Len())
	assert.Nil(t, tr.Validate())
	for i := 0; i < n; i++ {
		v, ok := tr.Get(utils.GetTestKey(i))
		if i%2 == 0 {
			assert.False(t, ok)
		} else {
			assert.True(t, ok)
			assert.Equal(t, i, v)
		}
	}

	for i := 1; i < n; i += 2 {
		assert.True(t, tr.Delete(utils.GetTestKey(i)))
	}
	assert.Equal(t, 0, tr.Len())
	assert.Nil(t, tr.Validate())
	st := tr.Stats()
	assert.Greater(t, st.Merges, int64(0))
	assert.Greater(t, st.Collapses, int64(0))
	assert.Equal(t, 1, st.Layers)

	// 回收之后只剩第 0 层的根节点
	r := NewReclaimer(tr, 0)
	r.Flush()
	assert.Equal(t, int64(1), tr.Stats().NodesLive)
	assert.Nil(t, tr.Validate())
}

// 随机操作，与 map 对比，并检查结构
func TestTree_RandomOps(t *testing.T) {
	tr := newTestTree(t, DefaultOptions)
	defer destroyTree(t, tr)

	rnd := rand.New(rand.NewSource(42))
	expected := make(map[string]int)
	key := func() []byte {
		// 长短不一、前缀大量重复的 key，覆盖多层
		k := make([]byte, rnd.Intn(20))
		for i := range k {
			k[i] = byte('a' + rnd.Intn(3))
		}
		return k
	}
	for round := 0; round < 20; round++ {
		for i := 0; i < 2000; i++ {
			k := key()
			if rnd.Intn(3) == 0 {
				_, ok := expected[string(k)]
				assert.Equal(t, ok, tr.Delete(k))
				delete(expected, string(k))
				continue
			}
			old, err := tr.Put(k, i)
			assert.Nil(t, err)
			if prev, ok := expected[string(k)]; ok {
				assert.Equal(t, prev, old)
			} else {
				assert.Nil(t, old)
			}
			expected[string(k)] = i
		}
		require.NoError(t, tr.Validate())
		assert.Equal(t, len(expected), tr.Len())
	}
	for k, want := range expected {
		v, ok := tr.Get([]byte(k))
		assert.True(t, ok)
		assert.Equal(t, want, v)
	}
	for k := range expected {
		assert.True(t, tr.Delete([]byte(k)))
	}
	assert.Equal(t, 0, tr.Len())
	assert.Nil(t, tr.Validate())
}

func TestTree_OutOfMemory(t *testing.T) {
	opts := DefaultOptions
	opts.MaxNodes = 1
	tr := newTestTree(t, opts)
	defer destroyTree(t, tr)

	// 根节点写满之前不需要新节点
	for i := 0; i < fanout; i++ {
		_, err := tr.Put(utils.Uint64Key(uint64(i)), i)
		assert.Nil(t, err)
	}
	// 分裂需要两个新节点
	_, err := tr.Put(utils.Uint64Key(fanout), fanout)
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	_, ok := tr.Get(utils.Uint64Key(fanout))
	assert.False(t, ok)

	// 覆盖写不需要新节点
	old, err := tr.Put(utils.Uint64Key(3), "three")
	assert.Nil(t, err)
	assert.Equal(t, 3, old)

	// 根节点删除一个 key 之后有空位，但新建子层仍然需要新节点
	assert.True(t, tr.Delete(utils.Uint64Key(fanout-1)))
	_, err = tr.Put(utils.LayeredKey(1, 1), "layer")
	assert.Nil(t, err)
	_, err = tr.Put(utils.LayeredKey(1, 2), "layer")
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	_, ok = tr.Get(utils.LayeredKey(1, 2))
	assert.False(t, ok)
	v, ok := tr.Get(utils.LayeredKey(1, 1))
	assert.True(t, ok)
	assert.Equal(t, "layer", v)

	assert.Equal(t, fanout, tr.Len())
	assert.Equal(t, 1, tr.Stats().Layers)
	assert.Equal(t, int64(1), tr.Stats().NodesLive)
	assert.Nil(t, tr.Validate())
}

func TestTree_OutOfMemoryCascade(t *testing.T) {
	opts := DefaultOptions
	opts.MaxNodes = 40
	tr := newTestTree(t, opts)
	defer destroyTree(t, tr)

	inserted := 0
	var err error
	for i := 0; ; i++ {
		_, err = tr.Put(utils.Uint64Key(uint64(i)), i)
		if err != nil {
			break
		}
		inserted++
	}
	assert.True(t, errors.Is(err, ErrOutOfMemory))
	assert.Equal(t, inserted, tr.Len())
	assert.LessOrEqual(t, tr.Stats().NodesLive, int64(40))
	assert.Nil(t, tr.Validate())
	for i := 0; i < inserted; i++ {
		v, ok := tr.Get(utils.Uint64Key(uint64(i)))
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}

	// 删除并回收之后可以继续写入
	for i := 0; i < inserted/2; i++ {
		assert.True(t, tr.Delete(utils.Uint64Key(uint64(i))))
	}
	NewReclaimer(tr, 0).Flush()
	_, err = tr.Put(utils.Uint64Key(uint64(inserted)), inserted)
	assert.Nil(t, err)
	assert.Nil(t, tr.Validate())
}

// create/put/put/del/get/get/destroy
func TestTree_EndToEnd(t *testing.T) {
	tr := newTestTree(t, DefaultOptions)

	_, err := tr.Put([]byte("alpha"), 1)
	assert.Nil(t, err)
	_, err = tr.Put([]byte("beta"), 2)
	assert.Nil(t, err)
	assert.True(t, tr.Delete([]byte("alpha")))
	_, ok := tr.Get([]byte("alpha"))
	assert.False(t, ok)
	v, ok := tr.Get([]byte("beta"))
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	tr.Destroy()
	assert.Equal(t, int64(0), tr.nodes.Live())
	assert.Equal(t, tr.nodes.Allocs(), tr.nodes.Frees())
}

func TestTree_DestroyWithPending(t *testing.T) {
	tr := newTestTree(t, DefaultOptions)
	for i := 0; i < 1000; i++ {
		_, err := tr.Put(utils.GetTestKey(i), i)
		assert.Nil(t, err)
	}
	for i := 0; i < 900; i++ {
		assert.True(t, tr.Delete(utils.GetTestKey(i)))
	}
	b := tr.PrepareGC()
	assert.Greater(t, b.Len(), 0)
	for i := 0; i < 50; i++ {
		assert.True(t, tr.Delete(utils.GetTestKey(900+i)))
	}
	assert.Nil(t, tr.Validate())

	// 未 GC 的批次和 limbo 中的节点都由 Destroy 释放
	tr.Destroy()
	assert.Equal(t, tr.nodes.Allocs(), tr.nodes.Frees())
}

func TestTree_GC(t *testing.T) {
	tr := newTestTree(t, DefaultOptions)
	defer destroyTree(t, tr)

	for i := 0; i < 5000; i++ {
		_, err := tr.Put(utils.GetTestKey(i), i)
		assert.Nil(t, err)
	}
	live := tr.Stats().NodesLive
	for i := 0; i < 5000; i++ {
		assert.True(t, tr.Delete(utils.GetTestKey(i)))
	}
	st := tr.Stats()
	assert.Equal(t, live, st.NodesLive)
	assert.Greater(t, st.PendingNodes, 0)

	b := tr.PrepareGC()
	assert.Equal(t, st.PendingNodes, b.Len())
	assert.Equal(t, st.Epoch+1, b.Epoch())
	assert.Equal(t, 0, tr.Stats().PendingNodes)
	assert.Nil(t, tr.Validate())

	tr.GC(b)
	assert.Equal(t, int64(1), tr.Stats().NodesLive)
	assert.Equal(t, int64(b.Len()), tr.Stats().NodesFreed)

	// 同一个批次重复 GC 不做任何事
	tr.GC(b)
	tr.GC(nil)
	assert.Equal(t, int64(1), tr.Stats().NodesLive)
	assert.Nil(t, tr.Validate())
}
