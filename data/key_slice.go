package data

import "encoding/binary"

const (
	// SliceSize 单个 key 切片覆盖的字节数
	SliceSize = 8

	// TagMore 标记 key 在该切片之后还有内容
	// 最后一个切片的标记为有效长度 0..SliceSize
	TagMore uint8 = SliceSize + 1
)

// KeySlice key 在某一层的 8 字节切片
type KeySlice struct {
	Value uint64 // 大端，不足 8 字节补 0
	Final bool   // 该切片之后 key 没有更多字节
	Len   int    // Value 中的有效字节数
}

// Tag 返回切片的长度标记，区分短 key 与共享前缀的长 key
func (ks KeySlice) Tag() uint8 {
	if !ks.Final {
		return TagMore
	}
	return uint8(ks.Len)
}

// Slice 取出 key 在 depth 层对应的切片
// 越界的 depth 返回全零、final、长度为 0 的切片
func Slice(key []byte, depth int) KeySlice {
	off := depth * SliceSize
	if depth < 0 || off >= len(key) {
		return KeySlice{Final: true}
	}
	rest := key[off:]
	if len(rest) > SliceSize {
		return KeySlice{Value: binary.BigEndian.Uint64(rest), Len: SliceSize}
	}
	var buf [SliceSize]byte
	copy(buf[:], rest)
	return KeySlice{Value: binary.BigEndian.Uint64(buf[:]), Final: true, Len: len(rest)}
}

// Compare 比较 (value, tag)，结果与原始 key 的字典序一致
func Compare(av uint64, at uint8, bv uint64, bt uint8) int {
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	case at < bt:
		return -1
	case at > bt:
		return 1
	}
	return 0
}

// Bytes 将切片还原为 key 的字节
func (ks KeySlice) Bytes() []byte {
	var buf [SliceSize]byte
	binary.BigEndian.PutUint64(buf[:], ks.Value)
	return buf[:ks.Len]
}
