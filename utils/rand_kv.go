package utils

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"
)

var (
	randStr = rand.New(rand.NewSource(time.Now().Unix()))
	letters = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
)

// GetTestKey 获取测试使用的 key
func GetTestKey(i int) []byte {
	return []byte(fmt.Sprintf("masstree-go-key-%09d", i))
}

// RandomValue 生成随机 value，用于测试
func RandomValue(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[randStr.Intn(len(letters))]
	}
	return []byte("masstree-go-value-" + string(b))
}

// Uint64Key 8 字节大端 key，只占一层
func Uint64Key(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// LayeredKey 16 字节 key，第一个 8 字节相同的 key 会落在同一个子层
func LayeredKey(k1, k2 uint64) []byte {
	return binary.BigEndian.AppendUint64(Uint64Key(k1), k2)
}
