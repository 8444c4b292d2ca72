package redis

import (
	"encoding/binary"
	"time"
)

const maxMetaDataSize = 1 + binary.MaxVarintLen64

// 元数据，保存在每个 value 的头部
type metadata struct {
	dataType byte  // 数据类型
	expire   int64 // 过期时间，0 表示不过期
}

func (md *metadata) expired(now time.Time) bool {
	return md.expire > 0 && md.expire <= now.UnixNano()
}

// encodeValue 编码 value : type + expire + payload
func encodeValue(md *metadata, payload []byte) []byte {
	buf := make([]byte, maxMetaDataSize+len(payload))
	buf[0] = md.dataType
	var index = 1
	index += binary.PutVarint(buf[index:], md.expire)
	index += copy(buf[index:], payload)
	return buf[:index]
}

// decodeValue 解码 value，返回元数据和数据部分
func decodeValue(buf []byte) (*metadata, []byte) {
	var index = 1
	expire, n := binary.Varint(buf[index:])
	index += n
	return &metadata{dataType: buf[0], expire: expire}, buf[index:]
}
