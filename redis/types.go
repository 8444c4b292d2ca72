package redis

import (
	"hash/maphash"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"masstree-go/index"
)

var (
	ErrWrongTypeOperation = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	ErrKeyNotFound        = errors.New("key not found")
)

type redisDataType = byte

const (
	String redisDataType = iota
)

const lockStripes = 256

// RedisDataStructure 定义 Redis 数据结构
// 读操作直接访问索引，写操作按 key 分段加锁，保证过期删除不会覆盖新写入的值
type RedisDataStructure struct {
	idx   index.Indexer
	seed  maphash.Seed
	locks [lockStripes]sync.Mutex
}

func NewRedisDataStructure(idx index.Indexer) *RedisDataStructure {
	return &RedisDataStructure{idx: idx, seed: maphash.MakeSeed()}
}

func (rds *RedisDataStructure) lock(key []byte) *sync.Mutex {
	mu := &rds.locks[maphash.Bytes(rds.seed, key)%lockStripes]
	mu.Lock()
	return mu
}

// load 取出未过期的 value，expired 表示 key 存在但已经过期
func (rds *RedisDataStructure) load(key []byte) (md *metadata, payload []byte, ok bool, expired bool) {
	v, found := rds.idx.Get(key)
	if !found {
		return nil, nil, false, false
	}
	md, payload = decodeValue(v.([]byte))
	if md.expired(time.Now()) {
		return nil, nil, false, true
	}
	return md, payload, true, false
}

// ============================== String ==============================

func (rds *RedisDataStructure) Set(key []byte, ttl time.Duration, value []byte) error {
	if value == nil {
		return nil
	}
	md := &metadata{dataType: String}
	if ttl != 0 {
		md.expire = time.Now().Add(ttl).UnixNano()
	}
	encValue := encodeValue(md, value)

	mu := rds.lock(key)
	defer mu.Unlock()
	_, err := rds.idx.Put(key, encValue)
	return err
}

func (rds *RedisDataStructure) Get(key []byte) ([]byte, error) {
	md, payload, ok, expired := rds.load(key)
	if expired {
		rds.expire(key)
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	if md.dataType != String {
		return nil, ErrWrongTypeOperation
	}
	return payload, nil
}

// expire 删除已经过期的 key，加锁后重新检查，避免删除并发写入的新值
func (rds *RedisDataStructure) expire(key []byte) {
	mu := rds.lock(key)
	defer mu.Unlock()
	v, ok := rds.idx.Get(key)
	if !ok {
		return
	}
	if md, _ := decodeValue(v.([]byte)); md.expired(time.Now()) {
		rds.idx.Delete(key)
	}
}

// TTL 剩余的过期时间，-1 表示不过期
func (rds *RedisDataStructure) TTL(key []byte) (time.Duration, error) {
	md, _, ok, _ := rds.load(key)
	if !ok {
		return 0, ErrKeyNotFound
	}
	if md.expire == 0 {
		return -1, nil
	}
	return time.Until(time.Unix(0, md.expire)), nil
}

// ============================== Generic ==============================

func (rds *RedisDataStructure) Del(key []byte) (bool, error) {
	mu := rds.lock(key)
	defer mu.Unlock()
	_, _, live, _ := rds.load(key)
	existed := rds.idx.Delete(key)
	return existed && live, nil
}

func (rds *RedisDataStructure) Exists(key []byte) bool {
	_, _, ok, _ := rds.load(key)
	return ok
}

func (rds *RedisDataStructure) Type(key []byte) (redisDataType, error) {
	md, _, ok, _ := rds.load(key)
	if !ok {
		return 0, ErrKeyNotFound
	}
	return md.dataType, nil
}

// Size 索引中的 key 数量，包括已过期但还没有被删除的 key
func (rds *RedisDataStructure) Size() int {
	return rds.idx.Size()
}

func (rds *RedisDataStructure) Close() error {
	return rds.idx.Close()
}
