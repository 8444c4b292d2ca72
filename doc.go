// Package masstree 并发的内存有序索引，key 为任意长度的字节串
//
// key 被切成 8 字节的切片，每一层切片由一棵 B+ 树（layer）负责
// 两个 key 的切片相同并且都没有结束时，border 中的 entry 替换为指向下一层 layer 的指针
// 读操作不加锁：读取版本号、读取节点、校验版本号，有变化时从根节点重新开始
// 写操作只对需要修改的节点 try-lock，冲突时重试
//
// 被摘除的节点不会立即释放，调用方调用 PrepareGC，之后用返回的批次调用 GC，
// 或者使用 Reclaimer
package masstree
