package masstree

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"masstree-go/arena"
)

type Options struct {
	MaxNodes int // 节点数量上限，0 表示不限制

	SlabNodes int // 每个 slab 的节点数量，必须是 2 的幂

	Logger *zap.Logger // 日志，nil 时不输出
}

var DefaultOptions = Options{
	MaxNodes:  0,
	SlabNodes: arena.DefaultSlabSize,
	Logger:    nil,
}

func checkOptions(opts Options) error {
	if opts.MaxNodes < 0 || int64(opts.MaxNodes) > arena.MaxObjects {
		return errors.Wrapf(ErrInvalidOptions, "max nodes %d out of range", opts.MaxNodes)
	}
	if opts.SlabNodes <= 0 || opts.SlabNodes&(opts.SlabNodes-1) != 0 {
		return errors.Wrapf(ErrInvalidOptions, "slab nodes %d must be a positive power of two", opts.SlabNodes)
	}
	return nil
}
