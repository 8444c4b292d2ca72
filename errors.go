package masstree

import "github.com/cockroachdb/errors"

var (
	ErrOutOfMemory    = errors.New("masstree: out of memory")
	ErrInvalidOptions = errors.New("masstree: invalid options")
)
