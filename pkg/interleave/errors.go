package interleave

import "errors"

// MaxDepth 交织深度上限
const MaxDepth = 8

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotComplete      = errors.New("block not complete")
	ErrBufferTooSmall   = errors.New("buffer too small")
	ErrFailure          = errors.New("fec failure")
)

func validDepth(depth uint32) bool {
	return depth >= 1 && depth <= MaxDepth
}
