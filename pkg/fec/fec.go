package fec

import (
	"errors"
	"fmt"

	"RQInterleave/pkg/oti"
)

var ErrUnsupportedScheme = errors.New("unsupported FEC encoding ID")

// BlockEncoder 单源块编码器。ESI < K 返回源符号，ESI >= K 返回修复符号
type BlockEncoder interface {
	Symbol(esi uint32) ([]byte, error)
}

// BlockDecoder 单源块解码器。符号不足时 done 为 false；
// 一旦能够恢复，返回完整块数据
type BlockDecoder interface {
	AddSymbol(esi uint32, data []byte) (block []byte, done bool, err error)
}

// Scheme 一个 FEC 方案实例，由所有交织块共享（同一 K、同一符号长度）
type Scheme interface {
	ID() uint8
	NewEncoder(block []byte) (BlockEncoder, error)
	NewDecoder(blockLength uint64) (BlockDecoder, error)
}

// New 编码端按 FEC Encoding ID 创建方案
func New(fecEncodingID uint8, k uint32, symbolSize uint16, repairSymbols uint32) (Scheme, error) {
	var (
		s   Scheme
		err error
	)
	switch fecEncodingID {
	case oti.RaptorQ:
		s, err = NewRaptorQ(k, symbolSize)
	case oti.ReedSolomonGF28:
		s, err = NewReedSolomon(k, repairSymbols, symbolSize)
	default:
		err = fmt.Errorf("%w: %d", ErrUnsupportedScheme, fecEncodingID)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ForOti 解码端根据 OTI 创建方案。解码端不知道修复符号数，
// Reed-Solomon 按 GF(2^8) 允许的最大校验数构造
func ForOti(o oti.Oti) (Scheme, error) {
	k := o.SymbolsPerBlock()
	if o.FECEncodingID == oti.ReedSolomonGF28 {
		if k == 0 || k >= MaxReedSolomonShards {
			return nil, fmt.Errorf("reed-solomon: %d source symbols out of range", k)
		}
		return New(o.FECEncodingID, k, o.SymbolSize, MaxReedSolomonShards-k)
	}
	return New(o.FECEncodingID, k, o.SymbolSize, 0)
}

// Name 便于日志与配置
func Name(fecEncodingID uint8) string {
	switch fecEncodingID {
	case oti.RaptorQ:
		return "RaptorQ"
	case oti.ReedSolomonGF28:
		return "ReedSolomonGF28"
	default:
		return fmt.Sprintf("Unknown(%d)", fecEncodingID)
	}
}

// ParseName 配置中的方案名 -> FEC Encoding ID
func ParseName(name string) (uint8, error) {
	switch name {
	case "", "RaptorQ", "raptorq":
		return oti.RaptorQ, nil
	case "ReedSolomon", "ReedSolomonGF28", "reedsolomon", "rs":
		return oti.ReedSolomonGF28, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedScheme, name)
	}
}
