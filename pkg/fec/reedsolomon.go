package fec

import (
	"fmt"

	"RQInterleave/pkg/oti"

	rs "github.com/klauspost/reedsolomon"
)

// MaxReedSolomonShards GF(2^8) 下 源 + 校验 的上限
const MaxReedSolomonShards = 256

// ReedSolomonScheme 系统 RS 码，ESI < K 为数据分片，ESI >= K 为校验分片。
// 默认 Vandermonde 矩阵的第 i 行与总分片数无关，所以编码端按实际修复数、
// 解码端按最大校验数构造的编解码器可以互通
type ReedSolomonScheme struct {
	codec      rs.Encoder
	k          int
	parity     int
	symbolSize int
}

func NewReedSolomon(k, parity uint32, symbolSize uint16) (*ReedSolomonScheme, error) {
	if parity == 0 {
		parity = 1
	}
	if k == 0 || symbolSize == 0 {
		return nil, fmt.Errorf("reed-solomon: k and symbol size must be non-zero")
	}
	if uint64(k)+uint64(parity) > MaxReedSolomonShards {
		return nil, fmt.Errorf("reed-solomon: %d source + %d repair symbols exceed %d", k, parity, MaxReedSolomonShards)
	}
	codec, err := rs.New(int(k), int(parity))
	if err != nil {
		return nil, fmt.Errorf("create reed-solomon codec failed: %w", err)
	}
	return &ReedSolomonScheme{
		codec:      codec,
		k:          int(k),
		parity:     int(parity),
		symbolSize: int(symbolSize),
	}, nil
}

func (s *ReedSolomonScheme) ID() uint8 { return oti.ReedSolomonGF28 }

func (s *ReedSolomonScheme) NewEncoder(block []byte) (BlockEncoder, error) {
	if len(block) != s.k*s.symbolSize {
		return nil, fmt.Errorf("reed-solomon: block length %d, expected %d", len(block), s.k*s.symbolSize)
	}
	shards := make([][]byte, s.k+s.parity)
	for i := 0; i < s.k; i++ {
		shards[i] = block[i*s.symbolSize : (i+1)*s.symbolSize]
	}
	for i := s.k; i < len(shards); i++ {
		shards[i] = make([]byte, s.symbolSize)
	}
	if err := s.codec.Encode(shards); err != nil {
		return nil, fmt.Errorf("reed-solomon encode failed: %w", err)
	}
	return &reedSolomonEncoder{shards: shards}, nil
}

func (s *ReedSolomonScheme) NewDecoder(blockLength uint64) (BlockDecoder, error) {
	if blockLength != uint64(s.k*s.symbolSize) {
		return nil, fmt.Errorf("reed-solomon: block length %d, expected %d", blockLength, s.k*s.symbolSize)
	}
	return &reedSolomonDecoder{
		scheme: s,
		shards: make([][]byte, s.k+s.parity),
	}, nil
}

type reedSolomonEncoder struct {
	shards [][]byte
}

func (e *reedSolomonEncoder) Symbol(esi uint32) ([]byte, error) {
	if int(esi) >= len(e.shards) {
		return nil, fmt.Errorf("reed-solomon: ESI %d exceeds %d shards", esi, len(e.shards))
	}
	dup := make([]byte, len(e.shards[esi]))
	copy(dup, e.shards[esi])
	return dup, nil
}

type reedSolomonDecoder struct {
	scheme   *ReedSolomonScheme
	shards   [][]byte
	received int
}

func (d *reedSolomonDecoder) AddSymbol(esi uint32, data []byte) ([]byte, bool, error) {
	if len(data) != d.scheme.symbolSize {
		return nil, false, fmt.Errorf("reed-solomon: symbol length %d, expected %d", len(data), d.scheme.symbolSize)
	}
	if int(esi) >= len(d.shards) {
		return nil, false, fmt.Errorf("reed-solomon: ESI %d exceeds %d shards", esi, len(d.shards))
	}
	if d.shards[esi] == nil {
		d.shards[esi] = append([]byte(nil), data...)
		d.received++
	}
	if d.received < d.scheme.k {
		return nil, false, nil
	}

	if err := d.scheme.codec.ReconstructData(d.shards); err != nil {
		return nil, false, fmt.Errorf("reed-solomon reconstruct failed: %w", err)
	}
	out := make([]byte, 0, d.scheme.k*d.scheme.symbolSize)
	for i := 0; i < d.scheme.k; i++ {
		out = append(out, d.shards[i]...)
	}
	return out, true, nil
}
