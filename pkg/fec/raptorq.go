package fec

import (
	"fmt"

	"RQInterleave/pkg/oti"

	raptorq "github.com/xssnick/raptorq"
)

type rqEncoder interface {
	GenSymbol(id uint32) []byte
	BaseSymbolsNum() uint32
}

type rqDecoder interface {
	AddSymbol(id uint32, data []byte) (bool, error)
	Decode() (bool, []byte, error)
}

type RaptorQScheme struct {
	rq         *raptorq.RaptorQ
	symbolSize uint16
}

// NewRaptorQ 构造时即按 K 校验块参数，K 超出 RaptorQ 范围时直接失败，
// 避免编码器收满 K-1 个符号后才发现无法建块
func NewRaptorQ(k uint32, symbolSize uint16) (*RaptorQScheme, error) {
	if k == 0 || symbolSize == 0 {
		return nil, fmt.Errorf("raptorq: k and symbol size must be non-zero")
	}
	blockLength := uint64(k) * uint64(symbolSize)
	if blockLength > uint64(^uint32(0)) {
		return nil, fmt.Errorf("raptorq: block length %d out of range", blockLength)
	}
	rq := raptorq.NewRaptorQ(uint32(symbolSize))
	if _, err := rq.CreateDecoder(uint32(blockLength)); err != nil {
		return nil, fmt.Errorf("raptorq: k=%d T=%d unsupported: %w", k, symbolSize, err)
	}
	return &RaptorQScheme{
		rq:         rq,
		symbolSize: symbolSize,
	}, nil
}

func (s *RaptorQScheme) ID() uint8 { return oti.RaptorQ }

func (s *RaptorQScheme) NewEncoder(block []byte) (BlockEncoder, error) {
	if len(block) == 0 || len(block)%int(s.symbolSize) != 0 {
		return nil, fmt.Errorf("raptorq: block length %d is not a multiple of symbol size %d", len(block), s.symbolSize)
	}
	enc, err := s.rq.CreateEncoder(block)
	if err != nil {
		return nil, fmt.Errorf("create RaptorQ encoder failed: %w", err)
	}
	return &raptorQEncoder{enc: enc}, nil
}

func (s *RaptorQScheme) NewDecoder(blockLength uint64) (BlockDecoder, error) {
	if blockLength == 0 || blockLength > uint64(^uint32(0)) {
		return nil, fmt.Errorf("raptorq: block length %d out of range", blockLength)
	}
	dec, err := s.rq.CreateDecoder(uint32(blockLength))
	if err != nil {
		return nil, fmt.Errorf("create RaptorQ decoder failed: %w", err)
	}
	return &raptorQDecoder{dec: dec, symbolSize: int(s.symbolSize), blockLength: int(blockLength)}, nil
}

type raptorQEncoder struct {
	enc rqEncoder
}

func (e *raptorQEncoder) Symbol(esi uint32) ([]byte, error) {
	raw := e.enc.GenSymbol(esi)
	if raw == nil {
		return nil, fmt.Errorf("raptorq: no symbol for ESI %d", esi)
	}
	// GenSymbol 可能返回内部缓冲区
	dup := make([]byte, len(raw))
	copy(dup, raw)
	return dup, nil
}

type raptorQDecoder struct {
	dec         rqDecoder
	symbolSize  int
	blockLength int
}

func (d *raptorQDecoder) AddSymbol(esi uint32, data []byte) ([]byte, bool, error) {
	if len(data) != d.symbolSize {
		return nil, false, fmt.Errorf("raptorq: symbol length %d, expected %d", len(data), d.symbolSize)
	}
	can, err := d.dec.AddSymbol(esi, data)
	if err != nil {
		return nil, false, fmt.Errorf("raptorq: add symbol %d: %w", esi, err)
	}
	if !can {
		return nil, false, nil
	}

	ok, decoded, err := d.dec.Decode()
	if err != nil || !ok || decoded == nil {
		// 已收到 K 个符号但矩阵不满秩，等待更多符号
		return nil, false, nil
	}
	if len(decoded) > d.blockLength {
		decoded = decoded[:d.blockLength]
	}
	out := make([]byte, len(decoded))
	copy(out, decoded)
	return out, true, nil
}
