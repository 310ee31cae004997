package oti

import (
	"errors"
	"fmt"
)

// Size 序列化后的 OTI 长度
const Size = 12

// MaxTransferLength 40 位传输长度上限
const MaxTransferLength = (uint64(1) << 40) - 1

const (
	// FEC Encoding ID, RFC 5510 / RFC 6330
	ReedSolomonGF28 uint8 = 5
	RaptorQ         uint8 = 6
)

var ErrInvalidOti = errors.New("invalid OTI")

type Oti struct {
	TransferLength  uint64
	FECEncodingID   uint8
	SymbolSize      uint16
	SourceBlocks    uint8
	SubBlocks       uint16
	SymbolAlignment uint8
}

// NewSingleBlock 描述由 k 个符号组成的单源块对象，每个交织块都按这种对象处理
func NewSingleBlock(fecEncodingID uint8, k uint32, symbolSize uint16) (Oti, error) {
	var alignment uint8 = 8
	if symbolSize%8 != 0 {
		alignment = 1
	}
	o := Oti{
		TransferLength:  uint64(k) * uint64(symbolSize),
		FECEncodingID:   fecEncodingID,
		SymbolSize:      symbolSize,
		SourceBlocks:    1,
		SubBlocks:       1,
		SymbolAlignment: alignment,
	}
	if err := o.Validate(); err != nil {
		return Oti{}, err
	}
	return o, nil
}

func (o Oti) Validate() error {
	if o.TransferLength > MaxTransferLength {
		return fmt.Errorf("%w: transfer length %d does not fit in 40 bits", ErrInvalidOti, o.TransferLength)
	}
	if o.SymbolSize == 0 {
		return fmt.Errorf("%w: symbol size must be non-zero", ErrInvalidOti)
	}
	if o.SourceBlocks == 0 {
		return fmt.Errorf("%w: number of source blocks must be non-zero", ErrInvalidOti)
	}
	if o.SubBlocks == 0 {
		return fmt.Errorf("%w: number of sub-blocks must be non-zero", ErrInvalidOti)
	}
	if o.SymbolAlignment == 0 {
		return fmt.Errorf("%w: symbol alignment must be non-zero", ErrInvalidOti)
	}
	return nil
}

// Serialize 按 12 字节布局编码（大端序）
func (o Oti) Serialize() [Size]byte {
	var b [Size]byte

	// Transfer Length (F) 40 bits
	b[0] = byte(o.TransferLength >> 32)
	b[1] = byte(o.TransferLength >> 24)
	b[2] = byte(o.TransferLength >> 16)
	b[3] = byte(o.TransferLength >> 8)
	b[4] = byte(o.TransferLength)

	b[5] = o.FECEncodingID

	// Symbol Size (T)
	b[6] = byte(o.SymbolSize >> 8)
	b[7] = byte(o.SymbolSize)

	// Z
	b[8] = o.SourceBlocks

	// N
	b[9] = byte(o.SubBlocks >> 8)
	b[10] = byte(o.SubBlocks)

	// Al
	b[11] = o.SymbolAlignment

	return b
}

func Deserialize(data []byte) (Oti, error) {
	if len(data) != Size {
		return Oti{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidOti, Size, len(data))
	}

	o := Oti{
		TransferLength: uint64(data[0])<<32 |
			uint64(data[1])<<24 |
			uint64(data[2])<<16 |
			uint64(data[3])<<8 |
			uint64(data[4]),
		FECEncodingID:   data[5],
		SymbolSize:      uint16(data[6])<<8 | uint16(data[7]),
		SourceBlocks:    data[8],
		SubBlocks:       uint16(data[9])<<8 | uint16(data[10]),
		SymbolAlignment: data[11],
	}
	if err := o.Validate(); err != nil {
		return Oti{}, err
	}
	return o, nil
}

// SymbolsPerBlock 单源块对象的源符号数 K
func (o Oti) SymbolsPerBlock() uint32 {
	if o.SymbolSize == 0 {
		return 0
	}
	return uint32(o.TransferLength / uint64(o.SymbolSize))
}

func (o Oti) String() string {
	return fmt.Sprintf("OTI{F=%d, FEC=%d, T=%d, Z=%d, N=%d, Al=%d}",
		o.TransferLength, o.FECEncodingID, o.SymbolSize, o.SourceBlocks, o.SubBlocks, o.SymbolAlignment)
}
