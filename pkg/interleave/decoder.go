package interleave

import (
	"fmt"

	"RQInterleave/pkg/fec"
	"RQInterleave/pkg/oti"
	"RQInterleave/pkg/packet"

	"go.uber.org/zap"
)

type decodingBlock struct {
	decoder     fec.BlockDecoder
	blockID     uint32
	complete    bool
	decodedData []byte
	packetCount uint32
	seen        map[uint32]struct{} // 本轮已接受的 ESI
}

// Decoder 交织解码器：按 block_id mod depth 路由符号，
// 每个块独立解码，完成后由调用方取走数据并重置
type Decoder struct {
	depth       uint32
	k           uint32
	symbolSize  uint16
	blockLength uint64

	blocks []decodingBlock

	oti    oti.Oti
	scheme fec.Scheme
	logger *zap.Logger
}

func NewDecoder(otiBytes []byte, depth uint32, opts ...Option) (*Decoder, error) {
	if !validDepth(depth) {
		return nil, fmt.Errorf("%w: depth %d out of range [1, %d]", ErrInvalidParameter, depth, MaxDepth)
	}
	desc, err := oti.Deserialize(otiBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if desc.TransferLength == 0 || desc.TransferLength%uint64(desc.SymbolSize) != 0 {
		return nil, fmt.Errorf("%w: transfer length %d is not a multiple of symbol size %d",
			ErrInvalidParameter, desc.TransferLength, desc.SymbolSize)
	}
	o := buildOptions(opts)

	scheme, err := fec.ForOti(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}

	d := &Decoder{
		depth:       depth,
		k:           desc.SymbolsPerBlock(),
		symbolSize:  desc.SymbolSize,
		blockLength: desc.TransferLength,
		blocks:      make([]decodingBlock, depth),
		oti:         desc,
		scheme:      scheme,
		logger:      o.logger,
	}
	for i := range d.blocks {
		if err := d.resetTo(&d.blocks[i], uint32(i)); err != nil {
			return nil, err
		}
	}

	o.logger.Debug("interleaved decoder created",
		zap.Uint32("depth", depth),
		zap.Uint32("k", d.k),
		zap.Uint16("symbol_size", d.symbolSize),
		zap.String("scheme", fec.Name(desc.FECEncodingID)))

	return d, nil
}

func (d *Decoder) resetTo(blk *decodingBlock, blockID uint32) error {
	dec, err := d.scheme.NewDecoder(d.blockLength)
	if err != nil {
		return fmt.Errorf("%w: block %d: %v", ErrFailure, blockID, err)
	}
	*blk = decodingBlock{
		decoder: dec,
		blockID: blockID,
		seen:    make(map[uint32]struct{}, d.k),
	}
	return nil
}

// AddPacket 输入一帧 payload | block_id | symbol_id。
// 返回刚完成解码的块下标；过期、重复或已完成块的符号直接丢弃，不算错误
func (d *Decoder) AddPacket(data []byte) (uint32, bool, error) {
	id, payload, err := packet.ParseTrailerFrame(data, int(d.symbolSize))
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}

	index := id.BlockID % d.depth
	blk := &d.blocks[index]

	if id.BlockID != blk.blockID {
		if id.BlockID < blk.blockID {
			d.logger.Debug("stale symbol dropped",
				zap.Uint32("block_id", id.BlockID),
				zap.Uint32("current", blk.blockID))
			return 0, false, nil
		}
		// 新一轮：丢弃旧块中未完成的状态
		if !blk.complete && blk.packetCount > 0 {
			d.logger.Debug("block abandoned",
				zap.Uint32("block_id", blk.blockID),
				zap.Uint32("received", blk.packetCount),
				zap.Uint32("next", id.BlockID))
		}
		if err := d.resetTo(blk, id.BlockID); err != nil {
			return 0, false, err
		}
	}

	if blk.complete {
		return 0, false, nil
	}

	if _, dup := blk.seen[id.SymbolID]; dup {
		return 0, false, nil
	}

	// 解码器可能持有符号内存，不能引用调用方的缓冲区
	symbol := append([]byte(nil), payload...)
	decoded, done, err := blk.decoder.AddSymbol(id.SymbolID, symbol)
	if err != nil {
		// 单个符号无法使用，块状态仍然可以继续
		d.logger.Debug("symbol rejected by decoder",
			zap.Uint32("block_id", id.BlockID),
			zap.Uint32("symbol_id", id.SymbolID),
			zap.Error(err))
		return 0, false, nil
	}
	blk.seen[id.SymbolID] = struct{}{}
	blk.packetCount++
	if !done {
		return 0, false, nil
	}

	blk.complete = true
	blk.decodedData = decoded
	blk.decoder = nil
	blk.seen = nil
	d.logger.Debug("block decoded",
		zap.Uint32("index", index),
		zap.Uint32("block_id", blk.blockID),
		zap.Uint32("received", blk.packetCount))
	return index, true, nil
}

func (d *Decoder) checkIndex(index uint32) error {
	if index >= d.depth {
		return fmt.Errorf("%w: block index %d out of range", ErrInvalidParameter, index)
	}
	return nil
}

func (d *Decoder) IsBlockComplete(index uint32) (bool, error) {
	if err := d.checkIndex(index); err != nil {
		return false, err
	}
	return d.blocks[index].complete, nil
}

// BlockData 返回已解码块数据的副本
func (d *Decoder) BlockData(index uint32) ([]byte, error) {
	if err := d.checkIndex(index); err != nil {
		return nil, err
	}
	blk := &d.blocks[index]
	if !blk.complete || blk.decodedData == nil {
		return nil, fmt.Errorf("%w: block %d", ErrNotComplete, blk.blockID)
	}
	out := make([]byte, len(blk.decodedData))
	copy(out, blk.decodedData)
	return out, nil
}

// CopyBlockData 复制到调用方缓冲区，空间不足时不做任何拷贝
func (d *Decoder) CopyBlockData(index uint32, dst []byte) (int, error) {
	if err := d.checkIndex(index); err != nil {
		return 0, err
	}
	blk := &d.blocks[index]
	if !blk.complete || blk.decodedData == nil {
		return 0, fmt.Errorf("%w: block %d", ErrNotComplete, blk.blockID)
	}
	if len(dst) < len(blk.decodedData) {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, len(blk.decodedData), len(dst))
	}
	return copy(dst, blk.decodedData), nil
}

func (d *Decoder) BlockID(index uint32) (uint32, error) {
	if err := d.checkIndex(index); err != nil {
		return 0, err
	}
	return d.blocks[index].blockID, nil
}

// ReceivedCount 当前轮次该块被解码器接受的不同符号数
func (d *Decoder) ReceivedCount(index uint32) (uint32, error) {
	if err := d.checkIndex(index); err != nil {
		return 0, err
	}
	return d.blocks[index].packetCount, nil
}

// ResetBlock 手动推进到下一轮（block_id += depth）
func (d *Decoder) ResetBlock(index uint32) error {
	if err := d.checkIndex(index); err != nil {
		return err
	}
	blk := &d.blocks[index]
	return d.resetTo(blk, blk.blockID+d.depth)
}

func (d *Decoder) Depth() uint32      { return d.depth }
func (d *Decoder) K() uint32          { return d.k }
func (d *Decoder) SymbolSize() uint16 { return d.symbolSize }
func (d *Decoder) BlockLength() uint64 {
	return d.blockLength
}

func (d *Decoder) OTI() oti.Oti { return d.oti }
