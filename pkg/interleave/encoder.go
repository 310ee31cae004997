package interleave

import (
	"fmt"

	"RQInterleave/pkg/fec"
	"RQInterleave/pkg/oti"
	"RQInterleave/pkg/packet"

	"go.uber.org/zap"
)

type BlockStatus struct {
	BlockID       uint32
	PacketCount   uint32
	IsReady       bool
	SourceSymbols uint32
}

type encodingBlock struct {
	data        []byte // K * symbolSize
	packetCount uint32
	blockID     uint32
	encoder     fec.BlockEncoder // 收满 K 个符号后才创建
}

// primitive 只有在块已就绪时返回编码器
func (b *encodingBlock) primitive() (fec.BlockEncoder, bool) {
	return b.encoder, b.encoder != nil
}

func (b *encodingBlock) reset(newBlockID uint32) {
	b.data = b.data[:0]
	b.packetCount = 0
	b.blockID = newBlockID
	b.encoder = nil
}

// Encoder 交织编码器：源符号按轮询分配到 depth 个块，
// 每个块收满 K 个符号即可产生修复符号，首个修复符号的延迟缩短为 1/depth
type Encoder struct {
	depth         uint32
	k             uint32
	symbolSize    uint16
	repairSymbols uint32

	blocks       []encodingBlock
	cursor       uint32
	totalPackets uint64

	oti    oti.Oti
	scheme fec.Scheme
	logger *zap.Logger
}

func NewEncoder(depth, k uint32, symbolSize uint16, repairSymbols uint32, opts ...Option) (*Encoder, error) {
	if !validDepth(depth) {
		return nil, fmt.Errorf("%w: depth %d out of range [1, %d]", ErrInvalidParameter, depth, MaxDepth)
	}
	if k == 0 || symbolSize == 0 {
		return nil, fmt.Errorf("%w: k (%d) and symbol size (%d) must be non-zero", ErrInvalidParameter, k, symbolSize)
	}
	o := buildOptions(opts)

	// 所有块 K 相同，共享一个方案实例
	scheme, err := fec.New(o.schemeID, k, symbolSize, repairSymbols)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	// 每个交织块都是一个单源块对象：transfer_length = K * T
	desc, err := oti.NewSingleBlock(o.schemeID, k, symbolSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}

	blockLen := int(k) * int(symbolSize)
	blocks := make([]encodingBlock, depth)
	for i := range blocks {
		blocks[i] = encodingBlock{
			data:    make([]byte, 0, blockLen),
			blockID: uint32(i),
		}
	}

	o.logger.Debug("interleaved encoder created",
		zap.Uint32("depth", depth),
		zap.Uint32("k", k),
		zap.Uint16("symbol_size", symbolSize),
		zap.Uint32("repair_symbols", repairSymbols),
		zap.String("scheme", fec.Name(o.schemeID)))

	return &Encoder{
		depth:         depth,
		k:             k,
		symbolSize:    symbolSize,
		repairSymbols: repairSymbols,
		blocks:        blocks,
		oti:           desc,
		scheme:        scheme,
		logger:        o.logger,
	}, nil
}

// AddPacket 把一个源符号放入游标所在的块，返回该符号所属的 block_id。
// 不足 symbolSize 的数据补零。游标所在块已满（未取修复符号）时拒绝，不修改任何状态
func (e *Encoder) AddPacket(data []byte) (uint32, error) {
	if len(data) > int(e.symbolSize) {
		return 0, fmt.Errorf("%w: packet length %d exceeds symbol size %d", ErrInvalidParameter, len(data), e.symbolSize)
	}

	idx := e.cursor
	blk := &e.blocks[idx]
	if blk.packetCount >= e.k {
		return 0, fmt.Errorf("%w: block %d (id %d) is full, generate repair first", ErrInvalidParameter, idx, blk.blockID)
	}

	start := len(blk.data)
	blk.data = append(blk.data, data...)
	for pad := int(e.symbolSize) - len(data); pad > 0; pad-- {
		blk.data = append(blk.data, 0)
	}

	if blk.packetCount+1 == e.k {
		enc, err := e.scheme.NewEncoder(blk.data)
		if err != nil {
			blk.data = blk.data[:start]
			return 0, fmt.Errorf("%w: block %d: %v", ErrFailure, blk.blockID, err)
		}
		blk.encoder = enc
		e.logger.Debug("block ready", zap.Uint32("index", idx), zap.Uint32("block_id", blk.blockID))
	}
	blk.packetCount++
	e.totalPackets++

	e.cursor = (e.cursor + 1) % e.depth
	return blk.blockID, nil
}

func (e *Encoder) BlockStatus(index uint32) (BlockStatus, error) {
	if index >= e.depth {
		return BlockStatus{}, fmt.Errorf("%w: block index %d out of range", ErrInvalidParameter, index)
	}
	blk := &e.blocks[index]
	return BlockStatus{
		BlockID:       blk.blockID,
		PacketCount:   blk.packetCount,
		IsReady:       blk.packetCount == e.k,
		SourceSymbols: e.k,
	}, nil
}

// GenerateRepair 生成 repairSymbols 个修复帧（block_id | K+i | symbol）并拼接返回。
// 成功后该块重置，block_id 前进 depth，进入下一轮
func (e *Encoder) GenerateRepair(index uint32) ([]byte, error) {
	if index >= e.depth {
		return nil, fmt.Errorf("%w: block index %d out of range", ErrInvalidParameter, index)
	}
	blk := &e.blocks[index]
	enc, ok := blk.primitive()
	if blk.packetCount != e.k || !ok {
		return nil, fmt.Errorf("%w: block %d has %d/%d packets", ErrNotComplete, blk.blockID, blk.packetCount, e.k)
	}

	out := make([]byte, 0, int(e.repairSymbols)*e.FrameSize())
	for i := uint32(0); i < e.repairSymbols; i++ {
		esi := e.k + i
		sym, err := enc.Symbol(esi)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d repair symbol %d: %v", ErrFailure, blk.blockID, esi, err)
		}
		out = packet.AppendFrame(out, packet.PayloadID{BlockID: blk.blockID, SymbolID: esi}, sym)
	}

	e.logger.Debug("repair generated",
		zap.Uint32("index", index),
		zap.Uint32("block_id", blk.blockID),
		zap.Uint32("repair_symbols", e.repairSymbols))

	blk.reset(blk.blockID + e.depth)
	return out, nil
}

// SourcePackets 按到达顺序返回块内已有源符号的帧（block_id | i | symbol），不重置块
func (e *Encoder) SourcePackets(index uint32) ([]byte, error) {
	if index >= e.depth {
		return nil, fmt.Errorf("%w: block index %d out of range", ErrInvalidParameter, index)
	}
	blk := &e.blocks[index]
	if blk.packetCount == 0 {
		return nil, fmt.Errorf("%w: block %d is empty", ErrNotComplete, blk.blockID)
	}

	size := int(e.symbolSize)
	out := make([]byte, 0, int(blk.packetCount)*e.FrameSize())
	for i := uint32(0); i < blk.packetCount; i++ {
		start := int(i) * size
		out = packet.AppendFrame(out, packet.PayloadID{BlockID: blk.blockID, SymbolID: i}, blk.data[start:start+size])
	}
	return out, nil
}

func (e *Encoder) OTI() [oti.Size]byte {
	return e.oti.Serialize()
}

func (e *Encoder) Depth() uint32         { return e.depth }
func (e *Encoder) K() uint32             { return e.k }
func (e *Encoder) SymbolSize() uint16    { return e.symbolSize }
func (e *Encoder) RepairSymbols() uint32 { return e.repairSymbols }
func (e *Encoder) TotalPackets() uint64  { return e.totalPackets }

// Cursor 下一个源符号将进入的块下标
func (e *Encoder) Cursor() uint32 { return e.cursor }

// FrameSize 单帧长度：8 字节 Payload ID + 符号
func (e *Encoder) FrameSize() int {
	return packet.HeaderLen + int(e.symbolSize)
}
