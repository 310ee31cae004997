package interleave

import "RQInterleave/pkg/packet"

// StreamPosition 流中第 n 个源符号所在的 (block_id, ESI)。
// 前提：编码端每个块一就绪就调用 GenerateRepair，所有块同步轮转
func StreamPosition(n uint64, depth, k uint32) packet.PayloadID {
	perCycle := uint64(depth) * uint64(k)
	cycle := n / perCycle
	inCycle := n % perCycle
	return packet.PayloadID{
		BlockID:  uint32(cycle*uint64(depth) + inCycle%uint64(depth)),
		SymbolID: uint32(inCycle / uint64(depth)),
	}
}

// BlocksForSymbols 承载 nSymbols 个源符号所需的块数（含补零）
func BlocksForSymbols(nSymbols uint64, depth, k uint32) uint64 {
	perCycle := uint64(depth) * uint64(k)
	cycles := (nSymbols + perCycle - 1) / perCycle
	return cycles * uint64(depth)
}
