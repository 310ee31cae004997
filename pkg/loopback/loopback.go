package loopback

import (
	"fmt"
	"math/rand"
	"time"

	"RQInterleave/pkg/interleave"
	"RQInterleave/pkg/oti"
	"RQInterleave/pkg/packet"
	utils "RQInterleave/pkg/utils"

	"go.uber.org/zap"
)

type Params struct {
	Depth         uint32
	SourceSymbols uint32
	SymbolSize    uint16
	RepairSymbols uint32
	Scheme        uint8
	Logger        *zap.Logger
}

type Report struct {
	Symbols          uint64
	BlocksTotal      uint64
	BlocksRecovered  uint64
	FramesSent       uint64
	FramesDropped    uint64
	OriginalMD5      string
	ReconstructedMD5 string
	Match            bool
	Elapsed          time.Duration
}

// Run 进程内自测：交织编码 -> 按 lossRate 随机丢帧 -> 交织解码 -> 比较 MD5。
// 块未能恢复不算错误，结果体现在 Report 中
func Run(data []byte, p Params, lossRate float64, seed int64) (Report, error) {
	var report Report
	if lossRate < 0 || lossRate >= 1 {
		return report, fmt.Errorf("loss rate %v out of range [0, 1)", lossRate)
	}
	if len(data) == 0 {
		return report, fmt.Errorf("empty input")
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if p.Scheme == 0 {
		p.Scheme = oti.RaptorQ
	}
	startTime := time.Now()

	enc, err := interleave.NewEncoder(p.Depth, p.SourceSymbols, p.SymbolSize, p.RepairSymbols,
		interleave.WithScheme(p.Scheme), interleave.WithLogger(logger))
	if err != nil {
		return report, err
	}
	o := enc.OTI()
	dec, err := interleave.NewDecoder(o[:], p.Depth, interleave.WithLogger(logger))
	if err != nil {
		return report, err
	}

	rng := rand.New(rand.NewSource(seed))
	blocks := make(map[uint32][]byte)

	deliver := func(frame []byte) error {
		report.FramesSent++
		if rng.Float64() < lossRate {
			report.FramesDropped++
			return nil
		}
		index, done, err := dec.AddPacket(frame)
		if err != nil || !done {
			return err
		}
		blockID, err := dec.BlockID(index)
		if err != nil {
			return err
		}
		blk, err := dec.BlockData(index)
		if err != nil {
			return err
		}
		blocks[blockID] = blk
		return dec.ResetBlock(index)
	}

	push := func(chunk []byte) error {
		blockID, err := enc.AddPacket(chunk)
		if err != nil {
			return err
		}
		index := blockID % enc.Depth()
		status, err := enc.BlockStatus(index)
		if err != nil {
			return err
		}
		symbol := make([]byte, enc.SymbolSize())
		copy(symbol, chunk)
		frame := packet.AppendTrailerFrame(nil, packet.PayloadID{BlockID: blockID, SymbolID: status.PacketCount - 1}, symbol)
		if err := deliver(frame); err != nil {
			return err
		}
		if !status.IsReady {
			return nil
		}
		repair, err := enc.GenerateRepair(index)
		if err != nil {
			return err
		}
		frames, err := packet.ReframeAll(repair, int(enc.SymbolSize()))
		if err != nil {
			return err
		}
		for _, f := range frames {
			if err := deliver(f); err != nil {
				return err
			}
		}
		return nil
	}

	symbolSize := int(p.SymbolSize)
	for i := 0; i < len(data); i += symbolSize {
		end := i + symbolSize
		if end > len(data) {
			end = len(data)
		}
		if err := push(data[i:end]); err != nil {
			return report, err
		}
	}

	report.Symbols = uint64((len(data) + symbolSize - 1) / symbolSize)
	report.BlocksTotal = interleave.BlocksForSymbols(report.Symbols, p.Depth, p.SourceSymbols)
	for n := report.Symbols; n < report.BlocksTotal*uint64(p.SourceSymbols); n++ {
		if err := push(nil); err != nil {
			return report, err
		}
	}
	report.BlocksRecovered = uint64(len(blocks))

	report.OriginalMD5 = utils.CalculateMD5(data)
	if report.BlocksRecovered == report.BlocksTotal {
		reconstructed := make([]byte, 0, report.Symbols*uint64(symbolSize))
		for n := uint64(0); n < report.Symbols; n++ {
			pos := interleave.StreamPosition(n, p.Depth, p.SourceSymbols)
			off := int(pos.SymbolID) * symbolSize
			reconstructed = append(reconstructed, blocks[pos.BlockID][off:off+symbolSize]...)
		}
		report.ReconstructedMD5 = utils.CalculateMD5(reconstructed[:len(data)])
		report.Match = report.OriginalMD5 == report.ReconstructedMD5
	}
	report.Elapsed = time.Since(startTime)

	logger.Info("loopback finished",
		zap.Uint64("blocks_total", report.BlocksTotal),
		zap.Uint64("blocks_recovered", report.BlocksRecovered),
		zap.Uint64("frames_sent", report.FramesSent),
		zap.Uint64("frames_dropped", report.FramesDropped),
		zap.Bool("md5_match", report.Match),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}
