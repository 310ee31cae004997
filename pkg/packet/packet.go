package packet

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen FEC Payload ID 长度：4(BlockID) + 4(SymbolID)
const HeaderLen = 8

// PayloadID 交织模式下的 FEC Payload ID
type PayloadID struct {
	BlockID  uint32 // 交织块编号，block_id mod depth 即块下标
	SymbolID uint32 // 块内符号 ID，>= K 为修复符号
}

// AppendFrame 追加编码端帧：block_id | symbol_id | payload
func AppendFrame(dst []byte, id PayloadID, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, id.BlockID)
	dst = binary.BigEndian.AppendUint32(dst, id.SymbolID)
	return append(dst, payload...)
}

// AppendTrailerFrame 追加解码端帧：payload | block_id | symbol_id
// 头放在尾部，payload 从帧首开始，保持对齐
func AppendTrailerFrame(dst []byte, id PayloadID, payload []byte) []byte {
	dst = append(dst, payload...)
	dst = binary.BigEndian.AppendUint32(dst, id.BlockID)
	return binary.BigEndian.AppendUint32(dst, id.SymbolID)
}

// ParseFrame 解析单个编码端帧，payload 与 frame 共享底层内存
func ParseFrame(frame []byte, symbolSize int) (PayloadID, []byte, error) {
	if len(frame) != HeaderLen+symbolSize {
		return PayloadID{}, nil, fmt.Errorf("frame length %d, expected %d", len(frame), HeaderLen+symbolSize)
	}
	id := PayloadID{
		BlockID:  binary.BigEndian.Uint32(frame[0:4]),
		SymbolID: binary.BigEndian.Uint32(frame[4:8]),
	}
	return id, frame[HeaderLen:], nil
}

// ParseTrailerFrame 解析解码端帧，payload 与 frame 共享底层内存
func ParseTrailerFrame(frame []byte, symbolSize int) (PayloadID, []byte, error) {
	if len(frame) < HeaderLen {
		return PayloadID{}, nil, fmt.Errorf("frame too short: %d", len(frame))
	}
	payloadLen := len(frame) - HeaderLen
	if payloadLen != symbolSize {
		return PayloadID{}, nil, fmt.Errorf("payload length %d, expected %d", payloadLen, symbolSize)
	}
	id := PayloadID{
		BlockID:  binary.BigEndian.Uint32(frame[payloadLen : payloadLen+4]),
		SymbolID: binary.BigEndian.Uint32(frame[payloadLen+4:]),
	}
	return id, frame[:payloadLen], nil
}

// SplitFrames 把 GenerateRepair / SourcePackets 的拼接输出拆成单帧
func SplitFrames(buf []byte, symbolSize int) ([][]byte, error) {
	frameLen := HeaderLen + symbolSize
	if symbolSize <= 0 || len(buf)%frameLen != 0 {
		return nil, fmt.Errorf("buffer length %d is not a multiple of frame length %d", len(buf), frameLen)
	}
	frames := make([][]byte, 0, len(buf)/frameLen)
	for off := 0; off < len(buf); off += frameLen {
		frames = append(frames, buf[off:off+frameLen])
	}
	return frames, nil
}

// Reframe 编码端帧 -> 解码端帧，返回新分配的切片
func Reframe(frame []byte, symbolSize int) ([]byte, error) {
	id, payload, err := ParseFrame(frame, symbolSize)
	if err != nil {
		return nil, err
	}
	return AppendTrailerFrame(make([]byte, 0, len(frame)), id, payload), nil
}

// ReframeAll 拆分并逐帧转换
func ReframeAll(buf []byte, symbolSize int) ([][]byte, error) {
	frames, err := SplitFrames(buf, symbolSize)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		r, err := Reframe(f, symbolSize)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
