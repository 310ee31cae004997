package sender

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"RQInterleave/pkg/cenc"
	"RQInterleave/pkg/fdt"
	fd "RQInterleave/pkg/filedesc"
	"RQInterleave/pkg/interleave"
	"RQInterleave/pkg/oti"
	"RQInterleave/pkg/packet"
	utils "RQInterleave/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureConn 记录每个数据报的副本
type captureConn struct {
	datagrams [][]byte
}

func (c *captureConn) Write(p []byte) (int, error) {
	c.datagrams = append(c.datagrams, append([]byte(nil), p...))
	return len(p), nil
}

func randomPayload(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func split(t *testing.T, datagrams [][]byte) (ctrl []*fdt.ExtFDT, frames [][]byte) {
	t.Helper()
	for _, d := range datagrams {
		if fdt.IsControl(d) {
			f, err := fdt.Unmarshal(d)
			require.NoError(t, err)
			ctrl = append(ctrl, f)
			continue
		}
		frames = append(frames, d)
	}
	return ctrl, frames
}

func TestNewSenderRejectsNilConn(t *testing.T) {
	_, err := NewSender(nil, SenderConfig{}, nil)
	assert.Error(t, err)
}

func TestSendFrameLayout(t *testing.T) {
	const depth, k, symbolSize, repair = 3, 4, 64, 2
	conn := &captureConn{}
	s, err := NewSender(conn, SenderConfig{
		Depth:         depth,
		SourceSymbols: k,
		SymbolSize:    symbolSize,
		RepairSymbols: repair,
	}, nil)
	require.NoError(t, err)

	data := randomPayload(5000, 1)
	desc := &fd.FileDesc{Name: "a.bin"}
	require.NoError(t, s.Send(context.Background(), desc, data))

	assert.NotEmpty(t, desc.Session)
	assert.Equal(t, utils.CalculateMD5(data), desc.Md5)

	ctrl, frames := split(t, conn.datagrams)
	require.Len(t, ctrl, 2)
	assert.Equal(t, fdt.KindAnnounce, ctrl[0].Kind)
	assert.Equal(t, fdt.KindClose, ctrl[1].Kind)
	assert.True(t, fdt.IsControl(conn.datagrams[0]))
	assert.True(t, fdt.IsControl(conn.datagrams[len(conn.datagrams)-1]))

	o, err := oti.Deserialize(ctrl[0].Oti)
	require.NoError(t, err)
	assert.Equal(t, uint8(oti.RaptorQ), o.FECEncodingID)
	assert.Equal(t, uint64(k*symbolSize), o.TransferLength)
	assert.Equal(t, uint32(depth), ctrl[0].Depth)
	assert.Equal(t, uint64(len(data)), ctrl[1].TransferLength)
	assert.Equal(t, desc.Md5, ctrl[1].Md5)

	// 79 个源符号 -> 7 轮共 21 个块，补 5 个零符号
	nSymbols := uint64((len(data) + symbolSize - 1) / symbolSize)
	nBlocks := interleave.BlocksForSymbols(nSymbols, depth, k)
	assert.Equal(t, uint64(21), nBlocks)
	assert.Equal(t, nBlocks*k, s.Stats.SourceFrames)
	assert.Equal(t, nBlocks*k-nSymbols, s.Stats.PaddingSymbols)
	assert.Equal(t, nBlocks*repair, s.Stats.RepairFrames)
	assert.Len(t, frames, int(nBlocks*(k+repair)))

	// 源帧顺序与 StreamPosition 一致，内容为原始数据
	n := uint64(0)
	for _, f := range frames {
		id, payload, err := packet.ParseTrailerFrame(f, symbolSize)
		require.NoError(t, err)
		if id.SymbolID >= k {
			continue
		}
		assert.Equal(t, interleave.StreamPosition(n, depth, k), id, "symbol %d", n)
		if n < nSymbols {
			start := int(n) * symbolSize
			end := start + symbolSize
			if end > len(data) {
				end = len(data)
			}
			assert.True(t, bytes.Equal(data[start:end], payload[:end-start]))
		}
		n++
	}
	assert.Equal(t, nBlocks*k, n)
}

func TestSendFramesDecode(t *testing.T) {
	const depth, k, symbolSize, repair = 2, 6, 48, 3
	conn := &captureConn{}
	s, err := NewSender(conn, SenderConfig{
		Depth:           depth,
		SourceSymbols:   k,
		SymbolSize:      symbolSize,
		RepairSymbols:   repair,
		Scheme:          oti.ReedSolomonGF28,
		ContentEncoding: cenc.LZ4,
	}, nil)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("interleaved forward error correction "), 40)
	desc := &fd.FileDesc{Name: "text.txt", ContentEncoding: cenc.LZ4}
	require.NoError(t, s.Send(context.Background(), desc, data))

	ctrl, frames := split(t, conn.datagrams)
	require.Len(t, ctrl, 2)
	assert.Equal(t, cenc.LZ4, ctrl[0].ContentEncoding)

	dec, err := interleave.NewDecoder(ctrl[0].Oti, ctrl[0].Depth)
	require.NoError(t, err)

	blocks := map[uint32][]byte{}
	for i, f := range frames {
		// 每块丢一个源符号，由修复符号恢复
		id, _, err := packet.ParseTrailerFrame(f, symbolSize)
		require.NoError(t, err)
		if id.SymbolID == 1 {
			continue
		}
		index, done, err := dec.AddPacket(f)
		require.NoError(t, err, "frame %d", i)
		if !done {
			continue
		}
		blockID, err := dec.BlockID(index)
		require.NoError(t, err)
		blk, err := dec.BlockData(index)
		require.NoError(t, err)
		blocks[blockID] = blk
		require.NoError(t, dec.ResetBlock(index))
	}

	transferLength := ctrl[1].TransferLength
	nSymbols := (transferLength + symbolSize - 1) / symbolSize
	require.Len(t, blocks, int(interleave.BlocksForSymbols(nSymbols, depth, k)))

	var encoded []byte
	for n := uint64(0); n < nSymbols; n++ {
		pos := interleave.StreamPosition(n, depth, k)
		off := int(pos.SymbolID) * symbolSize
		encoded = append(encoded, blocks[pos.BlockID][off:off+symbolSize]...)
	}
	out, err := cenc.Decompress(encoded[:transferLength], cenc.LZ4)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestSendRepeatsControlPackets(t *testing.T) {
	conn := &captureConn{}
	s, err := NewSender(conn, SenderConfig{
		Depth:         1,
		SourceSymbols: 2,
		SymbolSize:    16,
		RepairSymbols: 1,
		CloseRepeat:   3,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Send(context.Background(), &fd.FileDesc{Session: "fixed"}, []byte("short")))
	ctrl, frames := split(t, conn.datagrams)
	require.Len(t, ctrl, 4)
	for _, c := range ctrl[1:] {
		assert.Equal(t, fdt.KindClose, c.Kind)
		assert.Equal(t, "fixed", c.Session)
	}
	// 1 个数据符号 + 1 个补零符号 + 1 个修复符号
	assert.Len(t, frames, 3)
	assert.Equal(t, uint64(1), s.Stats.PaddingSymbols)
}

func TestSendCanceled(t *testing.T) {
	conn := &captureConn{}
	s, err := NewSender(conn, SenderConfig{Depth: 2, SourceSymbols: 4, SymbolSize: 16, RepairSymbols: 1}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Send(ctx, &fd.FileDesc{}, make([]byte, 1024))
	assert.ErrorIs(t, err, context.Canceled)
}
