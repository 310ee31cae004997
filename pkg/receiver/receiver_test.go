package receiver

import (
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"RQInterleave/pkg/cenc"
	"RQInterleave/pkg/fdt"
	fd "RQInterleave/pkg/filedesc"
	"RQInterleave/pkg/oti"
	"RQInterleave/pkg/sender"
	utils "RQInterleave/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lossyLink 把发送端的数据报直接交给接收端，drop 返回 true 的数据帧被丢弃
type lossyLink struct {
	r      *Receiver
	n      int
	drop   func(n int) bool
	errors []error
}

func (l *lossyLink) Write(p []byte) (int, error) {
	n := l.n
	l.n++
	if l.drop != nil && !fdt.IsControl(p) && l.drop(n) {
		return len(p), nil
	}
	if err := l.r.HandleDatagram(append([]byte(nil), p...)); err != nil {
		l.errors = append(l.errors, err)
	}
	return len(p), nil
}

func randomPayload(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func send(t *testing.T, link *lossyLink, cfg sender.SenderConfig, desc *fd.FileDesc, data []byte) {
	t.Helper()
	s, err := sender.NewSender(link, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), desc, data))
}

func TestEndToEndNoLoss(t *testing.T) {
	dir := t.TempDir()
	r := NewReceiver(dir, nil)
	link := &lossyLink{r: r}

	data := randomPayload(10000, 7)
	send(t, link, sender.SenderConfig{Depth: 4, SourceSymbols: 8, SymbolSize: 128, RepairSymbols: 2},
		&fd.FileDesc{Name: "random.bin"}, data)
	require.Empty(t, link.errors)

	st := r.Stats()
	require.Len(t, st.Saved, 1)
	saved := st.Saved[0]
	assert.True(t, saved.Verified)
	assert.Equal(t, "random.bin", saved.Name)
	assert.Equal(t, len(data), saved.Size)
	assert.Equal(t, uint64(1), st.Sessions)
	assert.Empty(t, st.Session)

	got, err := os.ReadFile(filepath.Join(dir, "random.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestEndToEndWithLoss(t *testing.T) {
	cases := []struct {
		name   string
		scheme uint8
		depth  uint32
	}{
		{"raptorq_depth1", oti.RaptorQ, 1},
		{"raptorq_depth8", oti.RaptorQ, 8},
		{"reedsolomon_depth3", oti.ReedSolomonGF28, 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			r := NewReceiver(dir, nil)
			// 每 5 个数据帧丢 1 个，连续丢包由交织分散到不同块
			link := &lossyLink{r: r, drop: func(n int) bool { return n%5 == 3 }}

			data := randomPayload(20000, int64(c.depth))
			send(t, link, sender.SenderConfig{
				Depth:         c.depth,
				SourceSymbols: 8,
				SymbolSize:    96,
				RepairSymbols: 6,
				Scheme:        c.scheme,
			}, &fd.FileDesc{Name: "lossy.bin"}, data)
			require.Empty(t, link.errors)

			st := r.Stats()
			require.Len(t, st.Saved, 1)
			assert.True(t, st.Saved[0].Verified)
			assert.Equal(t, utils.CalculateMD5(data), st.Saved[0].Md5)

			got, err := os.ReadFile(filepath.Join(dir, "lossy.bin"))
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestEndToEndCompressed(t *testing.T) {
	dir := t.TempDir()
	r := NewReceiver(dir, nil)
	link := &lossyLink{r: r}

	data := []byte{}
	for i := 0; i < 300; i++ {
		data = append(data, []byte("block interleaving spreads burst loss ")...)
	}
	send(t, link, sender.SenderConfig{
		Depth:           2,
		SourceSymbols:   4,
		SymbolSize:      64,
		RepairSymbols:   1,
		ContentEncoding: cenc.LZ4,
	}, &fd.FileDesc{Name: "text.txt", ContentEncoding: cenc.LZ4}, data)
	require.Empty(t, link.errors)

	got, err := os.ReadFile(filepath.Join(dir, "text.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPayloadStartingWithMagic(t *testing.T) {
	dir := t.TempDir()
	r := NewReceiver(dir, nil)
	link := &lossyLink{r: r}

	// 每个 16 字节符号都以控制包前缀开头
	var data []byte
	for i := 0; i < 32; i++ {
		data = append(data, []byte("RQIL{abcdefghij"+string(rune('a'+i%26)))...)
	}
	send(t, link, sender.SenderConfig{Depth: 2, SourceSymbols: 4, SymbolSize: 16, RepairSymbols: 1},
		&fd.FileDesc{Name: "magic.txt"}, data)
	require.Empty(t, link.errors)

	st := r.Stats()
	assert.Zero(t, st.Dropped)
	require.Len(t, st.Saved, 1)
	assert.True(t, st.Saved[0].Verified)

	got, err := os.ReadFile(filepath.Join(dir, "magic.txt"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDataBeforeAnnounceDropped(t *testing.T) {
	r := NewReceiver(t.TempDir(), nil)
	frame := make([]byte, 16+8)
	require.NoError(t, r.HandleDatagram(frame))

	st := r.Stats()
	assert.Equal(t, uint64(1), st.Datagrams)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Empty(t, st.Session)
}

func TestMalformedControlRejected(t *testing.T) {
	r := NewReceiver(t.TempDir(), nil)
	assert.Error(t, r.HandleDatagram([]byte(`RQIL{"kind":"bogus","session":"x"}`)))

	bad := fdt.ExtFDT{Kind: fdt.KindAnnounce, Session: "x", Oti: []byte{1, 2, 3}, Depth: 2}
	raw, err := bad.Marshal()
	require.NoError(t, err)
	assert.Error(t, r.HandleDatagram(raw))
	assert.Equal(t, uint64(2), r.Stats().Dropped)
}

func TestSupersededSessionFails(t *testing.T) {
	dir := t.TempDir()
	r := NewReceiver(dir, nil)

	// 第一个对象只收到一半的数据报，close 丢失
	var captured [][]byte
	capture := &captureConn{out: &captured}
	s, err := sender.NewSender(capture, sender.SenderConfig{Depth: 2, SourceSymbols: 4, SymbolSize: 32, RepairSymbols: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), &fd.FileDesc{Session: "first", Name: "first.bin"}, randomPayload(1000, 1)))
	for _, d := range captured[:len(captured)/2] {
		require.NoError(t, r.HandleDatagram(d))
	}
	assert.Equal(t, "first", r.Stats().Session)

	link := &lossyLink{r: r}
	data := randomPayload(700, 2)
	send(t, link, sender.SenderConfig{Depth: 2, SourceSymbols: 4, SymbolSize: 32, RepairSymbols: 1},
		&fd.FileDesc{Session: "second", Name: "second.bin"}, data)

	st := r.Stats()
	assert.Equal(t, uint64(2), st.Sessions)
	assert.Equal(t, uint64(1), st.FilesFailed)
	require.Len(t, st.Saved, 1)
	assert.Equal(t, "second", st.Saved[0].Session)
	_, err = os.Stat(filepath.Join(dir, "first.bin"))
	assert.True(t, os.IsNotExist(err))

	// 迟到的 close 不会重新打开已结束的会话
	for _, d := range captured[len(captured)/2:] {
		_ = r.HandleDatagram(d)
	}
	assert.Equal(t, uint64(1), r.Stats().FilesFailed)
	require.Len(t, r.Stats().Saved, 1)
}

func TestFlushIncomplete(t *testing.T) {
	r := NewReceiver(t.TempDir(), nil)
	require.NoError(t, r.Flush())

	var captured [][]byte
	s, err := sender.NewSender(&captureConn{out: &captured}, sender.SenderConfig{Depth: 3, SourceSymbols: 4, SymbolSize: 32, RepairSymbols: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), &fd.FileDesc{Session: "s"}, randomPayload(2000, 3)))

	// 只送 announce 和前几个数据帧
	for _, d := range captured[:5] {
		require.NoError(t, r.HandleDatagram(d))
	}
	st := r.Stats()
	assert.Equal(t, "s", st.Session)
	require.Len(t, st.Blocks, 3)
	for i, b := range st.Blocks {
		assert.Equal(t, uint32(i), b.Index)
		assert.Equal(t, uint32(i), b.BlockID)
		assert.False(t, b.Complete)
	}

	err = r.Flush()
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, uint64(1), r.Stats().FilesFailed)
	assert.Empty(t, r.Stats().Session)
}

func TestServeUDP(t *testing.T) {
	dir := t.TempDir()
	r := NewReceiver(dir, nil)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx, conn) }()

	out, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer out.Close()

	data := randomPayload(3000, 9)
	s, err := sender.NewSender(out, sender.SenderConfig{
		Depth:          2,
		SourceSymbols:  4,
		SymbolSize:     256,
		RepairSymbols:  4,
		PacketInterval: time.Millisecond,
		CloseRepeat:    3,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), &fd.FileDesc{Name: "udp.bin"}, data))

	require.Eventually(t, func() bool { return len(r.Stats().Saved) == 1 }, 5*time.Second, 20*time.Millisecond)
	got, err := os.ReadFile(filepath.Join(dir, "udp.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}

type captureConn struct {
	out *[][]byte
}

func (c *captureConn) Write(p []byte) (int, error) {
	*c.out = append(*c.out, append([]byte(nil), p...))
	return len(p), nil
}
