package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"RQInterleave/pkg/cenc"
	"RQInterleave/pkg/fdt"
	"RQInterleave/pkg/interleave"
	utils "RQInterleave/pkg/utils"

	"go.uber.org/zap"
)

var ErrIncomplete = errors.New("object incomplete")

type SavedFile struct {
	Session  string `json:"session"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int    `json:"size"`
	Md5      string `json:"md5"`
	Verified bool   `json:"verified"`
}

type BlockState struct {
	Index    uint32 `json:"index"`
	BlockID  uint32 `json:"block_id"`
	Received uint32 `json:"received"`
	Complete bool   `json:"complete"`
}

type Stats struct {
	Datagrams     uint64       `json:"datagrams"`
	Dropped       uint64       `json:"dropped"`
	BlocksDecoded uint64       `json:"blocks_decoded"`
	Sessions      uint64       `json:"sessions"`
	FilesFailed   uint64       `json:"files_failed"`
	Session       string       `json:"session,omitempty"`
	Blocks        []BlockState `json:"blocks,omitempty"`
	Saved         []SavedFile  `json:"saved"`
}

// fileBuffer 一个会话（对象）的接收状态
type fileBuffer struct {
	announce *fdt.ExtFDT
	closePkt *fdt.ExtFDT
	decoder  *interleave.Decoder
	blocks   map[uint32][]byte // block_id -> 解码后的块
}

func newFileBuffer(announce *fdt.ExtFDT, logger *zap.Logger) (*fileBuffer, error) {
	dec, err := interleave.NewDecoder(announce.Oti, announce.Depth, interleave.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create interleaved decoder: %w", err)
	}
	return &fileBuffer{
		announce: announce,
		decoder:  dec,
		blocks:   make(map[uint32][]byte),
	}, nil
}

// symbols 需要的源符号数与块数
func (fb *fileBuffer) geometry() (nSymbols, nBlocks uint64) {
	symbolSize := uint64(fb.decoder.SymbolSize())
	nSymbols = (fb.closePkt.TransferLength + symbolSize - 1) / symbolSize
	nBlocks = interleave.BlocksForSymbols(nSymbols, fb.decoder.Depth(), fb.decoder.K())
	return nSymbols, nBlocks
}

func (fb *fileBuffer) isComplete() bool {
	if fb.closePkt == nil {
		return false
	}
	_, nBlocks := fb.geometry()
	for id := uint64(0); id < nBlocks; id++ {
		if _, ok := fb.blocks[uint32(id)]; !ok {
			return false
		}
	}
	return true
}

// reconstruct 按流顺序取回源符号并截断到传输长度
func (fb *fileBuffer) reconstruct() ([]byte, error) {
	if fb.closePkt == nil {
		return nil, fmt.Errorf("%w: close packet not received", ErrIncomplete)
	}
	nSymbols, nBlocks := fb.geometry()
	if missing := int(nBlocks) - len(fb.blocks); missing > 0 {
		return nil, fmt.Errorf("%w: received %d/%d blocks", ErrIncomplete, len(fb.blocks), nBlocks)
	}

	depth, k := fb.decoder.Depth(), fb.decoder.K()
	symbolSize := int(fb.decoder.SymbolSize())
	out := make([]byte, 0, nSymbols*uint64(symbolSize))
	for n := uint64(0); n < nSymbols; n++ {
		pos := interleave.StreamPosition(n, depth, k)
		blk, ok := fb.blocks[pos.BlockID]
		if !ok {
			return nil, fmt.Errorf("%w: block %d missing", ErrIncomplete, pos.BlockID)
		}
		off := int(pos.SymbolID) * symbolSize
		out = append(out, blk[off:off+symbolSize]...)
	}
	return out[:fb.closePkt.TransferLength], nil
}

type Receiver struct {
	saveDir string
	logger  *zap.Logger

	mu      sync.Mutex
	current *fileBuffer
	done    map[string]struct{} // 已结束的会话，忽略迟到的控制包
	stats   Stats
}

func NewReceiver(saveDir string, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		saveDir: saveDir,
		logger:  logger,
		done:    make(map[string]struct{}),
		stats:   Stats{Saved: []SavedFile{}},
	}
}

// HandleDatagram 处理一个数据报。返回的错误仅用于日志，接收循环应继续
func (r *Receiver) HandleDatagram(buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Datagrams++
	if fdt.IsControl(buf) {
		ctrl, err := fdt.Unmarshal(buf)
		if err == nil {
			return r.handleControl(ctrl)
		}
		// 数据帧以原始载荷开头，载荷可能恰好以 Magic 开头，交给解码器判断
		if r.current == nil {
			r.stats.Dropped++
			return err
		}
	}

	fb := r.current
	if fb == nil {
		r.stats.Dropped++
		r.logger.Debug("data frame before announce, dropped", zap.Int("len", len(buf)))
		return nil
	}

	index, completed, err := fb.decoder.AddPacket(buf)
	if err != nil {
		r.stats.Dropped++
		return fmt.Errorf("add packet: %w", err)
	}
	if !completed {
		return nil
	}

	blockID, err := fb.decoder.BlockID(index)
	if err != nil {
		return err
	}
	data, err := fb.decoder.BlockData(index)
	if err != nil {
		return err
	}
	fb.blocks[blockID] = data
	r.stats.BlocksDecoded++
	if err := fb.decoder.ResetBlock(index); err != nil {
		return err
	}

	if fb.isComplete() {
		return r.finalize()
	}
	return nil
}

func (r *Receiver) handleControl(ctrl *fdt.ExtFDT) error {
	if _, finished := r.done[ctrl.Session]; finished {
		return nil
	}

	fb := r.current
	if fb != nil && fb.announce.Session != ctrl.Session {
		// 新会话开始，旧会话未完成的部分丢弃
		r.logger.Warn("session superseded",
			zap.String("session", fb.announce.Session),
			zap.Int("blocks", len(fb.blocks)))
		err := r.finalize()
		if err != nil {
			r.logger.Warn("finalize superseded session failed", zap.Error(err))
		}
		fb = nil
	}

	if fb == nil {
		announce := *ctrl
		announce.Kind = fdt.KindAnnounce
		nfb, err := newFileBuffer(&announce, r.logger)
		if err != nil {
			r.stats.Dropped++
			return err
		}
		r.current = nfb
		r.stats.Sessions++
		fb = nfb
		r.logger.Info("session started",
			zap.String("session", ctrl.Session),
			zap.String("file", ctrl.FileName),
			zap.Uint32("depth", ctrl.Depth),
			zap.String("oti", nfb.decoder.OTI().String()))
	}

	if ctrl.Kind == fdt.KindClose && fb.closePkt == nil {
		fb.closePkt = ctrl
		_, nBlocks := fb.geometry()
		r.logger.Info("close received",
			zap.String("session", ctrl.Session),
			zap.Uint64("transfer_length", ctrl.TransferLength),
			zap.Int("blocks", len(fb.blocks)),
			zap.Uint64("expected_blocks", nBlocks))
		if fb.isComplete() {
			return r.finalize()
		}
	}
	return nil
}

// Flush 结束当前会话，无论是否完整
func (r *Receiver) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.finalize()
}

// finalize 调用方持有锁
func (r *Receiver) finalize() error {
	fb := r.current
	r.current = nil
	r.done[fb.announce.Session] = struct{}{}

	saved, err := r.save(fb)
	if err != nil {
		r.stats.FilesFailed++
		return fmt.Errorf("session %s: %w", fb.announce.Session, err)
	}
	r.stats.Saved = append(r.stats.Saved, *saved)
	return nil
}

func (r *Receiver) save(fb *fileBuffer) (*SavedFile, error) {
	encoded, err := fb.reconstruct()
	if err != nil {
		return nil, err
	}
	data, err := cenc.Decompress(encoded, fb.announce.ContentEncoding)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(r.saveDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure save dir: %w", err)
	}
	name := filepath.Base(fb.announce.FileName)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = fmt.Sprintf("session_%s.bin", fb.announce.Session)
	}
	path := filepath.Join(r.saveDir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write file %s: %w", path, err)
	}

	md5sum := utils.CalculateMD5(data)
	verified := fb.closePkt.Md5 == "" || fb.closePkt.Md5 == md5sum
	if !verified {
		r.logger.Error("MD5 mismatch",
			zap.String("path", path),
			zap.String("expected", fb.closePkt.Md5),
			zap.String("got", md5sum))
	} else {
		r.logger.Info("file saved",
			zap.String("session", fb.announce.Session),
			zap.String("path", path),
			zap.Int("size", len(data)),
			zap.String("md5", md5sum))
	}
	return &SavedFile{
		Session:  fb.announce.Session,
		Name:     name,
		Path:     path,
		Size:     len(data),
		Md5:      md5sum,
		Verified: verified,
	}, nil
}

// Stats 快照，供状态接口使用
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stats
	st.Saved = append([]SavedFile{}, r.stats.Saved...)
	if fb := r.current; fb != nil {
		st.Session = fb.announce.Session
		dec := fb.decoder
		for i := uint32(0); i < dec.Depth(); i++ {
			id, _ := dec.BlockID(i)
			received, _ := dec.ReceivedCount(i)
			complete, _ := dec.IsBlockComplete(i)
			st.Blocks = append(st.Blocks, BlockState{Index: i, BlockID: id, Received: received, Complete: complete})
		}
		sort.Slice(st.Blocks, func(a, b int) bool { return st.Blocks[a].Index < st.Blocks[b].Index })
	}
	return st
}

// Serve 读取 UDP 数据报直到 ctx 取消，单个数据报的错误只记录日志
func (r *Receiver) Serve(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, 65507) // Max UDP packet size
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		if err := r.HandleDatagram(datagram); err != nil {
			r.logger.Warn("datagram rejected", zap.Stringer("from", addr), zap.Error(err))
		}
	}
}
