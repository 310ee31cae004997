package sender

import (
	"context"
	"fmt"
	"io"
	"time"

	"RQInterleave/pkg/cenc"
	"RQInterleave/pkg/fdt"
	fd "RQInterleave/pkg/filedesc"
	"RQInterleave/pkg/interleave"
	"RQInterleave/pkg/oti"
	"RQInterleave/pkg/packet"
	utils "RQInterleave/pkg/utils"

	"go.uber.org/zap"
)

type SenderConfig struct {
	Depth            uint32
	SourceSymbols    uint32 // K
	SymbolSize       uint16
	RepairSymbols    uint32
	Scheme           uint8
	ContentEncoding  string
	AnnounceDuration time.Duration // 周期性重发 announce，0 表示只发一次
	PacketInterval   time.Duration // 数据报之间的间隔，0 表示不限速
	CloseRepeat      int
}

type Stats struct {
	SourceFrames   uint64
	RepairFrames   uint64
	PaddingSymbols uint64
	ControlPackets uint64
	Bytes          uint64
}

type Sender struct {
	Conn         io.Writer
	SenderConfig SenderConfig
	Stats        Stats

	logger       *zap.Logger
	lastAnnounce time.Time
}

func NewSender(conn io.Writer, cfg SenderConfig, logger *zap.Logger) (*Sender, error) {
	if conn == nil {
		return nil, fmt.Errorf("sender connection is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Scheme == 0 {
		cfg.Scheme = oti.RaptorQ
	}
	if cfg.CloseRepeat <= 0 {
		cfg.CloseRepeat = 1
	}
	return &Sender{
		Conn:         conn,
		SenderConfig: cfg,
		logger:       logger,
	}, nil
}

// session 单个对象的发送状态
type session struct {
	enc      *interleave.Encoder
	announce fdt.ExtFDT
}

// Send 发送一个对象：announce -> 源帧 + 修复帧 -> 补零直到所有块轮转完 -> close
func (s *Sender) Send(ctx context.Context, desc *fd.FileDesc, data []byte) error {
	cfg := s.SenderConfig
	startTime := time.Now()

	payload, err := cenc.Compress(data, desc.ContentEncoding)
	if err != nil {
		return fmt.Errorf("compress %s: %w", desc.Name, err)
	}

	enc, err := interleave.NewEncoder(cfg.Depth, cfg.SourceSymbols, cfg.SymbolSize, cfg.RepairSymbols,
		interleave.WithScheme(cfg.Scheme), interleave.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("create interleaved encoder: %w", err)
	}

	desc.EnsureSession()
	desc.Size = int64(len(data))
	desc.Md5 = utils.CalculateMD5(data)
	o := enc.OTI()

	sess := &session{
		enc: enc,
		announce: fdt.ExtFDT{
			Kind:            fdt.KindAnnounce,
			Session:         desc.Session,
			FileName:        desc.Name,
			ContentType:     desc.ContentType,
			ContentEncoding: desc.ContentEncoding,
			Oti:             o[:],
			Depth:           cfg.Depth,
		},
	}

	logger := s.logger.With(zap.String("session", desc.Session), zap.String("file", desc.Name))
	logger.Info("sending object",
		zap.Int("size", len(data)),
		zap.Int("encoded_size", len(payload)),
		zap.Uint32("depth", cfg.Depth),
		zap.Uint32("k", cfg.SourceSymbols),
		zap.Uint16("symbol_size", cfg.SymbolSize),
		zap.Uint32("repair_symbols", cfg.RepairSymbols))

	if err := s.writeControl(sess.announce); err != nil {
		return err
	}
	s.lastAnnounce = time.Now()

	chunkSize := int(cfg.SymbolSize)
	for i := 0; i < len(payload); i += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := i + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := s.addSymbol(sess, payload[i:end]); err != nil {
			return err
		}
		if cfg.AnnounceDuration > 0 && time.Since(s.lastAnnounce) >= cfg.AnnounceDuration {
			if err := s.writeControl(sess.announce); err != nil {
				return err
			}
			s.lastAnnounce = time.Now()
		}
	}

	// 补零：未满的块无法产生修复符号，接收端也无法解码
	for s.pending(enc) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.addSymbol(sess, nil); err != nil {
			return err
		}
		s.Stats.PaddingSymbols++
	}

	closePkt := sess.announce
	closePkt.Kind = fdt.KindClose
	closePkt.TransferLength = uint64(len(payload))
	closePkt.Md5 = desc.Md5
	for i := 0; i < cfg.CloseRepeat; i++ {
		if err := s.writeControl(closePkt); err != nil {
			return err
		}
	}

	logger.Info("object sent",
		zap.Duration("elapsed", time.Since(startTime)),
		zap.Uint64("source_packets", enc.TotalPackets()),
		zap.Uint64("padding_symbols", s.Stats.PaddingSymbols))
	return nil
}

// addSymbol 放入编码器，立即发出源帧；块就绪则发出全部修复帧
func (s *Sender) addSymbol(sess *session, chunk []byte) error {
	enc := sess.enc
	blockID, err := enc.AddPacket(chunk)
	if err != nil {
		return fmt.Errorf("add packet: %w", err)
	}
	index := blockID % enc.Depth()
	status, err := enc.BlockStatus(index)
	if err != nil {
		return err
	}

	symbol := make([]byte, enc.SymbolSize())
	copy(symbol, chunk)
	frame := packet.AppendTrailerFrame(make([]byte, 0, enc.FrameSize()),
		packet.PayloadID{BlockID: blockID, SymbolID: status.PacketCount - 1}, symbol)
	if err := s.write(frame); err != nil {
		return err
	}
	s.Stats.SourceFrames++

	if !status.IsReady {
		return nil
	}
	repair, err := enc.GenerateRepair(index)
	if err != nil {
		return fmt.Errorf("generate repair for block %d: %w", blockID, err)
	}
	frames, err := packet.ReframeAll(repair, int(enc.SymbolSize()))
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := s.write(f); err != nil {
			return err
		}
		s.Stats.RepairFrames++
	}
	return nil
}

// pending 是否还有块收到部分符号
func (s *Sender) pending(enc *interleave.Encoder) bool {
	for i := uint32(0); i < enc.Depth(); i++ {
		st, err := enc.BlockStatus(i)
		if err == nil && st.PacketCount > 0 {
			return true
		}
	}
	return false
}

func (s *Sender) writeControl(f fdt.ExtFDT) error {
	raw, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s packet failed: %w", f.Kind, err)
	}
	if err := s.write(raw); err != nil {
		return fmt.Errorf("send %s packet failed: %w", f.Kind, err)
	}
	s.Stats.ControlPackets++
	return nil
}

func (s *Sender) write(datagram []byte) error {
	if len(datagram) > 65507 {
		return fmt.Errorf("datagram size %d exceeds UDP limit", len(datagram))
	}
	if _, err := s.Conn.Write(datagram); err != nil {
		return fmt.Errorf("write datagram: %w", err)
	}
	s.Stats.Bytes += uint64(len(datagram))
	if s.SenderConfig.PacketInterval > 0 {
		time.Sleep(s.SenderConfig.PacketInterval)
	}
	return nil
}
