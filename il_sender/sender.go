package main

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"

	"RQInterleave/pkg/config"
	fd "RQInterleave/pkg/filedesc"
	"RQInterleave/pkg/loopback"
	"RQInterleave/pkg/sender"
	utils "RQInterleave/pkg/utils"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "il_sender",
		Usage: "send files over UDP through the interleaved FEC encoder",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config/senderCfg.yaml",
				Usage:   "sender YAML config",
			},
		},
		Action: sendCommand,
		Commands: []*cli.Command{
			{
				Name:   "send",
				Usage:  "send every file listed in the config",
				Action: sendCommand,
			},
			{
				Name:  "selftest",
				Usage: "encode, drop and decode in-process, then compare MD5",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Usage: "input file (random data if empty)"},
					&cli.IntFlag{Name: "size", Value: 1 << 20, Usage: "random input size in bytes"},
					&cli.Float64Flag{Name: "loss", Value: 0.05, Usage: "frame loss probability"},
					&cli.Int64Flag{Name: "seed", Value: 1},
				},
				Action: selftestCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func sendCommand(c *cli.Context) error {
	cfg, err := config.LoadSenderConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load sender config: %w", err)
	}
	logger, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := utils.EnsureStaticARP(logger, cfg.StaticARP.Enable, cfg.StaticARP.PeerIP, cfg.StaticARP.PeerMAC, cfg.StaticARP.Interface, "sender"); err != nil {
		logger.Warn("static ARP setup failed", zap.Error(err))
	}

	queue := make([]*fd.FileDesc, 0, len(cfg.Files))
	for _, entry := range cfg.Files {
		if entry.Path == "" {
			logger.Warn("skip file entry with empty path in config")
			continue
		}
		queue = append(queue, &fd.FileDesc{
			Path:            entry.Path,
			Name:            entry.Name,
			ContentType:     entry.ContentType,
			ContentEncoding: entry.ContentEncoding,
		})
	}
	if len(queue) == 0 {
		logger.Warn("no valid files configured, nothing to send")
		return nil
	}

	destIP := net.ParseIP(cfg.Network.DestIP)
	if destIP == nil {
		return fmt.Errorf("invalid destination IP: %q", cfg.Network.DestIP)
	}
	remoteAddr := &net.UDPAddr{IP: destIP, Port: cfg.Network.Port}

	var localAddr *net.UDPAddr
	if cfg.Network.SourceIP != "" {
		ip := net.ParseIP(cfg.Network.SourceIP)
		if ip == nil {
			return fmt.Errorf("invalid source IP: %q", cfg.Network.SourceIP)
		}
		localAddr = &net.UDPAddr{IP: ip}
	}

	conn, err := net.DialUDP("udp", localAddr, remoteAddr)
	if err != nil {
		return fmt.Errorf("dial UDP failed: %w", err)
	}
	defer conn.Close()

	s, err := sender.NewSender(conn, sender.SenderConfig{
		Depth:            cfg.FEC.Depth,
		SourceSymbols:    cfg.FEC.SourceSymbols,
		SymbolSize:       cfg.FEC.EncodingSymbolLength,
		RepairSymbols:    cfg.FEC.Repair(),
		Scheme:           cfg.Scheme(),
		AnnounceDuration: cfg.AnnounceInterval(),
		PacketInterval:   cfg.PacketInterval(),
		CloseRepeat:      cfg.Transmission.CloseRepeat,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 处理文件队列
	for _, filedesc := range queue {
		fileData, err := os.ReadFile(filedesc.Path)
		if err != nil {
			logger.Error("read file failed", zap.String("path", filedesc.Path), zap.Error(err))
			continue // 继续处理下一个文件
		}
		if err := s.Send(ctx, filedesc, fileData); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("send file failed", zap.String("path", filedesc.Path), zap.Error(err))
			continue
		}
	}

	logger.Info("all files sent",
		zap.Uint64("source_frames", s.Stats.SourceFrames),
		zap.Uint64("repair_frames", s.Stats.RepairFrames),
		zap.Uint64("bytes", s.Stats.Bytes))
	return nil
}

func selftestCommand(c *cli.Context) error {
	cfg, err := config.LoadSenderConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load sender config: %w", err)
	}
	logger, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var data []byte
	if path := c.String("file"); path != "" {
		if data, err = os.ReadFile(path); err != nil {
			return fmt.Errorf("read file: %w", err)
		}
	} else {
		data = make([]byte, c.Int("size"))
		rand.New(rand.NewSource(c.Int64("seed"))).Read(data)
	}

	report, err := loopback.Run(data, loopback.Params{
		Depth:         cfg.FEC.Depth,
		SourceSymbols: cfg.FEC.SourceSymbols,
		SymbolSize:    cfg.FEC.EncodingSymbolLength,
		RepairSymbols: cfg.FEC.Repair(),
		Scheme:        cfg.Scheme(),
		Logger:        logger,
	}, c.Float64("loss"), c.Int64("seed"))
	if err != nil {
		return err
	}

	fmt.Printf("blocks %d/%d recovered, frames %d sent %d dropped, %s\n",
		report.BlocksRecovered, report.BlocksTotal, report.FramesSent, report.FramesDropped, report.Elapsed)
	if !report.Match {
		return fmt.Errorf("MD5 mismatch: original %s, reconstructed %q", report.OriginalMD5, report.ReconstructedMD5)
	}
	fmt.Printf("MD5 match: %s\n", report.OriginalMD5)
	return nil
}
