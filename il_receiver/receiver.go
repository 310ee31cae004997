package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"RQInterleave/pkg/config"
	"RQInterleave/pkg/receiver"
	"RQInterleave/pkg/status"
	utils "RQInterleave/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "il_receiver",
		Usage: "receive interleaved FEC streams over UDP and store the recovered files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config/receiverCfg.yaml",
				Usage:   "receiver YAML config",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadReceiverConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := utils.EnsureStaticARP(logger, cfg.StaticARP.Enable, cfg.StaticARP.PeerIP, cfg.StaticARP.PeerMAC, cfg.StaticARP.Interface, "receiver"); err != nil {
		logger.Warn("static ARP setup failed", zap.Error(err))
	}

	listenAddr := &net.UDPAddr{Port: cfg.Network.Port}
	if cfg.Network.ListenIP != "" {
		if listenAddr.IP = net.ParseIP(cfg.Network.ListenIP); listenAddr.IP == nil {
			return fmt.Errorf("invalid listen IP: %q", cfg.Network.ListenIP)
		}
	}
	listen, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	defer listen.Close()

	if err := os.MkdirAll(cfg.Storage.SaveDir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := receiver.NewReceiver(cfg.Storage.SaveDir, logger)

	if cfg.StatusAddr != "" {
		if cfg.LogLevel != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		go func() {
			if err := status.Serve(ctx, cfg.StatusAddr, r, logger); err != nil {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("receiver listening",
		zap.Stringer("addr", listen.LocalAddr()),
		zap.String("save_dir", cfg.Storage.SaveDir))

	serveErr := r.Serve(ctx, listen)

	// 退出前保存仍在接收中的对象
	if err := r.Flush(); err != nil {
		logger.Warn("pending object not saved", zap.Error(err))
	}
	st := r.Stats()
	logger.Info("receiver stopped",
		zap.Uint64("datagrams", st.Datagrams),
		zap.Uint64("blocks_decoded", st.BlocksDecoded),
		zap.Int("files_saved", len(st.Saved)),
		zap.Uint64("files_failed", st.FilesFailed))
	return serveErr
}
