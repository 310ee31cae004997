package utils

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

func CalculateMD5(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// NewLogger 按配置的级别构建 zap logger，debug 时使用开发格式
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

// EnsureStaticARP 为对端配置永久 ARP 表项，避免单向 UDP 链路上 ARP 解析失败
func EnsureStaticARP(logger *zap.Logger, enable bool, ip, mac, iface, role string) error {
	if !enable {
		logger.Info("static ARP disabled", zap.String("role", role))
		return nil
	}
	if ip == "" || mac == "" || iface == "" {
		return fmt.Errorf("missing ip (%s), mac (%s) or iface (%s) for static ARP", ip, mac, iface)
	}

	cmd := exec.Command("ip", "neigh", "replace", ip, "lladdr", mac, "nud", "permanent", "dev", iface)
	output, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(output))
		if trimmed != "" {
			return fmt.Errorf("ip neigh replace failed: %v (output: %s)", err, trimmed)
		}
		return fmt.Errorf("ip neigh replace failed: %v", err)
	}

	logger.Info("static ARP configured",
		zap.String("role", role),
		zap.String("ip", ip),
		zap.String("mac", mac),
		zap.String("iface", iface))
	return nil
}
