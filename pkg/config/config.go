package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"RQInterleave/pkg/cenc"
	"RQInterleave/pkg/fec"
	"RQInterleave/pkg/interleave"
	"RQInterleave/pkg/oti"

	"gopkg.in/yaml.v3"
)

type StaticARP struct {
	Enable    bool   `yaml:"enable"`
	Interface string `yaml:"interface"`
	PeerIP    string `yaml:"peer_ip"`
	PeerMAC   string `yaml:"peer_mac"`
}

type SenderNetwork struct {
	SourceIP string `yaml:"source_ip"`
	DestIP   string `yaml:"dest_ip"`
	Port     int    `yaml:"port"`
}

type Transmission struct {
	AnnounceIntervalMs int `yaml:"announce_interval_ms"`
	PacketIntervalUs   int `yaml:"packet_interval_us"`
	CloseRepeat        int `yaml:"close_repeat"`
}

type SenderFile struct {
	Path            string `yaml:"path"`
	Name            string `yaml:"name"`
	ContentType     string `yaml:"content_type"`
	ContentEncoding string `yaml:"content_encoding"`
}

type FEC struct {
	Type                 string  `yaml:"type"`
	EncodingSymbolLength uint16  `yaml:"encoding_symbol_length"`
	Depth                uint32  `yaml:"depth"`
	SourceSymbols        uint32  `yaml:"source_symbols"`
	RepairSymbols        *uint32 `yaml:"repair_symbols"` // 未配置时取默认值，0 表示不发修复符号
}

func (f *FEC) Repair() uint32 {
	if f.RepairSymbols == nil {
		return DefaultRepairSymbols
	}
	return *f.RepairSymbols
}

type SenderAppConfig struct {
	StaticARP    StaticARP     `yaml:"static_arp"`
	Network      SenderNetwork `yaml:"network"`
	Transmission Transmission  `yaml:"transmission"`
	Files        []SenderFile  `yaml:"files"`
	FEC          FEC           `yaml:"fec"`
	LogLevel     string        `yaml:"log_level"`
}

func (c *SenderAppConfig) AnnounceInterval() time.Duration {
	return time.Duration(c.Transmission.AnnounceIntervalMs) * time.Millisecond
}

func (c *SenderAppConfig) PacketInterval() time.Duration {
	return time.Duration(c.Transmission.PacketIntervalUs) * time.Microsecond
}

// Scheme FEC Encoding ID，LoadSenderConfig 已校验过名称
func (c *SenderAppConfig) Scheme() uint8 {
	id, _ := fec.ParseName(c.FEC.Type)
	return id
}

type ReceiverNetwork struct {
	ListenIP string `yaml:"listen_ip"`
	Port     int    `yaml:"port"`
}

type Storage struct {
	SaveDir string `yaml:"save_dir"`
}

type ReceiverAppConfig struct {
	StaticARP  StaticARP       `yaml:"static_arp"`
	Network    ReceiverNetwork `yaml:"network"`
	Storage    Storage         `yaml:"storage"`
	StatusAddr string          `yaml:"status_addr"` // 为空则不启动状态接口
	LogLevel   string          `yaml:"log_level"`
}

const (
	DefaultPort                 = 6788
	DefaultEncodingSymbolLength = 1400
	DefaultDepth                = 4
	DefaultSourceSymbols        = 32
	DefaultRepairSymbols        = 8
	DefaultAnnounceIntervalMs   = 1000
	DefaultSaveDir              = "./received_files"
	DefaultLogLevel             = "info"
)

func LoadSenderConfig(path string) (*SenderAppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg SenderAppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *SenderAppConfig) applyDefaults() {
	if c.Network.Port == 0 {
		c.Network.Port = DefaultPort
	}
	if c.FEC.Type == "" {
		c.FEC.Type = fec.Name(oti.RaptorQ)
	}
	if c.FEC.EncodingSymbolLength == 0 {
		c.FEC.EncodingSymbolLength = DefaultEncodingSymbolLength
	}
	if c.FEC.Depth == 0 {
		c.FEC.Depth = DefaultDepth
	}
	if c.FEC.SourceSymbols == 0 {
		c.FEC.SourceSymbols = DefaultSourceSymbols
	}
	if c.FEC.RepairSymbols == nil {
		n := uint32(DefaultRepairSymbols)
		c.FEC.RepairSymbols = &n
	}
	if c.Transmission.AnnounceIntervalMs <= 0 {
		c.Transmission.AnnounceIntervalMs = DefaultAnnounceIntervalMs
	}
	if c.Transmission.CloseRepeat <= 0 {
		c.Transmission.CloseRepeat = 3
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	for i := range c.Files {
		f := &c.Files[i]
		if f.Name == "" && f.Path != "" {
			f.Name = filepath.Base(f.Path)
		}
		if f.ContentType == "" {
			f.ContentType = "application/octet-stream"
		}
	}
}

func (c *SenderAppConfig) validate() error {
	if _, err := fec.ParseName(c.FEC.Type); err != nil {
		return fmt.Errorf("fec.type: %w", err)
	}
	if c.FEC.Depth > interleave.MaxDepth {
		return fmt.Errorf("fec.depth %d exceeds %d", c.FEC.Depth, interleave.MaxDepth)
	}
	for i := range c.Files {
		enc, err := cenc.Parse(c.Files[i].ContentEncoding)
		if err != nil {
			return fmt.Errorf("file %s: %w", c.Files[i].Path, err)
		}
		c.Files[i].ContentEncoding = enc
	}
	return nil
}

func LoadReceiverConfig(path string) (*ReceiverAppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg ReceiverAppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Network.Port == 0 {
		cfg.Network.Port = DefaultPort
	}
	if cfg.Storage.SaveDir == "" {
		cfg.Storage.SaveDir = DefaultSaveDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	return &cfg, nil
}
