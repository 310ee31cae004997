package fdt

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Magic 控制包前缀，用于与数据帧区分
var Magic = []byte("RQIL")

type Kind string

const (
	KindAnnounce Kind = "announce"
	KindClose    Kind = "close"
)

// ExtFDT 会话描述，通过控制包带外传输 OTI 与对象元数据
type ExtFDT struct {
	Kind            Kind   `json:"kind"`
	Session         string `json:"session"`
	FileName        string `json:"name,omitempty"`
	ContentType     string `json:"content_type,omitempty"`
	ContentEncoding string `json:"content_encoding,omitempty"`
	Oti             []byte `json:"oti"`
	Depth           uint32 `json:"depth"`
	// 仅 close 包有效：补零前的对象长度
	TransferLength uint64 `json:"transfer_length,omitempty"`
	Md5            string `json:"md5,omitempty"`
}

// Marshal 编码为 Magic + JSON
func (f ExtFDT) Marshal() ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(Magic)+len(body))
	out = append(out, Magic...)
	return append(out, body...), nil
}

// IsControl 判断数据报是否为控制包
func IsControl(data []byte) bool {
	return bytes.HasPrefix(data, Magic) && len(data) > len(Magic) && data[len(Magic)] == '{'
}

func Unmarshal(data []byte) (*ExtFDT, error) {
	if !IsControl(data) {
		return nil, fmt.Errorf("not a control packet")
	}
	var f ExtFDT
	if err := json.Unmarshal(data[len(Magic):], &f); err != nil {
		return nil, fmt.Errorf("decode control packet: %w", err)
	}
	switch f.Kind {
	case KindAnnounce, KindClose:
	default:
		return nil, fmt.Errorf("unknown control kind %q", f.Kind)
	}
	if f.Session == "" {
		return nil, fmt.Errorf("control packet without session")
	}
	return &f, nil
}
