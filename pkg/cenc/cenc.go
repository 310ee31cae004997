package cenc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Content-Encoding，随 announce 控制包下发
const (
	Null = ""
	LZ4  = "lz4"
)

func Parse(name string) (string, error) {
	switch name {
	case "", "null", "none":
		return Null, nil
	case "lz4":
		return LZ4, nil
	default:
		return "", fmt.Errorf("unsupported content encoding %q", name)
	}
}

// Compress 压缩内存数据
func Compress(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case Null:
		return data, nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

func Decompress(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case Null:
		return data, nil
	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}
