package interleave

import (
	"RQInterleave/pkg/oti"

	"go.uber.org/zap"
)

type options struct {
	schemeID uint8
	logger   *zap.Logger
}

type Option func(*options)

// WithScheme 选择编码端 FEC 方案（默认 RaptorQ）。解码端按 OTI 中的 FEC Encoding ID 选择，忽略此项
func WithScheme(fecEncodingID uint8) Option {
	return func(o *options) {
		o.schemeID = fecEncodingID
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		schemeID: oti.RaptorQ,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
