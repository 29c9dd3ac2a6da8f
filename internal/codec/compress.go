package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var (
	zEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zDecoder, _ = zstd.NewReader(nil)
)

// Compress сжимает буфер чанка для долговременного хранения
func Compress(buf []byte) []byte {
	return zEncoder.EncodeAll(buf, make([]byte, 0, len(buf)/4))
}

// Decompress распаковывает буфер, сжатый Compress
func Decompress(data []byte) ([]byte, error) {
	out, err := zDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка распаковки буфера чанка: %w", err)
	}
	return out, nil
}
