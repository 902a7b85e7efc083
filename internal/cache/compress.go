package cache

import (
	"github.com/klauspost/compress/zstd"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Shared zstd coders. Construction only fails on invalid options, and
// these options are static.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// compressEntry applies the store-if-smaller policy: payloads at or
// above threshold bytes are zstd-compressed, and the compressed form is
// kept only when strictly smaller than the original.
func compressEntry(raw []byte, enabled bool, threshold int) (stored []byte, compressed bool) {
	if !enabled || len(raw) < threshold {
		return raw, false
	}
	c := zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)))
	if len(c) >= len(raw) {
		return raw, false
	}
	return c, true
}

// decompressEntry undoes compressEntry using the metadata flag.
func decompressEntry(stored []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return stored, nil
	}
	out, err := zstdDecoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, types.WrapFault(types.CodeCompressionError, "zstd decompress", err)
	}
	return out, nil
}
