package store

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	decoderOnce sync.Once
	decoder     *zstd.Decoder
)

func getEncoder() *zstd.Encoder {
	encoderOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder
}

func getDecoder() *zstd.Decoder {
	decoderOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// CompressPayload compresses an opaque raw vendor payload blob before it
// goes into crawl_results.raw_payload. Empty input stays empty: callers
// never need to distinguish "no payload" from "empty compressed payload".
func CompressPayload(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return getEncoder().EncodeAll(raw, make([]byte, 0, len(raw)))
}

// DecompressPayload reverses CompressPayload. Returns the input unchanged
// if it isn't valid zstd (covers rows written before this was introduced).
func DecompressPayload(compressed []byte) []byte {
	if len(compressed) == 0 {
		return nil
	}
	raw, err := getDecoder().DecodeAll(compressed, nil)
	if err != nil {
		return compressed
	}
	return raw
}
