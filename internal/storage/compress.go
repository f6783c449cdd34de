package storage

import "github.com/klauspost/compress/zstd"

var imageEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

// compressImage compresses one table image.
func compressImage(src []byte) []byte {
	return imageEncoder.EncodeAll(src, make([]byte, 0, len(src)/2))
}

// Create a reader that caches decompressors.
// For this operation type we supply a nil Reader.
var imageDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// decompressImage decompresses a buffer. We don't supply a destination
// buffer, so it will be allocated by the decoder.
func decompressImage(src []byte) ([]byte, error) {
	return imageDecoder.DecodeAll(src, nil)
}
