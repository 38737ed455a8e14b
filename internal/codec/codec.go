// Package codec implements the marker-framed optional gzip compression used
// for outbound channel payloads. A single leading byte tells the receiver the
// format: 0x00 = uncompressed, 0x1F = gzip (the gzip magic byte). Anything
// else is treated as unmarked raw data from an older peer and passed through.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

const (
	// MarkerRaw prefixes uncompressed payloads.
	MarkerRaw byte = 0x00
	// MarkerGzip prefixes gzip-compressed payloads.
	MarkerGzip byte = 0x1F
)

// ErrCorrupt is returned when a gzip-marked payload fails to decompress.
var ErrCorrupt = errors.New("codec: corrupt compressed payload")

// MaybeCompress frames data with a marker byte, gzip-compressing when the
// payload is at least threshold bytes. threshold <= 0 disables compression.
// If gzip does not shrink the payload it falls back to the raw framing, so
// the result is never larger than len(data)+1.
func MaybeCompress(data []byte, threshold int) []byte {
	if threshold <= 0 || len(data) < threshold {
		return rawFrame(data)
	}

	var buf bytes.Buffer
	buf.WriteByte(MarkerGzip)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return rawFrame(data)
	}
	if err := zw.Close(); err != nil {
		return rawFrame(data)
	}
	if buf.Len() >= len(data)+1 {
		return rawFrame(data)
	}
	return buf.Bytes()
}

// MaybeDecompress reverses MaybeCompress. Unmarked data (neither 0x00 nor
// 0x1F first byte) is returned unchanged — a deliberate passthrough for
// peers that never added the marker, e.g. plain JSON starting with '{'.
func MaybeDecompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch data[0] {
	case MarkerRaw:
		return data[1:], nil
	case MarkerGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data[1:]))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return out, nil
	default:
		return data, nil
	}
}

func rawFrame(data []byte) []byte {
	out := make([]byte, len(data)+1)
	out[0] = MarkerRaw
	copy(out[1:], data)
	return out
}
