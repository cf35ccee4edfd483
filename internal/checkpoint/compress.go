package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// gzip magic bytes; the format marker IsCompressed keys off.
var gzipMagic = []byte{0x1f, 0x8b}

// EncodePayload serializes a snapshot payload and compresses it when the
// serialized form exceeds threshold bytes. Returns the stored bytes and
// whether compression was applied.
func EncodePayload(payload *snapshotPayload, threshold int) ([]byte, bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal snapshot payload: %w", err)
	}

	if threshold <= 0 || len(raw) <= threshold {
		return raw, false, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, false, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, false, fmt.Errorf("finish compression: %w", err)
	}
	return buf.Bytes(), true, nil
}

// DecodePayload reverses EncodePayload losslessly, compressed or not.
func DecodePayload(data []byte) (*snapshotPayload, error) {
	raw := data
	if IsCompressed(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open compressed snapshot: %w", err)
		}
		defer zr.Close()

		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress snapshot: %w", err)
		}
	}

	var payload snapshotPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot payload: %w", err)
	}
	return &payload, nil
}

// IsCompressed distinguishes stored forms by the gzip magic marker, never
// by attempting decompression.
func IsCompressed(data []byte) bool {
	return len(data) >= len(gzipMagic) && bytes.Equal(data[:len(gzipMagic)], gzipMagic)
}
