package persistence

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// snapshotCodec compresses encoded document state at rest. Snapshots written
// before compression was enabled are read back unchanged.
type snapshotCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newSnapshotCodec() (*snapshotCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("persistence: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("persistence: zstd decoder: %w", err)
	}
	return &snapshotCodec{encoder: encoder, decoder: decoder}, nil
}

func (c *snapshotCodec) compress(state []byte) []byte {
	return c.encoder.EncodeAll(state, make([]byte, 0, len(state)/2))
}

func (c *snapshotCodec) decompress(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, nil
	}
	if !bytes.HasPrefix(stored, zstdMagic) {
		return stored, nil
	}
	state, err := c.decoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("persistence: decompress snapshot: %w", err)
	}
	return state, nil
}
