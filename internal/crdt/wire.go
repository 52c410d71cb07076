package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/automerge/automerge-go"
)

var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkDocument         byte = 0
	chunkChange           byte = 1
	chunkCompressedChange byte = 2

	// magic, checksum, chunk type
	chunkPrefixLen = 9
	hashLen        = len(automerge.ChangeHash{})
)

// validateChunks checks that update is a run of whole automerge chunks.
// Chunk contents are left to automerge.
func validateChunks(update []byte) error {
	rest := update
	for len(rest) > 0 {
		if len(rest) < chunkPrefixLen+1 || !bytes.Equal(rest[:len(chunkMagic)], chunkMagic) {
			return fmt.Errorf("%w: missing chunk header", ErrMalformedUpdate)
		}
		switch rest[chunkPrefixLen-1] {
		case chunkDocument, chunkChange, chunkCompressedChange:
		default:
			return fmt.Errorf("%w: unknown chunk type %d", ErrMalformedUpdate, rest[chunkPrefixLen-1])
		}
		length, read := binary.Uvarint(rest[chunkPrefixLen:])
		if read <= 0 {
			return fmt.Errorf("%w: bad chunk length", ErrMalformedUpdate)
		}
		start := chunkPrefixLen + read
		if length > uint64(len(rest)-start) {
			return fmt.Errorf("%w: truncated chunk", ErrMalformedUpdate)
		}
		rest = rest[start+int(length):]
	}
	return nil
}

func encodeChanges(changes []*automerge.Change) []byte {
	var buffer bytes.Buffer
	for _, change := range changes {
		buffer.Write(change.Save())
	}
	return buffer.Bytes()
}

func encodeHeads(heads []automerge.ChangeHash) []byte {
	encoded := make([]byte, 0, len(heads)*hashLen)
	for _, head := range heads {
		encoded = append(encoded, head[:]...)
	}
	return encoded
}

// decodeHeads treats empty input as a replica that has seen nothing.
func decodeHeads(summary []byte) ([]automerge.ChangeHash, error) {
	if len(summary)%hashLen != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a list of hashes", ErrMalformedSummary, len(summary))
	}
	heads := make([]automerge.ChangeHash, 0, len(summary)/hashLen)
	for offset := 0; offset < len(summary); offset += hashLen {
		var head automerge.ChangeHash
		copy(head[:], summary[offset:offset+hashLen])
		heads = append(heads, head)
	}
	return heads, nil
}
