package sivtypes

import (
	"bytes"
	"encoding/hex"
)

const (
	// chunk size for the file assembler. fixed-size chunking keeps the split
	// deterministic per content, which is what gives us cross-file dedup
	ChunkSize = 4 * mebibyte
	mebibyte  = 1024 * 1024
)

// SHA-256 over a blob's decompressed content
type BlobRef []byte

func BlobRefFromHex(serialized string) (*BlobRef, error) {
	raw, err := hex.DecodeString(serialized)
	if err != nil {
		return nil, ErrBadBlobRef
	}

	return BlobRefFromBytes(raw)
}

func BlobRefFromBytes(raw []byte) (*BlobRef, error) {
	if len(raw) != 32 {
		return nil, ErrBadBlobRef
	}

	br := BlobRef(raw)
	return &br, nil
}

func (b BlobRef) AsHex() string {
	return hex.EncodeToString(b)
}

func (b BlobRef) AsSha256Sum() []byte {
	return b
}

func (b BlobRef) Equal(other BlobRef) bool {
	return bytes.Equal(b, other)
}

// identifies a file: keyspace-salted checksum over the whole reconstructed content
type FileRef struct {
	Keyspace string
	Checksum []byte
}

func (f FileRef) AsHex() string {
	return hex.EncodeToString(f.Checksum)
}

func (f FileRef) Equal(other FileRef) bool {
	return f.Keyspace == other.Keyspace && bytes.Equal(f.Checksum, other.Checksum)
}
