package sivutils

import (
	"crypto/rand"
	"hash"
	"io"

	"github.com/function61/gokit/cryptorandombytes"
	"github.com/function61/gokit/hashverifyreader"
	"github.com/function61/sivusto/pkg/sivtypes"
	sha256 "github.com/minio/sha256-simd"
)

// wraps reader so that the read errors with hashverifyreader's error unless content
// hashes to ref
func BlobHashVerifier(reader io.Reader, ref sivtypes.BlobRef) io.Reader {
	return hashverifyreader.New(reader, sha256.New(), ref.AsSha256Sum())
}

// file checksums are salted with the keyspace key (SHA-256 over key || content), so
// equal content hashes differently in different keyspaces
func NewKeyedFileHasher(keyspaceKey []byte) hash.Hash {
	hasher := sha256.New()
	hasher.Write(keyspaceKey)
	return hasher
}

// there's going to be lots of these
var NewKeyspaceID = longID
var NewDeploymentID = longID
var NewLayerSetID = longID

// comparatively few of these
var NewInstanceID = shortID
var NewWorkerID = shortID

func NewKeyspaceKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err) // system CSPRNG broken, nothing sane to do
	}

	return key
}

func shortID() string {
	return cryptorandombytes.Base64UrlWithoutLeadingDash(3)
}

func longID() string {
	return cryptorandombytes.Base64UrlWithoutLeadingDash(8)
}
