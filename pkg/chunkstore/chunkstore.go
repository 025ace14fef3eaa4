// Content-addressed blob storage: ties together compression, integrity verification
// and blob metadata on top of a raw storage driver.
package chunkstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/function61/gokit/logex"
	"github.com/function61/sivusto/pkg/blobstore"
	"github.com/function61/sivusto/pkg/mutexmap"
	"github.com/function61/sivusto/pkg/sivtypes"
	"github.com/function61/sivusto/pkg/sivutils"
	"github.com/golang/groupcache/lru"
	sha256 "github.com/minio/sha256-simd"
)

const (
	// blobs smaller than this are stored raw: gzip overhead would eat the savings
	// and tiny blobs are cheap anyway
	compressMinSize = 256

	// compression is kept only if it actually helps
	wellCompressibleRatio = 0.9

	// decompressed blobs, so worst case ~128 MB with 4 MB chunks
	readCacheMaxEntries = 32
)

type MetadataStore interface {
	QueryBlobExists(ref sivtypes.BlobRef) (bool, error)
	// returns sivtypes.ErrNotFound if blob does not exist
	QueryBlobMetadata(ref sivtypes.BlobRef) (*sivtypes.Blob, error)
	WriteBlobCreated(blob *sivtypes.Blob) error
	DeleteBlob(ref sivtypes.BlobRef) error
}

type Store struct {
	meta         MetadataStore
	driver       blobstore.Driver
	writingBlobs *mutexmap.M
	readCache    *blobCache
	metrics      *storeMetrics
	logl         *logex.Leveled
}

func New(meta MetadataStore, driver blobstore.Driver, logger *log.Logger) *Store {
	return &Store{
		meta:         meta,
		driver:       driver,
		writingBlobs: mutexmap.New(),
		readCache:    newBlobCache(lru.New(readCacheMaxEntries)),
		metrics:      newStoreMetrics(),
		logl:         logex.Levels(logex.NonNil(logger)),
	}
}

// hashes content, maybe compresses it, persists it under its checksum and returns the
// checksum. idempotent: writing an already-present checksum is a no-op (the content is
// discarded without byte-for-byte comparison; hash collision is out of scope for a
// strong hash). safe under concurrent writers of the same content.
func (s *Store) Put(ctx context.Context, content []byte) (sivtypes.BlobRef, error) {
	if len(content) > math.MaxInt32 {
		return nil, fmt.Errorf("blob too large: %d bytes", len(content))
	}

	sum := sha256.Sum256(content)
	ref := sivtypes.BlobRef(sum[:])

	unlock := s.writingBlobs.Lock(ref.AsHex())
	defer unlock()

	exists, err := s.meta.QueryBlobExists(ref)
	if err != nil {
		return nil, err
	}
	if exists {
		s.metrics.dedupHits.Inc()
		return ref, nil
	}

	onDisk, compression := maybeCompress(content)

	if err := s.driver.RawStore(ctx, ref, bytes.NewReader(onDisk)); err != nil {
		return nil, fmt.Errorf("storing blob %s: %v", ref.AsHex(), err)
	}

	// metadata write is the commit point. a driver write without metadata (crash
	// in between) is inert: content-addressing makes the retry converge
	if err := s.meta.WriteBlobCreated(&sivtypes.Blob{
		Ref:         ref,
		Size:        int32(len(content)),
		SizeOnDisk:  int32(len(onDisk)),
		Compression: compression,
	}); err != nil {
		return nil, fmt.Errorf("blob %s metadata write: %v", ref.AsHex(), err)
	}

	s.metrics.writes.Inc()
	s.metrics.writtenBytes.Add(float64(len(onDisk)))

	return ref, nil
}

// decompresses and returns the blob's original bytes, verified against the checksum.
// sivtypes.ErrNotFound if absent, sivtypes.ErrCorrupt if decompression fails or size
// or checksum mismatches.
func (s *Store) Get(ctx context.Context, ref sivtypes.BlobRef) ([]byte, error) {
	s.metrics.reads.Inc()

	if content, got := s.readCache.Get(ref); got {
		s.metrics.readCacheHits.Inc()
		return content, nil
	}

	meta, err := s.meta.QueryBlobMetadata(ref)
	if err != nil {
		return nil, err
	}

	body, err := s.driver.RawFetch(ctx, ref)
	if err != nil {
		// metadata said the blob exists, so missing content is a storage-layer
		// problem and not a NotFound
		return nil, fmt.Errorf("blob %s: %w: %v", ref.AsHex(), sivtypes.ErrCorrupt, err)
	}
	defer body.Close()

	contentReader := io.Reader(body)

	if meta.Compression == sivtypes.CompressionGzip {
		gzipReader, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("blob %s: %w: %v", ref.AsHex(), sivtypes.ErrCorrupt, err)
		}

		contentReader = gzipReader
	}

	content, err := io.ReadAll(sivutils.BlobHashVerifier(contentReader, ref))
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w: %v", ref.AsHex(), sivtypes.ErrCorrupt, err)
	}

	if int64(len(content)) != int64(meta.Size) {
		return nil, fmt.Errorf("blob %s: %w: size %d, expected %d", ref.AsHex(), sivtypes.ErrCorrupt, len(content), meta.Size)
	}

	s.readCache.Add(ref, content)

	return content, nil
}

// only permitted when no chunk references the blob anymore. the store trusts its
// caller (GC policy) for that refcounting, to stay simple and fast
func (s *Store) Delete(ctx context.Context, ref sivtypes.BlobRef) error {
	unlock := s.writingBlobs.Lock(ref.AsHex())
	defer unlock()

	s.readCache.Drop(ref)

	if err := s.meta.DeleteBlob(ref); err != nil {
		return err
	}

	return s.driver.RawDelete(ctx, ref)
}

func maybeCompress(content []byte) ([]byte, sivtypes.CompressionKind) {
	if len(content) < compressMinSize {
		return content, sivtypes.CompressionNone
	}

	compressed := &bytes.Buffer{}
	compressor := gzip.NewWriter(compressed)

	if _, err := compressor.Write(content); err != nil {
		return content, sivtypes.CompressionNone
	}
	if err := compressor.Close(); err != nil {
		return content, sivtypes.CompressionNone
	}

	ratio := float64(compressed.Len()) / float64(len(content))
	if ratio >= wellCompressibleRatio {
		return content, sivtypes.CompressionNone
	}

	return compressed.Bytes(), sivtypes.CompressionGzip
}
