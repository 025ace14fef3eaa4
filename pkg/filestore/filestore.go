// File assembler: splits logical files into deduplicated chunks and reconstructs
// byte-exact content from them. File identity is (keyspace, salted whole-file checksum).
package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/sivusto/pkg/blorm"
	"github.com/function61/sivusto/pkg/chunkstore"
	"github.com/function61/sivusto/pkg/sivdb"
	"github.com/function61/sivusto/pkg/sivtypes"
	"github.com/function61/sivusto/pkg/sivutils"
	"github.com/samber/lo"
	"go.etcd.io/bbolt"
)

type Store struct {
	db    *bbolt.DB
	blobs *chunkstore.Store
	logl  *logex.Leveled
}

func New(db *bbolt.DB, blobs *chunkstore.Store, logger *log.Logger) *Store {
	return &Store{
		db:    db,
		blobs: blobs,
		logl:  logex.Levels(logex.NonNil(logger)),
	}
}

func (s *Store) CreateKeyspace(name string) (*sivtypes.FileKeyspace, error) {
	keyspace := &sivtypes.FileKeyspace{
		ID:      sivutils.NewKeyspaceID(),
		Name:    name,
		Key:     sivutils.NewKeyspaceKey(),
		Created: time.Now(),
	}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return sivdb.FileKeyspaceRepository.Update(keyspace, tx)
	}); err != nil {
		return nil, err
	}

	return keyspace, nil
}

// single pass over content: chunks at fixed size, hashes the whole file and validates
// UTF-8 as it goes. chunk writes happen first (idempotent, inert if we crash); the
// file record + its complete chunk partition then commit in one transaction, so a
// file row can never exist without its full partition.
func (s *Store) StoreFile(ctx context.Context, keyspaceID string, content io.Reader) (*sivtypes.FileRef, error) {
	keyspace, err := s.keyspace(keyspaceID)
	if err != nil {
		return nil, err
	}

	hasher := sivutils.NewKeyedFileHasher(keyspace.Key)
	utf8Check := newUtf8Validator()

	chunks := []sivtypes.FileChunk{}
	size := int64(0)

	for {
		chunk := make([]byte, sivtypes.ChunkSize)
		n, errRead := io.ReadFull(content, chunk)
		chunk = chunk[:n]

		if n > 0 {
			hasher.Write(chunk)
			utf8Check.consume(chunk)

			ref, err := s.blobs.Put(ctx, chunk)
			if err != nil {
				return nil, fmt.Errorf("storing chunk at offset %d: %v", size, err)
			}

			chunks = append(chunks, sivtypes.FileChunk{
				Start: size,
				End:   size + int64(n),
				Blob:  ref,
			})

			size += int64(n)
		}

		if errRead == io.EOF || errRead == io.ErrUnexpectedEOF {
			break
		}
		if errRead != nil {
			return nil, errRead
		}
	}

	file := &sivtypes.File{
		Keyspace: keyspaceID,
		Checksum: hasher.Sum(nil),
		Size:     size,
		IsUTF8:   utf8Check.valid(),
		Chunks:   chunks,
	}

	ref := &sivtypes.FileRef{Keyspace: keyspaceID, Checksum: file.Checksum}

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		exists, err := sivdb.FileRepository.Exists(sivdb.FilePK(keyspaceID, file.Checksum), tx)
		if err != nil {
			return err
		}
		if exists {
			// identical content stored before: our chunk writes above were dedup
			// no-ops and there is nothing to commit
			return nil
		}

		if err := sivdb.FileRepository.Update(file, tx); err != nil {
			return err
		}

		return s.markBlobsReferenced(chunks, tx)
	}); err != nil {
		return nil, err
	}

	return ref, nil
}

// reconstructs and verifies the whole file. sivtypes.ErrNotFound if the file record is
// absent, sivtypes.ErrCorrupt if the chunk partition, total size or checksum doesn't
// check out.
func (s *Store) ReadFile(ctx context.Context, keyspaceID string, checksum []byte) ([]byte, error) {
	var file *sivtypes.File
	var keyspaceKey []byte

	if err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		file, err = sivdb.Read(tx).File(keyspaceID, checksum)
		if err != nil {
			if err == blorm.ErrNotFound {
				return sivtypes.ErrNotFound
			}
			return err
		}

		keyspace, err := sivdb.Read(tx).FileKeyspace(keyspaceID)
		if err != nil {
			return err
		}
		keyspaceKey = keyspace.Key

		return nil
	}); err != nil {
		return nil, err
	}

	if err := validateChunkPartition(file); err != nil {
		return nil, err
	}

	// blob fetches happen outside the transaction; they can take a while
	content := make([]byte, 0, file.Size)

	for _, chunk := range file.Chunks {
		blob, err := s.blobs.Get(ctx, chunk.Blob)
		if err != nil {
			// the committed file record vouched for this chunk, so even a missing
			// blob means the storage layer broke its promise
			return nil, fmt.Errorf("file %x chunk at %d: %w: %v", checksum, chunk.Start, sivtypes.ErrCorrupt, err)
		}

		if int64(len(blob)) != chunk.End-chunk.Start {
			return nil, fmt.Errorf("file %x chunk at %d: %w: blob size %d, range wants %d", checksum, chunk.Start, sivtypes.ErrCorrupt, len(blob), chunk.End-chunk.Start)
		}

		content = append(content, blob...)
	}

	if int64(len(content)) != file.Size {
		return nil, fmt.Errorf("file %x: %w: reconstructed %d bytes, expected %d", checksum, sivtypes.ErrCorrupt, len(content), file.Size)
	}

	hasher := sivutils.NewKeyedFileHasher(keyspaceKey)
	hasher.Write(content)

	if !bytes.Equal(hasher.Sum(nil), checksum) {
		return nil, fmt.Errorf("file %x: %w: checksum mismatch after reconstruction", checksum, sivtypes.ErrCorrupt)
	}

	return content, nil
}

// returns the flag cached at store time, without reading any content
func (s *Store) IsUTF8(keyspaceID string, checksum []byte) (bool, error) {
	isUTF8 := false

	if err := s.db.View(func(tx *bbolt.Tx) error {
		file, err := sivdb.Read(tx).File(keyspaceID, checksum)
		if err != nil {
			if err == blorm.ErrNotFound {
				return sivtypes.ErrNotFound
			}
			return err
		}

		isUTF8 = file.IsUTF8

		return nil
	}); err != nil {
		return false, err
	}

	return isUTF8, nil
}

// deletes blobs that no committed file record ever referenced: leftovers of stores
// that crashed between chunk write and file commit. don't run concurrently with
// StoreFile, a just-written chunk looks like an orphan until its file commits.
func (s *Store) CollectOrphanBlobs(ctx context.Context) (int, error) {
	orphans := []sivtypes.BlobRef{}

	if err := s.db.View(func(tx *bbolt.Tx) error {
		return sivdb.OrphanBlobsIndex.Query(sivdb.StartFromFirst, func(pk []byte) error {
			orphans = append(orphans, sivtypes.BlobRef(pk))
			return nil
		}, tx)
	}); err != nil {
		return 0, err
	}

	for _, ref := range orphans {
		if err := s.blobs.Delete(ctx, ref); err != nil {
			return 0, fmt.Errorf("deleting orphan %s: %v", ref.AsHex(), err)
		}
	}

	if len(orphans) > 0 {
		s.logl.Info.Printf("collected %d orphan blob(s)", len(orphans))
	}

	return len(orphans), nil
}

func (s *Store) keyspace(id string) (*sivtypes.FileKeyspace, error) {
	var keyspace *sivtypes.FileKeyspace

	if err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		keyspace, err = sivdb.Read(tx).FileKeyspace(id)
		if err == blorm.ErrNotFound {
			return fmt.Errorf("keyspace %s: %w", id, sivtypes.ErrNotFound)
		}
		return err
	}); err != nil {
		return nil, err
	}

	return keyspace, nil
}

func (s *Store) markBlobsReferenced(chunks []sivtypes.FileChunk, tx *bbolt.Tx) error {
	uniqueRefs := lo.UniqBy(chunks, func(chunk sivtypes.FileChunk) string {
		return chunk.Blob.AsHex()
	})

	for _, chunk := range uniqueRefs {
		blob, err := sivdb.Read(tx).Blob(chunk.Blob)
		if err != nil {
			return fmt.Errorf("chunk %s has no blob record: %v", chunk.Blob.AsHex(), err)
		}

		if blob.Referenced {
			continue
		}

		blob.Referenced = true

		if err := sivdb.BlobRepository.Update(blob, tx); err != nil {
			return err
		}
	}

	return nil
}

func validateChunkPartition(file *sivtypes.File) error {
	expectedStart := int64(0)

	for _, chunk := range file.Chunks {
		if chunk.Start != expectedStart || chunk.End < chunk.Start {
			return fmt.Errorf("file %x: %w: chunk partition has a gap or overlap at %d", file.Checksum, sivtypes.ErrCorrupt, chunk.Start)
		}

		expectedStart = chunk.End
	}

	if expectedStart != file.Size {
		return fmt.Errorf("file %x: %w: chunk partition covers %d bytes, file size is %d", file.Checksum, sivtypes.ErrCorrupt, expectedStart, file.Size)
	}

	return nil
}
