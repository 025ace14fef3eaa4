package filestore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
	"github.com/function61/sivusto/pkg/chunkstore"
	"github.com/function61/sivusto/pkg/sivdb"
	"github.com/function61/sivusto/pkg/sivtypes"
	"go.etcd.io/bbolt"
)

type testingDriver struct {
	files map[string][]byte
}

func (t *testingDriver) RawStore(ctx context.Context, ref sivtypes.BlobRef, content io.Reader) error {
	buf, err := io.ReadAll(content)
	if err != nil {
		return err
	}

	t.files[ref.AsHex()] = buf
	return nil
}

func (t *testingDriver) RawFetch(ctx context.Context, ref sivtypes.BlobRef) (io.ReadCloser, error) {
	content, found := t.files[ref.AsHex()]
	if !found {
		return nil, os.ErrNotExist
	}

	return io.NopCloser(bytes.NewReader(content)), nil
}

func (t *testingDriver) RawDelete(ctx context.Context, ref sivtypes.BlobRef) error {
	delete(t.files, ref.AsHex())
	return nil
}

func (t *testingDriver) Mountable(ctx context.Context) error { return nil }

type testData struct {
	files    *Store
	db       *bbolt.DB
	driver   *testingDriver
	keyspace *sivtypes.FileKeyspace
}

func setup(t *testing.T) *testData {
	dir, err := os.MkdirTemp("", "filestore")
	assert.Ok(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := sivdb.Open(filepath.Join(dir, "sivusto.db"))
	assert.Ok(t, err)
	t.Cleanup(func() { db.Close() })

	assert.Ok(t, sivdb.Bootstrap(db, logex.Discard))

	driver := &testingDriver{files: map[string][]byte{}}

	files := New(db, chunkstore.New(sivdb.NewBlobMetadata(db), driver, nil), nil)

	keyspace, err := files.CreateKeyspace("test")
	assert.Ok(t, err)

	return &testData{files, db, driver, keyspace}
}

func TestStoreAndReadFile(t *testing.T) {
	ctx := context.Background()
	td := setup(t)

	ref, err := td.files.StoreFile(ctx, td.keyspace.ID, strings.NewReader("The quick brown fox jumps over the lazy dog"))
	assert.Ok(t, err)
	assert.Assert(t, len(ref.Checksum) == 32)

	content, err := td.files.ReadFile(ctx, ref.Keyspace, ref.Checksum)
	assert.Ok(t, err)
	assert.EqualString(t, string(content), "The quick brown fox jumps over the lazy dog")
}

func TestStoreEmptyFile(t *testing.T) {
	ctx := context.Background()
	td := setup(t)

	ref, err := td.files.StoreFile(ctx, td.keyspace.ID, strings.NewReader(""))
	assert.Ok(t, err)

	content, err := td.files.ReadFile(ctx, ref.Keyspace, ref.Checksum)
	assert.Ok(t, err)
	assert.Assert(t, len(content) == 0)

	// empty content is trivially valid UTF-8
	isUTF8, err := td.files.IsUTF8(ref.Keyspace, ref.Checksum)
	assert.Ok(t, err)
	assert.Assert(t, isUTF8)
}

func TestStoreFileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	td := setup(t)

	ref1, err := td.files.StoreFile(ctx, td.keyspace.ID, strings.NewReader("same content"))
	assert.Ok(t, err)

	blobsAfterFirst := countBlobs(t, td.db)

	ref2, err := td.files.StoreFile(ctx, td.keyspace.ID, strings.NewReader("same content"))
	assert.Ok(t, err)

	assert.Assert(t, ref1.Equal(*ref2))
	assert.Assert(t, countBlobs(t, td.db) == blobsAfterFirst)
}

func TestChecksumIsSaltedPerKeyspace(t *testing.T) {
	ctx := context.Background()
	td := setup(t)

	otherKeyspace, err := td.files.CreateKeyspace("other")
	assert.Ok(t, err)

	ref1, err := td.files.StoreFile(ctx, td.keyspace.ID, strings.NewReader("same content"))
	assert.Ok(t, err)

	ref2, err := td.files.StoreFile(ctx, otherKeyspace.ID, strings.NewReader("same content"))
	assert.Ok(t, err)

	// equal bytes, but checksums don't leak across keyspaces
	assert.Assert(t, !bytes.Equal(ref1.Checksum, ref2.Checksum))

	// the underlying chunks still dedup globally
	assert.Assert(t, countBlobs(t, td.db) == 1)
}

func TestMultiChunkFile(t *testing.T) {
	ctx := context.Background()
	td := setup(t)

	// a bit over one chunk, so we get exactly two
	content := bytes.Repeat([]byte("0123456789abcdef"), sivtypes.ChunkSize/16)
	content = append(content, []byte("tail beyond the first chunk")...)

	ref, err := td.files.StoreFile(ctx, td.keyspace.ID, bytes.NewReader(content))
	assert.Ok(t, err)

	assert.Ok(t, td.db.View(func(tx *bbolt.Tx) error {
		file, err := sivdb.Read(tx).File(ref.Keyspace, ref.Checksum)
		assert.Ok(t, err)

		assert.Assert(t, len(file.Chunks) == 2)
		assert.Assert(t, file.Chunks[0].Start == 0)
		assert.Assert(t, file.Chunks[0].End == sivtypes.ChunkSize)
		assert.Assert(t, file.Chunks[1].Start == sivtypes.ChunkSize)
		assert.Assert(t, file.Chunks[1].End == file.Size)

		return nil
	}))

	readBack, err := td.files.ReadFile(ctx, ref.Keyspace, ref.Checksum)
	assert.Ok(t, err)
	assert.Assert(t, bytes.Equal(readBack, content))
}

func TestIsUTF8(t *testing.T) {
	ctx := context.Background()
	td := setup(t)

	textRef, err := td.files.StoreFile(ctx, td.keyspace.ID, strings.NewReader("moi maailma 🌍"))
	assert.Ok(t, err)

	isUTF8, err := td.files.IsUTF8(textRef.Keyspace, textRef.Checksum)
	assert.Ok(t, err)
	assert.Assert(t, isUTF8)

	binaryRef, err := td.files.StoreFile(ctx, td.keyspace.ID, bytes.NewReader([]byte{0xff, 0xfe, 0x00, 0x01}))
	assert.Ok(t, err)

	isUTF8, err = td.files.IsUTF8(binaryRef.Keyspace, binaryRef.Checksum)
	assert.Ok(t, err)
	assert.Assert(t, !isUTF8)
}

func TestReadFileNotFound(t *testing.T) {
	td := setup(t)

	bogusChecksum := bytes.Repeat([]byte{0x42}, 32)

	_, err := td.files.ReadFile(context.Background(), td.keyspace.ID, bogusChecksum)
	assert.Assert(t, errors.Is(err, sivtypes.ErrNotFound))
}

func TestReadFileDetectsMissingChunk(t *testing.T) {
	ctx := context.Background()
	td := setup(t)

	ref, err := td.files.StoreFile(ctx, td.keyspace.ID, strings.NewReader("soon to be vandalized"))
	assert.Ok(t, err)

	// lose the chunk content behind the store's back
	for key := range td.driver.files {
		delete(td.driver.files, key)
	}

	_, err = td.files.ReadFile(ctx, ref.Keyspace, ref.Checksum)
	assert.Assert(t, errors.Is(err, sivtypes.ErrCorrupt))
}

func TestStoreFileUnknownKeyspace(t *testing.T) {
	td := setup(t)

	_, err := td.files.StoreFile(context.Background(), "noSuchKeyspace", strings.NewReader("hello"))
	assert.Assert(t, errors.Is(err, sivtypes.ErrNotFound))
}

func TestStoreFileMarksBlobsReferenced(t *testing.T) {
	ctx := context.Background()
	td := setup(t)

	ref, err := td.files.StoreFile(ctx, td.keyspace.ID, strings.NewReader("referenced content"))
	assert.Ok(t, err)

	assert.Ok(t, td.db.View(func(tx *bbolt.Tx) error {
		file, err := sivdb.Read(tx).File(ref.Keyspace, ref.Checksum)
		assert.Ok(t, err)

		blob, err := sivdb.Read(tx).Blob(file.Chunks[0].Blob)
		assert.Ok(t, err)
		assert.Assert(t, blob.Referenced)

		return nil
	}))
}

func TestCollectOrphanBlobs(t *testing.T) {
	ctx := context.Background()
	td := setup(t)

	ref, err := td.files.StoreFile(ctx, td.keyspace.ID, strings.NewReader("committed content"))
	assert.Ok(t, err)

	// simulate a store that crashed between chunk write and file commit
	blobs := chunkstore.New(sivdb.NewBlobMetadata(td.db), td.driver, nil)
	_, err = blobs.Put(ctx, []byte("never committed"))
	assert.Ok(t, err)

	assert.Assert(t, countBlobs(t, td.db) == 2)

	collected, err := td.files.CollectOrphanBlobs(ctx)
	assert.Ok(t, err)
	assert.Assert(t, collected == 1)
	assert.Assert(t, countBlobs(t, td.db) == 1)

	// the referenced file is untouched
	content, err := td.files.ReadFile(ctx, ref.Keyspace, ref.Checksum)
	assert.Ok(t, err)
	assert.EqualString(t, string(content), "committed content")
}

func countBlobs(t *testing.T, db *bbolt.DB) int {
	count := 0

	assert.Ok(t, db.View(func(tx *bbolt.Tx) error {
		return sivdb.BlobRepository.Each(func(record any) error {
			count++
			return nil
		}, tx)
	}))

	return count
}
