package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/sivusto/pkg/sivtypes"
)

var (
	sha256OfQuickBrownFox = "d7a8fbb307d7809469ca9abcb0082e4f8d5651e46d3cdb762d02d0bf37c9e592"
)

// metadata store backed by a map, not a DB, for ease of testing
type testMetadataStore struct {
	blobs map[string]*sivtypes.Blob
}

func (t *testMetadataStore) QueryBlobExists(ref sivtypes.BlobRef) (bool, error) {
	_, exists := t.blobs[ref.AsHex()]
	return exists, nil
}

func (t *testMetadataStore) QueryBlobMetadata(ref sivtypes.BlobRef) (*sivtypes.Blob, error) {
	if meta, found := t.blobs[ref.AsHex()]; found {
		return meta, nil
	}

	return nil, sivtypes.ErrNotFound
}

func (t *testMetadataStore) WriteBlobCreated(blob *sivtypes.Blob) error {
	t.blobs[blob.Ref.AsHex()] = blob
	return nil
}

func (t *testMetadataStore) DeleteBlob(ref sivtypes.BlobRef) error {
	delete(t.blobs, ref.AsHex())
	return nil
}

type testingDriver struct {
	files  map[string][]byte
	stores int
}

func (t *testingDriver) RawStore(ctx context.Context, ref sivtypes.BlobRef, content io.Reader) error {
	buf, err := io.ReadAll(content)
	if err != nil {
		return err
	}

	t.files[ref.AsHex()] = buf
	t.stores++

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
	driver *testingDriver
	meta   *testMetadataStore
	store  *Store
}

func setup() *testData {
	driver := &testingDriver{files: map[string][]byte{}}
	meta := &testMetadataStore{blobs: map[string]*sivtypes.Blob{}}

	return &testData{driver, meta, New(meta, driver, nil)}
}

func TestPutAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	td := setup()

	ref, err := td.store.Put(ctx, []byte("The quick brown fox jumps over the lazy dog"))
	assert.Ok(t, err)
	assert.EqualString(t, ref.AsHex(), sha256OfQuickBrownFox)

	content, err := td.store.Get(ctx, ref)
	assert.Ok(t, err)
	assert.EqualString(t, string(content), "The quick brown fox jumps over the lazy dog")
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	td := setup()

	ref1, err := td.store.Put(ctx, []byte("The quick brown fox jumps over the lazy dog"))
	assert.Ok(t, err)

	ref2, err := td.store.Put(ctx, []byte("The quick brown fox jumps over the lazy dog"))
	assert.Ok(t, err)

	assert.Assert(t, ref1.Equal(ref2))

	// second write did not touch the driver, and there's exactly one blob
	assert.Assert(t, td.driver.stores == 1)
	assert.Assert(t, len(td.meta.blobs) == 1)
}

func TestCompressionPolicy(t *testing.T) {
	ctx := context.Background()
	td := setup()

	// small content stored raw even though it would compress
	smallRef, err := td.store.Put(ctx, []byte(strings.Repeat("a", compressMinSize-1)))
	assert.Ok(t, err)
	assert.Assert(t, td.meta.blobs[smallRef.AsHex()].Compression == sivtypes.CompressionNone)

	// large repetitive content gets compressed
	wellCompressible := []byte(strings.Repeat("compress me please ", 1000))
	bigRef, err := td.store.Put(ctx, wellCompressible)
	assert.Ok(t, err)

	bigMeta := td.meta.blobs[bigRef.AsHex()]
	assert.Assert(t, bigMeta.Compression == sivtypes.CompressionGzip)
	assert.Assert(t, bigMeta.SizeOnDisk < bigMeta.Size)

	// compressed blob still round-trips to original bytes
	content, err := td.store.Get(ctx, bigRef)
	assert.Ok(t, err)
	assert.Assert(t, bytes.Equal(content, wellCompressible))
}

func TestGetNotFound(t *testing.T) {
	td := setup()

	ref, err := sivtypes.BlobRefFromHex(sha256OfQuickBrownFox)
	assert.Ok(t, err)

	_, err = td.store.Get(context.Background(), *ref)
	assert.Assert(t, errors.Is(err, sivtypes.ErrNotFound))
}

func TestGetDetectsTamperedContent(t *testing.T) {
	ctx := context.Background()
	td := setup()

	ref, err := td.store.Put(ctx, []byte(strings.Repeat("x", 1000)))
	assert.Ok(t, err)

	// flip stored bytes behind the store's back
	td.driver.files[ref.AsHex()] = []byte("evil")

	_, err = td.store.Get(ctx, ref)
	assert.Assert(t, errors.Is(err, sivtypes.ErrCorrupt))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	td := setup()

	ref, err := td.store.Put(ctx, []byte("The quick brown fox jumps over the lazy dog"))
	assert.Ok(t, err)

	assert.Ok(t, td.store.Delete(ctx, ref))

	_, err = td.store.Get(ctx, ref)
	assert.Assert(t, errors.Is(err, sivtypes.ErrNotFound))

	// and the driver no longer has the content either
	_, found := td.driver.files[ref.AsHex()]
	assert.Assert(t, !found)
}
