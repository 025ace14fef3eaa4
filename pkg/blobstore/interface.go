// Interface for blob storage backends ("drivers")
package blobstore

import (
	"context"
	"io"

	"github.com/function61/sivusto/pkg/sivtypes"
)

type Driver interface {
	// must be idempotent (writing the same blob again must not change outcome) and
	// atomic: RawFetch() must not return anything before a store completes successfully
	RawStore(ctx context.Context, ref sivtypes.BlobRef, content io.Reader) error

	// raw = driver does no compression/integrity verification; those are done at a
	// higher level (pkg/chunkstore).
	// if blob is not found, error must report os.IsNotExist(err) == true
	RawFetch(ctx context.Context, ref sivtypes.BlobRef) (io.ReadCloser, error)

	// only called by GC after the metadata layer has proven no chunk references the
	// blob. deleting a nonexistent blob is not an error
	RawDelete(ctx context.Context, ref sivtypes.BlobRef) error

	Mountable(ctx context.Context) error
}
