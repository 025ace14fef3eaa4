// Writes your blobs to a local filesystem directory
package localfsblobstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/logex"
	"github.com/function61/sivusto/pkg/sivtypes"
)

func New(path string, logger *log.Logger) *localFs {
	return &localFs{
		path: path,
		log:  logex.Levels(logex.NonNil(logger)),
	}
}

type localFs struct {
	path string
	log  *logex.Leveled
}

func (l *localFs) RawStore(ctx context.Context, ref sivtypes.BlobRef, content io.Reader) error {
	filename := l.getPath(ref)

	// does not error if already exists
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	blobExists, err := fileexists.Exists(filename)
	if err != nil {
		return err
	}

	if blobExists {
		// content-addressed, so same name guarantees same content. idempotent no-op
		return nil
	}

	// temp file + rename, so a concurrent RawFetch() can never observe a partial blob.
	// two racing writers both produce the full content, so last rename winning is fine
	return atomicfilewrite.Write(filename, func(writer io.Writer) error {
		_, err := io.Copy(writer, content)
		return err
	})
}

func (l *localFs) RawFetch(ctx context.Context, ref sivtypes.BlobRef) (io.ReadCloser, error) {
	return os.Open(l.getPath(ref))
}

func (l *localFs) RawDelete(ctx context.Context, ref sivtypes.BlobRef) error {
	if err := os.Remove(l.getPath(ref)); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

func (l *localFs) Mountable(ctx context.Context) error {
	exists, err := fileexists.Exists(l.path)
	if err != nil {
		return err
	}

	if !exists {
		return fmt.Errorf("blob directory not found: %s", l.path)
	}

	return nil
}

func (l *localFs) getPath(ref sivtypes.BlobRef) string {
	hexHash := ref.AsHex()

	// this should yield 4 096 directories as maximum (2 chars + 1 char of fanout)
	return filepath.Join(
		l.path,
		hexHash[0:2],
		hexHash[2:3],
		hexHash[3:]+".blob")
}
