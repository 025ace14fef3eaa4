// CLI for operating a sivusto instance: keyspaces, files, layers, builds and
// deployments.
package sivcli

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/function61/gokit/logex"
	"github.com/function61/sivusto/pkg/blobstore"
	"github.com/function61/sivusto/pkg/blobstore/localfsblobstore"
	"github.com/function61/sivusto/pkg/blobstore/s3blobstore"
	"github.com/function61/sivusto/pkg/buildqueue"
	"github.com/function61/sivusto/pkg/chunkstore"
	"github.com/function61/sivusto/pkg/deployment"
	"github.com/function61/sivusto/pkg/filestore"
	"github.com/function61/sivusto/pkg/sivdb"
	"go.etcd.io/bbolt"
)

const (
	envDB    = "SIVUSTO_DB"    // metadata DB location. default sivusto.db
	envBlobs = "SIVUSTO_BLOBS" // local blob directory. default sivusto-blobs
	envS3    = "SIVUSTO_S3"    // bucket:region:accessKeyId:secret. set => blobs go to S3 instead
)

type app struct {
	db          *bbolt.DB
	blobs       *chunkstore.Store
	files       *filestore.Store
	queue       *buildqueue.Queue
	deployments *deployment.Manager
}

func openApp(ctx context.Context, logger *log.Logger) (*app, error) {
	db, err := sivdb.Open(dbLocation())
	if err != nil {
		return nil, fmt.Errorf("open db: %v", err)
	}

	driver, err := makeBlobDriver(logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := driver.Mountable(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("blob storage not mountable: %v", err)
	}

	blobs := chunkstore.New(sivdb.NewBlobMetadata(db), driver, logex.Prefix("chunkstore", logger))

	return &app{
		db:          db,
		blobs:       blobs,
		files:       filestore.New(db, blobs, logex.Prefix("filestore", logger)),
		queue:       buildqueue.New(db, buildqueue.DefaultClaimTTL, logex.Prefix("buildqueue", logger)),
		deployments: deployment.New(db, logex.Prefix("deployment", logger)),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func dbLocation() string {
	return envOr(envDB, "sivusto.db")
}

func makeBlobDriver(logger *log.Logger) (blobstore.Driver, error) {
	if opts := os.Getenv(envS3); opts != "" {
		return s3blobstore.New(opts, logex.Prefix("s3", logger))
	}

	dir := envOr(envBlobs, "sivusto-blobs")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	return localfsblobstore.New(dir, logex.Prefix("localfs", logger)), nil
}

func envOr(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}
