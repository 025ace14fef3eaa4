package sivdb

import (
	"fmt"
	"log"

	"github.com/function61/gokit/logex"
	"github.com/function61/sivusto/pkg/sivutils"
	"go.etcd.io/bbolt"
)

// raw (non-blorm) bucket holding versioned layer membership. keys are composite and
// range-scanned by pkg/layerindex, which owns the encoding
var LayerMembersBucketName = []byte("layermembers")

func Open(dbLocation string) (*bbolt.DB, error) {
	return bbolt.Open(dbLocation, 0700, nil)
}

func Bootstrap(db *bbolt.DB, logger *log.Logger) error {
	logl := logex.Levels(logger)

	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// be extra safe and scan the DB to see that it is totally empty
	if err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
		return fmt.Errorf("DB not empty, found bucket: %s", name)
	}); err != nil {
		return err
	}

	if err := BootstrapRepos(tx); err != nil {
		return err
	}

	if _, err := tx.CreateBucket(LayerMembersBucketName); err != nil {
		return err
	}

	instanceID := sivutils.NewInstanceID()

	if err := CfgInstanceID.Set(instanceID, tx); err != nil {
		return err
	}

	logl.Info.Printf("generated instanceId: %s", instanceID)

	return tx.Commit()
}

func BootstrapRepos(tx *bbolt.Tx) error {
	for _, repo := range RepoByRecordType {
		if err := repo.Bootstrap(tx); err != nil {
			return err
		}
	}

	return nil
}
