package sivdb

import (
	"github.com/function61/sivusto/pkg/blorm"
	"github.com/function61/sivusto/pkg/sivtypes"
	"go.etcd.io/bbolt"
)

// satisfies chunkstore.MetadataStore. blob metadata writes are small and quick, so
// each call runs its own transaction (blob content writes happen outside any tx anyway
// because they can take long).
type BlobMetadata struct {
	db *bbolt.DB
}

func NewBlobMetadata(db *bbolt.DB) *BlobMetadata {
	return &BlobMetadata{db}
}

func (b *BlobMetadata) QueryBlobExists(ref sivtypes.BlobRef) (bool, error) {
	exists := false

	if err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		exists, err = BlobRepository.Exists(ref, tx)
		return err
	}); err != nil {
		return false, err
	}

	return exists, nil
}

func (b *BlobMetadata) QueryBlobMetadata(ref sivtypes.BlobRef) (*sivtypes.Blob, error) {
	var blob *sivtypes.Blob

	if err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		blob, err = Read(tx).Blob(ref)
		if err == blorm.ErrNotFound {
			return sivtypes.ErrNotFound
		}
		return err
	}); err != nil {
		return nil, err
	}

	return blob, nil
}

func (b *BlobMetadata) WriteBlobCreated(blob *sivtypes.Blob) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return BlobRepository.Update(blob, tx)
	})
}

func (b *BlobMetadata) DeleteBlob(ref sivtypes.BlobRef) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		blob, err := Read(tx).Blob(ref)
		if err != nil {
			if err == blorm.ErrNotFound {
				return sivtypes.ErrNotFound
			}
			return err
		}

		return BlobRepository.Delete(blob, tx)
	})
}
