// "Bolt Light ORM": persists msgpack-encoded structs into bbolt buckets, with
// optional secondary indices. Nothing fancier than that.
package blorm

import (
	"errors"

	"github.com/asdine/storm/codec/msgpack"
	"go.etcd.io/bbolt"
)

var (
	ErrNotFound = errors.New("database: record not found")

	// return this from an Each/Query callback to stop iteration early. not reported
	// as an error to the caller
	ErrStopIteration = errors.New("blorm: stop iteration")

	errNoBucket = errors.New("blorm: bucket not found (bootstrap not done?)")
)

var StartFromFirst = []byte("")

type Repository interface {
	Bootstrap(tx *bbolt.Tx) error
	OpenByPrimaryKey(id []byte, record any, tx *bbolt.Tx) error
	Update(record any, tx *bbolt.Tx) error
	Delete(record any, tx *bbolt.Tx) error
	Each(fn func(record any) error, tx *bbolt.Tx) error
	EachFrom(from []byte, fn func(record any) error, tx *bbolt.Tx) error
	Alloc() any
}

type SimpleRepository struct {
	bucketName  []byte
	alloc       func() any
	idExtractor func(record any) []byte
	indices     []Index
}

func NewSimpleRepo(bucketName string, allocator func() any, idExtractor func(any) []byte) *SimpleRepository {
	return &SimpleRepository{
		bucketName:  []byte(bucketName),
		alloc:       allocator,
		idExtractor: idExtractor,
		indices:     []Index{},
	}
}

func (r *SimpleRepository) Bootstrap(tx *bbolt.Tx) error {
	_, err := tx.CreateBucket(r.bucketName)
	return err
}

func (r *SimpleRepository) Alloc() any {
	return r.alloc()
}

func (r *SimpleRepository) OpenByPrimaryKey(id []byte, record any, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return errNoBucket
	}

	data := bucket.Get(id)
	if data == nil {
		return ErrNotFound
	}

	return msgpack.Codec.Unmarshal(data, record)
}

func (r *SimpleRepository) Exists(id []byte, tx *bbolt.Tx) (bool, error) {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return false, errNoBucket
	}

	return bucket.Get(id) != nil, nil
}

// insert-or-update. keeps secondary indices in sync by diffing the old record
// image (if any) against the new one.
func (r *SimpleRepository) Update(record any, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return errNoBucket
	}

	id := r.idExtractor(record)

	data, err := msgpack.Codec.Marshal(record)
	if err != nil {
		return err
	}

	oldIndices := []indexEntry{}

	oldImage := r.alloc()
	switch err := r.OpenByPrimaryKey(id, oldImage, tx); err {
	case nil:
		oldIndices = r.indexEntries(oldImage)
	case ErrNotFound:
		// no old image => no old index entries
	default:
		return err
	}

	if err := r.syncIndices(oldIndices, r.indexEntries(record), tx); err != nil {
		return err
	}

	return bucket.Put(id, data)
}

func (r *SimpleRepository) Delete(record any, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return errNoBucket
	}

	id := r.idExtractor(record)

	// bucket.Delete() doesn't error for missing keys
	if bucket.Get(id) == nil {
		return errors.New("record to delete does not exist")
	}

	if err := r.syncIndices(r.indexEntries(record), nil, tx); err != nil {
		return err
	}

	return bucket.Delete(id)
}

func (r *SimpleRepository) Each(fn func(record any) error, tx *bbolt.Tx) error {
	return r.EachFrom(StartFromFirst, fn, tx)
}

// iterates in primary key order starting from the given key (inclusive)
func (r *SimpleRepository) EachFrom(from []byte, fn func(record any) error, tx *bbolt.Tx) error {
	bucket := tx.Bucket(r.bucketName)
	if bucket == nil {
		return errNoBucket
	}

	all := bucket.Cursor()
	for key, value := all.Seek(from); key != nil; key, value = all.Next() {
		record := r.alloc()

		if err := msgpack.Codec.Unmarshal(value, record); err != nil {
			return err
		}

		if err := fn(record); err != nil {
			if err == ErrStopIteration {
				return nil
			}

			return err
		}
	}

	return nil
}

func (r *SimpleRepository) indexEntries(record any) []indexEntry {
	entries := []indexEntry{}

	for _, idx := range r.indices {
		entries = append(entries, idx.extractIndexEntries(record)...)
	}

	return entries
}

func (r *SimpleRepository) syncIndices(old []indexEntry, nu []indexEntry, tx *bbolt.Tx) error {
	for _, entry := range old {
		if !indexEntryExistsIn(entry, nu) {
			if err := entry.drop(tx); err != nil {
				return err
			}
		}
	}

	for _, entry := range nu {
		if !indexEntryExistsIn(entry, old) {
			if err := entry.write(tx); err != nil {
				return err
			}
		}
	}

	return nil
}
