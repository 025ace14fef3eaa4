package blorm

import (
	"bytes"

	"go.etcd.io/bbolt"
)

/*	index layouts
	=============

	setIndex (example: layers:queued)
	--------
	(" ", primaryKey) = nil

	byValueIndex (example: deployments:site)
	------------
	(partitionValue, primaryKey) = nil

	index buckets are named <repoBucket>:<indexName> and live beside the repo bucket.
*/

type Index interface {
	// internal: index entries this record should currently have
	extractIndexEntries(record any) []indexEntry
}

// one (index, partition, key) coordinate of a record
type indexEntry struct {
	indexName []byte
	partition []byte
	sortKey   []byte // primary key of the record this entry refers to
}

func (i *indexEntry) equals(other *indexEntry) bool {
	return bytes.Equal(i.indexName, other.indexName) &&
		bytes.Equal(i.partition, other.partition) &&
		bytes.Equal(i.sortKey, other.sortKey)
}

func (i *indexEntry) write(tx *bbolt.Tx) error {
	return indexPartitionBucket(i, tx).Put(i.sortKey, nil)
}

func (i *indexEntry) drop(tx *bbolt.Tx) error {
	return indexPartitionBucket(i, tx).Delete(i.sortKey)
}

func indexPartitionBucket(entry *indexEntry, tx *bbolt.Tx) *bbolt.Bucket {
	indexBucket, err := tx.CreateBucketIfNotExists(entry.indexName)
	if err != nil {
		panic(err)
	}

	partitionBucket, err := indexBucket.CreateBucketIfNotExists(entry.partition)
	if err != nil {
		panic(err)
	}

	return partitionBucket
}

type SetIndexApi interface {
	Index
	// iterate primary keys of set members, in key order. ErrStopIteration stops early
	Query(start []byte, fn func(sortKey []byte) error, tx *bbolt.Tx) error
}

type setIndex struct {
	repo            *SimpleRepository
	indexName       []byte
	memberEvaluator func(record any) bool
}

// " " dummy partition because bbolt doesn't support empty bucket names
var setIndexPartition = []byte(" ")

func NewSetIndex(name string, repo *SimpleRepository, memberEvaluator func(record any) bool) SetIndexApi {
	idx := &setIndex{repo, indexName(name, repo), memberEvaluator}

	repo.indices = append(repo.indices, idx)

	return idx
}

func (s *setIndex) extractIndexEntries(record any) []indexEntry {
	if !s.memberEvaluator(record) {
		return nil
	}

	return []indexEntry{{s.indexName, setIndexPartition, s.repo.idExtractor(record)}}
}

func (s *setIndex) Query(start []byte, fn func(sortKey []byte) error, tx *bbolt.Tx) error {
	return queryIndexPartition(s.indexName, setIndexPartition, start, fn, tx)
}

type ByValueIndexApi interface {
	Index
	// iterate primary keys of records whose indexed value equals partition
	Query(partition []byte, start []byte, fn func(sortKey []byte) error, tx *bbolt.Tx) error
}

type byValueIndex struct {
	repo            *SimpleRepository
	indexName       []byte
	memberEvaluator func(record any, push func(partition []byte))
}

func NewValueIndex(name string, repo *SimpleRepository, memberEvaluator func(record any, push func(partition []byte))) ByValueIndexApi {
	idx := &byValueIndex{repo, indexName(name, repo), memberEvaluator}

	repo.indices = append(repo.indices, idx)

	return idx
}

func (b *byValueIndex) extractIndexEntries(record any) []indexEntry {
	entries := []indexEntry{}
	b.memberEvaluator(record, func(partition []byte) {
		if len(partition) == 0 {
			panic("cannot index by empty value")
		}

		entries = append(entries, indexEntry{b.indexName, partition, b.repo.idExtractor(record)})
	})

	return entries
}

func (b *byValueIndex) Query(partition []byte, start []byte, fn func(sortKey []byte) error, tx *bbolt.Tx) error {
	return queryIndexPartition(b.indexName, partition, start, fn, tx)
}

func queryIndexPartition(
	indexName []byte,
	partition []byte,
	startInclusive []byte,
	fn func(sortKey []byte) error,
	tx *bbolt.Tx,
) error {
	indexBucket := tx.Bucket(indexName)
	if indexBucket == nil {
		return nil // index never written to => no matches
	}

	partitionBucket := indexBucket.Bucket(partition)
	if partitionBucket == nil {
		return nil
	}

	cursor := partitionBucket.Cursor()

	for sortKey, _ := cursor.Seek(startInclusive); sortKey != nil; sortKey, _ = cursor.Next() {
		if err := fn(makeCopy(sortKey)); err != nil {
			if err == ErrStopIteration {
				return nil
			}

			return err
		}
	}

	return nil
}

func indexEntryExistsIn(entry indexEntry, coll []indexEntry) bool {
	for _, other := range coll {
		other := other // pin
		if entry.equals(&other) {
			return true
		}
	}

	return false
}

func indexName(name string, repo *SimpleRepository) []byte {
	return []byte(string(repo.bucketName) + ":" + name)
}

// bbolt byte slices are only valid for the duration of the transaction /
// cursor position, so callbacks get defensive copies
func makeCopy(from []byte) []byte {
	copied := make([]byte, len(from))
	copy(copied, from)
	return copied
}
