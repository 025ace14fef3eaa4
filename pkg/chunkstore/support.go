package chunkstore

import (
	"sync"

	"github.com/function61/sivusto/pkg/sivtypes"
	"github.com/golang/groupcache/lru"
)

// lru.Cache is not safe for concurrent use, hence the wrapper. cached values are
// decompressed blob contents, copied on the way in and out because callers are
// allowed to mutate the returned slice.
type blobCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func newBlobCache(cache *lru.Cache) *blobCache {
	return &blobCache{cache: cache}
}

func (b *blobCache) Get(ref sivtypes.BlobRef) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cached, got := b.cache.Get(ref.AsHex())
	if !got {
		return nil, false
	}

	return copyBytes(cached.([]byte)), true
}

func (b *blobCache) Add(ref sivtypes.BlobRef, content []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cache.Add(ref.AsHex(), copyBytes(content))
}

func (b *blobCache) Drop(ref sivtypes.BlobRef) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cache.Remove(ref.AsHex())
}

func copyBytes(from []byte) []byte {
	copied := make([]byte, len(from))
	copy(copied, from)
	return copied
}
