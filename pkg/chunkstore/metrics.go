package chunkstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

type storeMetrics struct {
	writes        prometheus.Counter
	writtenBytes  prometheus.Counter
	dedupHits     prometheus.Counter
	reads         prometheus.Counter
	readCacheHits prometheus.Counter
}

func newStoreMetrics() *storeMetrics {
	return &storeMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siv_blob_writes_total",
			Help: "Blobs written to the backing store",
		}),
		writtenBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siv_blob_written_bytes_total",
			Help: "Bytes written to the backing store (after compression)",
		}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siv_blob_dedup_hits_total",
			Help: "Blob writes skipped because identical content already existed",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siv_blob_reads_total",
			Help: "Blob read requests (incl. cache hits)",
		}),
		readCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "siv_blob_read_cache_hits_total",
			Help: "Blob reads served from the in-memory cache",
		}),
	}
}

// for the caller to register onto its prometheus registry of choice
func (s *Store) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.metrics.writes,
		s.metrics.writtenBytes,
		s.metrics.dedupHits,
		s.metrics.reads,
		s.metrics.readCacheHits,
	}
}
