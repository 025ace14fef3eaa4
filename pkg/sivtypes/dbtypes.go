package sivtypes

import (
	"time"
)

// immutable compressed byte range, addressed by the checksum of its decompressed content.
// blob identity is global (not keyspace-scoped) so identical content across tenants is
// stored only once.
type Blob struct {
	Ref         BlobRef
	Size        int32 // 32 bits is enough, chunks are at most 4 MB
	SizeOnDisk  int32 // after optional compression
	Compression CompressionKind
	Referenced  bool // false until some committed file record points at this blob (orphans are GC fodder)
}

type CompressionKind string

const (
	CompressionNone CompressionKind = ""
	CompressionGzip CompressionKind = "gzip"
)

// tenant/team isolation boundary for files. the random key salts file checksums so one
// tenant cannot probe another tenant's content by hash, even though blob storage dedups
// across keyspaces.
type FileKeyspace struct {
	ID      string
	Name    string
	Key     []byte // 32 bytes
	Created time.Time
}

// a logical byte sequence, identified by (keyspace, checksum-over-whole-file).
// the chunk partition is stored inline so a file record can never exist without its
// full, size-covering set of chunk ranges.
type File struct {
	Keyspace string
	Checksum []byte
	Size     int64
	IsUTF8   bool // cached so the serving layer doesn't re-scan content to pick text vs. binary handling
	Chunks   []FileChunk
}

// one contiguous byte range [Start, End) of a file, backed by exactly one blob.
// a file's chunks are non-overlapping and their union is exactly [0, Size).
type FileChunk struct {
	Start int64
	End   int64
	Blob  BlobRef
}

// named history of layers for one source
type LayerSet struct {
	ID          string
	Source      string // e.g. git ref, supplied by the source collaborator. opaque to us
	Created     time.Time
	NextLayerID uint64 // allocation cursor: highest layer id handed out so far
	LastLayerID uint64 // latest *complete* layer. 0 = no complete layer yet
}

type LayerStatus string

const (
	LayerStatusQueued     LayerStatus = "queued"
	LayerStatusBuilding   LayerStatus = "building"
	LayerStatusFinalizing LayerStatus = "finalizing"
	LayerStatusComplete   LayerStatus = "complete"
	LayerStatusFailed     LayerStatus = "failed" // terminal. retries get a fresh layer id
)

// immutable snapshot of a path tree, produced by one build.
// (LayerSet, ID) is the identity; ids are monotonically increasing within a set.
type Layer struct {
	LayerSet       string
	ID             uint64
	Status         LayerStatus
	SourceCommit   string
	BuildWorker    string // claim field. "" = unclaimed. written by compare-and-set only
	FinalizeWorker string
	Enqueued       time.Time
	ClaimedAt      time.Time
	Completed      *time.Time
}

// membership entry for one (path, layer id). File == nil marks a deletion (tombstone)
// at that path/version.
type LayerMember struct {
	File    *FileRef
	Headers map[string]string // response headers cached at build time, passed through to the serving layer
}

func (l *LayerMember) Tombstone() bool {
	return l.File == nil
}

// maps a mount path prefix to a subtree of one layer, pinned by id (never "latest")
type DeploymentProjection struct {
	MountPath string // starts and ends with "/"
	LayerSet  string
	LayerID   uint64
	SubPath   string // starts and ends with "/"
}

// the ordered projections that together define the file tree a deployment serves.
// projections are immutable once the deployment is created; changes mean a new
// deployment with a fresh id.
type Deployment struct {
	ID          string
	Site        string
	Created     time.Time
	Projections []DeploymentProjection
}

type Site struct {
	ID                string // user-facing name, e.g. "example.com"
	Created           time.Time
	CurrentDeployment string // live pointer, swapped atomically. "" = nothing live
}

type Config struct {
	Key   string
	Value string
}
