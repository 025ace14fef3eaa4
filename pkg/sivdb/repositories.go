// Encapsulates access to the metadata database
package sivdb

import (
	"encoding/binary"

	"github.com/function61/sivusto/pkg/blorm"
	"github.com/function61/sivusto/pkg/sivtypes"
)

// re-export so not all sivdb-importing packages have to import blorm
var (
	StartFromFirst = blorm.StartFromFirst
	StopIteration  = blorm.ErrStopIteration
)

var BlobRepository = register("Blob", blorm.NewSimpleRepo(
	"blobs",
	func() any { return &sivtypes.Blob{} },
	func(record any) []byte { return record.(*sivtypes.Blob).Ref }))

// orphans = blobs never referenced by a committed file record. GC's work list
var OrphanBlobsIndex = blorm.NewSetIndex("orphan", BlobRepository, func(record any) bool {
	return !record.(*sivtypes.Blob).Referenced
})

var FileKeyspaceRepository = register("FileKeyspace", blorm.NewSimpleRepo(
	"filekeyspaces",
	func() any { return &sivtypes.FileKeyspace{} },
	func(record any) []byte { return []byte(record.(*sivtypes.FileKeyspace).ID) }))

var FileRepository = register("File", blorm.NewSimpleRepo(
	"files",
	func() any { return &sivtypes.File{} },
	func(record any) []byte {
		file := record.(*sivtypes.File)
		return FilePK(file.Keyspace, file.Checksum)
	}))

var LayerSetRepository = register("LayerSet", blorm.NewSimpleRepo(
	"layersets",
	func() any { return &sivtypes.LayerSet{} },
	func(record any) []byte { return []byte(record.(*sivtypes.LayerSet).ID) }))

var LayerRepository = register("Layer", blorm.NewSimpleRepo(
	"layers",
	func() any { return &sivtypes.Layer{} },
	func(record any) []byte {
		layer := record.(*sivtypes.Layer)
		return LayerPK(layer.LayerSet, layer.ID)
	}))

// claimable work, oldest layer first (primary key sorts by layer set, then id)
var QueuedLayersIndex = blorm.NewSetIndex("queued", LayerRepository, func(record any) bool {
	return record.(*sivtypes.Layer).Status == sivtypes.LayerStatusQueued
})

// claimed-but-not-finished builds, for the lease expiry sweep
var BuildingLayersIndex = blorm.NewSetIndex("building", LayerRepository, func(record any) bool {
	status := record.(*sivtypes.Layer).Status
	return status == sivtypes.LayerStatusBuilding || status == sivtypes.LayerStatusFinalizing
})

var DeploymentRepository = register("Deployment", blorm.NewSimpleRepo(
	"deployments",
	func() any { return &sivtypes.Deployment{} },
	func(record any) []byte { return []byte(record.(*sivtypes.Deployment).ID) }))

var DeploymentsBySiteIndex = blorm.NewValueIndex("site", DeploymentRepository, func(record any, index func(partition []byte)) {
	index([]byte(record.(*sivtypes.Deployment).Site))
})

var SiteRepository = register("Site", blorm.NewSimpleRepo(
	"sites",
	func() any { return &sivtypes.Site{} },
	func(record any) []byte { return []byte(record.(*sivtypes.Site).ID) }))

var configRepository = register("Config", blorm.NewSimpleRepo(
	"config",
	func() any { return &sivtypes.Config{} },
	func(record any) []byte { return []byte(record.(*sivtypes.Config).Key) }))

// composite key helpers. 0x00 works as a separator because keyspace ids and layer
// set names are validated to never contain NUL.

func FilePK(keyspace string, checksum []byte) []byte {
	pk := make([]byte, 0, len(keyspace)+1+len(checksum))
	pk = append(pk, keyspace...)
	pk = append(pk, 0x00)
	pk = append(pk, checksum...)
	return pk
}

func LayerPK(layerSet string, layerID uint64) []byte {
	pk := make([]byte, 0, len(layerSet)+1+8)
	pk = append(pk, layerSet...)
	pk = append(pk, 0x00)
	pk = binary.BigEndian.AppendUint64(pk, layerID)
	return pk
}

// appenders

func FileKeyspaceAppender(slice *[]sivtypes.FileKeyspace) func(record any) error {
	return func(record any) error {
		*slice = append(*slice, *record.(*sivtypes.FileKeyspace))
		return nil
	}
}

func LayerSetAppender(slice *[]sivtypes.LayerSet) func(record any) error {
	return func(record any) error {
		*slice = append(*slice, *record.(*sivtypes.LayerSet))
		return nil
	}
}

func LayerAppender(slice *[]sivtypes.Layer) func(record any) error {
	return func(record any) error {
		*slice = append(*slice, *record.(*sivtypes.Layer))
		return nil
	}
}

func SiteAppender(slice *[]sivtypes.Site) func(record any) error {
	return func(record any) error {
		*slice = append(*slice, *record.(*sivtypes.Site))
		return nil
	}
}

var RepoByRecordType = map[string]blorm.Repository{}

func register(key string, repo *blorm.SimpleRepository) *blorm.SimpleRepository {
	RepoByRecordType[key] = repo
	return repo
}
