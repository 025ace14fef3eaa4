package sivdb

import (
	"github.com/function61/sivusto/pkg/sivtypes"
	"go.etcd.io/bbolt"
)

type dbQueries struct {
	tx *bbolt.Tx
}

func Read(tx *bbolt.Tx) *dbQueries {
	return &dbQueries{tx}
}

func (d *dbQueries) Blob(ref sivtypes.BlobRef) (*sivtypes.Blob, error) {
	record := &sivtypes.Blob{}
	if err := BlobRepository.OpenByPrimaryKey(ref, record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) FileKeyspace(id string) (*sivtypes.FileKeyspace, error) {
	record := &sivtypes.FileKeyspace{}
	if err := FileKeyspaceRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) File(keyspace string, checksum []byte) (*sivtypes.File, error) {
	record := &sivtypes.File{}
	if err := FileRepository.OpenByPrimaryKey(FilePK(keyspace, checksum), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) LayerSet(id string) (*sivtypes.LayerSet, error) {
	record := &sivtypes.LayerSet{}
	if err := LayerSetRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) Layer(layerSet string, id uint64) (*sivtypes.Layer, error) {
	record := &sivtypes.Layer{}
	if err := LayerRepository.OpenByPrimaryKey(LayerPK(layerSet, id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) Deployment(id string) (*sivtypes.Deployment, error) {
	record := &sivtypes.Deployment{}
	if err := DeploymentRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}

func (d *dbQueries) Site(id string) (*sivtypes.Site, error) {
	record := &sivtypes.Site{}
	if err := SiteRepository.OpenByPrimaryKey([]byte(id), record, d.tx); err != nil {
		return nil, err
	}

	return record, nil
}
