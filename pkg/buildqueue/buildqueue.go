// Build pipeline: a durable queue of layer builds with crash-safe worker claims.
// all state transitions run in single bbolt write transactions, so concurrent
// workers can race for work without ever double-claiming.
package buildqueue

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/function61/gokit/logex"
	"github.com/function61/sivusto/pkg/blorm"
	"github.com/function61/sivusto/pkg/layerindex"
	"github.com/function61/sivusto/pkg/sivdb"
	"github.com/function61/sivusto/pkg/sivtypes"
	"github.com/function61/sivusto/pkg/sivutils"
	"go.etcd.io/bbolt"
)

// a worker that has not finalized within this window is presumed dead and its layer
// is failed + re-enqueued as a fresh id by the sweep
const DefaultClaimTTL = 15 * time.Minute

type Queue struct {
	db       *bbolt.DB
	claimTTL time.Duration
	logl     *logex.Leveled
}

func New(db *bbolt.DB, claimTTL time.Duration, logger *log.Logger) *Queue {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}

	return &Queue{
		db:       db,
		claimTTL: claimTTL,
		logl:     logex.Levels(logex.NonNil(logger)),
	}
}

func (q *Queue) CreateLayerSet(source string) (*sivtypes.LayerSet, error) {
	layerSet := &sivtypes.LayerSet{
		ID:      sivutils.NewLayerSetID(),
		Source:  source,
		Created: time.Now(),
	}

	if err := q.db.Update(func(tx *bbolt.Tx) error {
		return sivdb.LayerSetRepository.Update(layerSet, tx)
	}); err != nil {
		return nil, err
	}

	return layerSet, nil
}

// allocates the next layer id in the set and puts it on the queue. the id is burned
// even if the build later fails; ids are never reused.
func (q *Queue) Enqueue(layerSetID string, sourceCommit string) (*sivtypes.Layer, error) {
	var layer *sivtypes.Layer

	if err := q.db.Update(func(tx *bbolt.Tx) error {
		var err error
		layer, err = enqueueInTx(layerSetID, sourceCommit, tx)
		return err
	}); err != nil {
		return nil, err
	}

	q.logl.Info.Printf("enqueued %s/%d (commit %s)", layer.LayerSet, layer.ID, sourceCommit)

	return layer, nil
}

// claims the first queued layer for workerID, or sivtypes.ErrNotFound if the queue is
// empty. the single-writer transaction guarantees at most one winner per layer.
func (q *Queue) Claim(workerID string) (*sivtypes.Layer, error) {
	var claimed *sivtypes.Layer

	if err := q.db.Update(func(tx *bbolt.Tx) error {
		firstQueued := []byte(nil)

		if err := sivdb.QueuedLayersIndex.Query(sivdb.StartFromFirst, func(pk []byte) error {
			firstQueued = pk
			return sivdb.StopIteration
		}, tx); err != nil {
			return err
		}

		if firstQueued == nil {
			return fmt.Errorf("claim: no queued layers: %w", sivtypes.ErrNotFound)
		}

		layer := &sivtypes.Layer{}
		if err := sivdb.LayerRepository.OpenByPrimaryKey(firstQueued, layer, tx); err != nil {
			return err
		}

		if err := claimInTx(layer, workerID, tx); err != nil {
			return err
		}

		claimed = layer

		return nil
	}); err != nil {
		return nil, err
	}

	q.logl.Info.Printf("worker %s claimed %s/%d", workerID, claimed.LayerSet, claimed.ID)

	return claimed, nil
}

// claims one specific layer. sivtypes.ErrConflict if another worker got there first.
func (q *Queue) ClaimLayer(layerSetID string, layerID uint64, workerID string) (*sivtypes.Layer, error) {
	var claimed *sivtypes.Layer

	if err := q.db.Update(func(tx *bbolt.Tx) error {
		layer, err := q.layer(layerSetID, layerID, tx)
		if err != nil {
			return err
		}

		if err := claimInTx(layer, workerID, tx); err != nil {
			return err
		}

		claimed = layer

		return nil
	}); err != nil {
		return nil, err
	}

	return claimed, nil
}

// records one path's content for a building layer. only the claim holder may append.
func (q *Queue) AppendFile(layerSetID string, layerID uint64, workerID string, path string, file *sivtypes.FileRef, headers map[string]string) error {
	return q.append(layerSetID, layerID, workerID, path, &sivtypes.LayerMember{
		File:    file,
		Headers: headers,
	})
}

// records a deletion at path, hiding any version an earlier layer published
func (q *Queue) AppendTombstone(layerSetID string, layerID uint64, workerID string, path string) error {
	return q.append(layerSetID, layerID, workerID, path, &sivtypes.LayerMember{})
}

// building -> finalizing: the worker is done appending and intends to commit.
// appends are rejected from here on.
func (q *Queue) StartFinalize(layerSetID string, layerID uint64, workerID string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		layer, err := q.claimedLayer(layerSetID, layerID, workerID, sivtypes.LayerStatusBuilding, tx)
		if err != nil {
			return err
		}

		layer.Status = sivtypes.LayerStatusFinalizing
		layer.FinalizeWorker = workerID

		return sivdb.LayerRepository.Update(layer, tx)
	})
}

// finalizing -> complete. marking the layer complete and advancing the set's
// LastLayerID commit in the same transaction: observers either see both or neither.
func (q *Queue) Finalize(layerSetID string, layerID uint64, workerID string) error {
	if err := q.db.Update(func(tx *bbolt.Tx) error {
		layer, err := q.claimedLayer(layerSetID, layerID, workerID, sivtypes.LayerStatusFinalizing, tx)
		if err != nil {
			return err
		}

		now := time.Now()

		layer.Status = sivtypes.LayerStatusComplete
		layer.Completed = &now

		if err := sivdb.LayerRepository.Update(layer, tx); err != nil {
			return err
		}

		layerSet, err := sivdb.Read(tx).LayerSet(layerSetID)
		if err != nil {
			return err
		}

		// completions can land out of order; the pointer only ever advances
		if layerID > layerSet.LastLayerID {
			layerSet.LastLayerID = layerID

			if err := sivdb.LayerSetRepository.Update(layerSet, tx); err != nil {
				return err
			}
		}

		return nil
	}); err != nil {
		return err
	}

	q.logl.Info.Printf("layer %s/%d complete", layerSetID, layerID)

	return nil
}

// fails the build and discards whatever it had appended. terminal: a retry means
// enqueueing again, which yields a fresh layer id.
func (q *Queue) Fail(layerSetID string, layerID uint64, workerID string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		layer, err := q.layer(layerSetID, layerID, tx)
		if err != nil {
			return err
		}

		if layer.Status != sivtypes.LayerStatusBuilding && layer.Status != sivtypes.LayerStatusFinalizing {
			return fmt.Errorf("fail %s/%d: status is %s: %w", layerSetID, layerID, layer.Status, sivtypes.ErrInvalidState)
		}

		if layer.BuildWorker != workerID {
			return fmt.Errorf("fail %s/%d: claim is held by %s: %w", layerSetID, layerID, layer.BuildWorker, sivtypes.ErrConflict)
		}

		return failInTx(layer, tx)
	})
}

// fails every claimed layer whose lease has expired and re-enqueues the same source
// commit under a fresh id. meant to be run periodically. returns how many were swept.
func (q *Queue) RequeueExpired() (int, error) {
	deadline := time.Now().Add(-q.claimTTL)
	swept := 0

	if err := q.db.Update(func(tx *bbolt.Tx) error {
		expired := []sivtypes.Layer{}

		if err := sivdb.BuildingLayersIndex.Query(sivdb.StartFromFirst, func(pk []byte) error {
			layer := &sivtypes.Layer{}
			if err := sivdb.LayerRepository.OpenByPrimaryKey(pk, layer, tx); err != nil {
				return err
			}

			if layer.ClaimedAt.Before(deadline) {
				expired = append(expired, *layer)
			}

			return nil
		}, tx); err != nil {
			return err
		}

		for i := range expired {
			layer := expired[i]

			q.logl.Error.Printf("sweeping %s/%d: worker %s claim expired", layer.LayerSet, layer.ID, layer.BuildWorker)

			if err := failInTx(&layer, tx); err != nil {
				return err
			}

			if _, err := enqueueInTx(layer.LayerSet, layer.SourceCommit, tx); err != nil {
				return err
			}

			swept++
		}

		return nil
	}); err != nil {
		return 0, err
	}

	return swept, nil
}

func (q *Queue) ListLayers(layerSetID string) ([]sivtypes.Layer, error) {
	layers := []sivtypes.Layer{}

	if err := q.db.View(func(tx *bbolt.Tx) error {
		prefix := append([]byte(layerSetID), 0x00)

		return sivdb.LayerRepository.EachFrom(prefix, func(record any) error {
			layer := record.(*sivtypes.Layer)
			if layer.LayerSet != layerSetID {
				return sivdb.StopIteration
			}

			layers = append(layers, *layer)

			return nil
		}, tx)
	}); err != nil {
		return nil, err
	}

	return layers, nil
}

func (q *Queue) append(layerSetID string, layerID uint64, workerID string, path string, member *sivtypes.LayerMember) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		if _, err := q.claimedLayer(layerSetID, layerID, workerID, sivtypes.LayerStatusBuilding, tx); err != nil {
			return err
		}

		return layerindex.PutMember(layerSetID, layerID, path, member, tx)
	})
}

// loads the layer and checks it is in expectedStatus with workerID holding the claim
func (q *Queue) claimedLayer(layerSetID string, layerID uint64, workerID string, expectedStatus sivtypes.LayerStatus, tx *bbolt.Tx) (*sivtypes.Layer, error) {
	layer, err := q.layer(layerSetID, layerID, tx)
	if err != nil {
		return nil, err
	}

	if layer.Status != expectedStatus {
		return nil, fmt.Errorf("layer %s/%d: status is %s, not %s: %w", layerSetID, layerID, layer.Status, expectedStatus, sivtypes.ErrInvalidState)
	}

	if layer.BuildWorker != workerID {
		return nil, fmt.Errorf("layer %s/%d: claim is held by %s: %w", layerSetID, layerID, layer.BuildWorker, sivtypes.ErrConflict)
	}

	return layer, nil
}

func (q *Queue) layer(layerSetID string, layerID uint64, tx *bbolt.Tx) (*sivtypes.Layer, error) {
	layer, err := sivdb.Read(tx).Layer(layerSetID, layerID)
	if err != nil {
		if errors.Is(err, blorm.ErrNotFound) {
			return nil, fmt.Errorf("layer %s/%d: %w", layerSetID, layerID, sivtypes.ErrNotFound)
		}
		return nil, err
	}

	return layer, nil
}

func enqueueInTx(layerSetID string, sourceCommit string, tx *bbolt.Tx) (*sivtypes.Layer, error) {
	if strings.ContainsRune(layerSetID, 0x00) {
		return nil, fmt.Errorf("layer set id contains NUL: %w", sivtypes.ErrInvalidState)
	}

	layerSet, err := sivdb.Read(tx).LayerSet(layerSetID)
	if err != nil {
		if errors.Is(err, blorm.ErrNotFound) {
			return nil, fmt.Errorf("layer set %s: %w", layerSetID, sivtypes.ErrNotFound)
		}
		return nil, err
	}

	layerSet.NextLayerID++

	layer := &sivtypes.Layer{
		LayerSet:     layerSetID,
		ID:           layerSet.NextLayerID,
		Status:       sivtypes.LayerStatusQueued,
		SourceCommit: sourceCommit,
		Enqueued:     time.Now(),
	}

	if err := sivdb.LayerSetRepository.Update(layerSet, tx); err != nil {
		return nil, err
	}

	if err := sivdb.LayerRepository.Update(layer, tx); err != nil {
		return nil, err
	}

	return layer, nil
}

// the compare-and-set: only an unclaimed queued layer can be claimed
func claimInTx(layer *sivtypes.Layer, workerID string, tx *bbolt.Tx) error {
	if layer.BuildWorker != "" || layer.Status != sivtypes.LayerStatusQueued {
		return fmt.Errorf("layer %s/%d: already claimed by %s: %w", layer.LayerSet, layer.ID, layer.BuildWorker, sivtypes.ErrConflict)
	}

	layer.Status = sivtypes.LayerStatusBuilding
	layer.BuildWorker = workerID
	layer.ClaimedAt = time.Now()

	return sivdb.LayerRepository.Update(layer, tx)
}

// terminal failure: status flip + half-built members dropped together
func failInTx(layer *sivtypes.Layer, tx *bbolt.Tx) error {
	layer.Status = sivtypes.LayerStatusFailed

	if err := sivdb.LayerRepository.Update(layer, tx); err != nil {
		return err
	}

	return layerindex.RemoveLayerMembers(layer.LayerSet, layer.ID, tx)
}
