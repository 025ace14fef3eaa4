package deployment

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/function61/gokit/assert"
	"github.com/function61/gokit/logex"
	"github.com/function61/sivusto/pkg/buildqueue"
	"github.com/function61/sivusto/pkg/sivdb"
	"github.com/function61/sivusto/pkg/sivtypes"
	"go.etcd.io/bbolt"
)

type testData struct {
	manager *Manager
	queue   *buildqueue.Queue
	db      *bbolt.DB
}

func setup(t *testing.T) *testData {
	dir, err := os.MkdirTemp("", "deployment")
	assert.Ok(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := sivdb.Open(filepath.Join(dir, "sivusto.db"))
	assert.Ok(t, err)
	t.Cleanup(func() { db.Close() })

	assert.Ok(t, sivdb.Bootstrap(db, logex.Discard))

	return &testData{New(db, nil), buildqueue.New(db, 0, nil), db}
}

func fileRef(checksumByte byte) *sivtypes.FileRef {
	return &sivtypes.FileRef{
		Keyspace: "testKeyspace",
		Checksum: bytes.Repeat([]byte{checksumByte}, 32),
	}
}

// runs a whole build so the layer is complete and deployable. files maps path to a
// checksum marker byte; a zero value means a tombstone.
func (td *testData) completeLayer(t *testing.T, files map[string]byte) (string, uint64) {
	layerSet, err := td.queue.CreateLayerSet("test source")
	assert.Ok(t, err)

	layer, err := td.queue.Enqueue(layerSet.ID, "commit1")
	assert.Ok(t, err)

	_, err = td.queue.ClaimLayer(layerSet.ID, layer.ID, "testWorker")
	assert.Ok(t, err)

	for path, marker := range files {
		if marker == 0 {
			assert.Ok(t, td.queue.AppendTombstone(layerSet.ID, layer.ID, "testWorker", path))
		} else {
			assert.Ok(t, td.queue.AppendFile(layerSet.ID, layer.ID, "testWorker", path, fileRef(marker), nil))
		}
	}

	assert.Ok(t, td.queue.StartFinalize(layerSet.ID, layer.ID, "testWorker"))
	assert.Ok(t, td.queue.Finalize(layerSet.ID, layer.ID, "testWorker"))

	return layerSet.ID, layer.ID
}

func TestCreateSite(t *testing.T) {
	td := setup(t)

	_, err := td.manager.CreateSite("example.com")
	assert.Ok(t, err)

	_, err = td.manager.CreateSite("example.com")
	assert.Assert(t, errors.Is(err, sivtypes.ErrConflict))
}

func TestCreateDeploymentValidation(t *testing.T) {
	td := setup(t)

	_, err := td.manager.CreateSite("example.com")
	assert.Ok(t, err)

	layerSet, layerID := td.completeLayer(t, map[string]byte{"/index.html": 0x01})

	projection := sivtypes.DeploymentProjection{MountPath: "/", LayerSet: layerSet, LayerID: layerID, SubPath: "/"}

	// empty and oversized projection lists
	_, err = td.manager.CreateDeployment("example.com", nil)
	assert.Assert(t, errors.Is(err, sivtypes.ErrInvalidState))

	tooMany := []sivtypes.DeploymentProjection{}
	for i := 0; i < MaxProjections+1; i++ {
		tooMany = append(tooMany, projection)
	}
	_, err = td.manager.CreateDeployment("example.com", tooMany)
	assert.Assert(t, errors.Is(err, sivtypes.ErrInvalidState))

	// unknown site
	_, err = td.manager.CreateDeployment("nope.com", []sivtypes.DeploymentProjection{projection})
	assert.Assert(t, errors.Is(err, sivtypes.ErrNotFound))

	// unknown layer
	_, err = td.manager.CreateDeployment("example.com", []sivtypes.DeploymentProjection{
		{MountPath: "/", LayerSet: layerSet, LayerID: 999, SubPath: "/"},
	})
	assert.Assert(t, errors.Is(err, sivtypes.ErrNotFound))

	// queued (not complete) layer can't be deployed
	queuedLayer, err := td.queue.Enqueue(layerSet, "commit2")
	assert.Ok(t, err)

	_, err = td.manager.CreateDeployment("example.com", []sivtypes.DeploymentProjection{
		{MountPath: "/", LayerSet: layerSet, LayerID: queuedLayer.ID, SubPath: "/"},
	})
	assert.Assert(t, errors.Is(err, sivtypes.ErrInvalidState))
}

func TestResolvePathLongestMountWins(t *testing.T) {
	td := setup(t)

	_, err := td.manager.CreateSite("example.com")
	assert.Ok(t, err)

	mainSet, mainLayer := td.completeLayer(t, map[string]byte{
		"/index.html": 0x01,
	})
	blogSet, blogLayer := td.completeLayer(t, map[string]byte{
		"/posts/hello.html": 0x02,
	})

	deployment, err := td.manager.CreateDeployment("example.com", []sivtypes.DeploymentProjection{
		{MountPath: "/", LayerSet: mainSet, LayerID: mainLayer, SubPath: "/"},
		{MountPath: "/blog/", LayerSet: blogSet, LayerID: blogLayer, SubPath: "/posts/"},
	})
	assert.Ok(t, err)

	// "/blog/" is the longer matching mount, and its subtree rewrite applies
	resolved, err := td.manager.ResolvePath(deployment.ID, "/blog/hello.html")
	assert.Ok(t, err)
	assert.EqualString(t, resolved.LayerSet, blogSet)
	assert.EqualString(t, resolved.LayerPath, "/posts/hello.html")
	assert.Assert(t, resolved.File.Checksum[0] == 0x02)

	// everything else falls to the root mount
	resolved, err = td.manager.ResolvePath(deployment.ID, "/index.html")
	assert.Ok(t, err)
	assert.EqualString(t, resolved.LayerSet, mainSet)
	assert.EqualString(t, resolved.LayerPath, "/index.html")
	assert.Assert(t, resolved.File.Checksum[0] == 0x01)
}

func TestResolveDoesNotFallThroughToShorterMounts(t *testing.T) {
	td := setup(t)

	_, err := td.manager.CreateSite("example.com")
	assert.Ok(t, err)

	// the root layer does have /blog/missing.html, but the /blog/ mount shadows it
	mainSet, mainLayer := td.completeLayer(t, map[string]byte{
		"/blog/missing.html": 0x01,
	})
	blogSet, blogLayer := td.completeLayer(t, map[string]byte{
		"/other.html": 0x02,
	})

	deployment, err := td.manager.CreateDeployment("example.com", []sivtypes.DeploymentProjection{
		{MountPath: "/", LayerSet: mainSet, LayerID: mainLayer, SubPath: "/"},
		{MountPath: "/blog/", LayerSet: blogSet, LayerID: blogLayer, SubPath: "/"},
	})
	assert.Ok(t, err)

	_, err = td.manager.ResolvePath(deployment.ID, "/blog/missing.html")
	assert.Assert(t, errors.Is(err, sivtypes.ErrNotFound))
}

func TestResolveTombstonedPath(t *testing.T) {
	td := setup(t)

	_, err := td.manager.CreateSite("example.com")
	assert.Ok(t, err)

	layerSet, layerID := td.completeLayer(t, map[string]byte{
		"/gone.html": 0, // tombstone
	})

	deployment, err := td.manager.CreateDeployment("example.com", []sivtypes.DeploymentProjection{
		{MountPath: "/", LayerSet: layerSet, LayerID: layerID, SubPath: "/"},
	})
	assert.Ok(t, err)

	_, err = td.manager.ResolvePath(deployment.ID, "/gone.html")
	assert.Assert(t, errors.Is(err, sivtypes.ErrNotFound))
}

func TestSetCurrent(t *testing.T) {
	td := setup(t)

	_, err := td.manager.CreateSite("example.com")
	assert.Ok(t, err)
	_, err = td.manager.CreateSite("other.com")
	assert.Ok(t, err)

	layerSet, layerID := td.completeLayer(t, map[string]byte{"/index.html": 0x01})

	projections := []sivtypes.DeploymentProjection{
		{MountPath: "/", LayerSet: layerSet, LayerID: layerID, SubPath: "/"},
	}

	deployment, err := td.manager.CreateDeployment("example.com", projections)
	assert.Ok(t, err)

	// nothing live until explicitly set
	_, err = td.manager.Current("example.com")
	assert.Assert(t, errors.Is(err, sivtypes.ErrNotFound))

	assert.Ok(t, td.manager.SetCurrent("example.com", deployment.ID))

	current, err := td.manager.Current("example.com")
	assert.Ok(t, err)
	assert.EqualString(t, current.ID, deployment.ID)

	// can't point a site at another site's deployment
	err = td.manager.SetCurrent("other.com", deployment.ID)
	assert.Assert(t, errors.Is(err, sivtypes.ErrInvalidState))

	// swapping to a newer deployment replaces the pointer wholesale
	second, err := td.manager.CreateDeployment("example.com", projections)
	assert.Ok(t, err)
	assert.Ok(t, td.manager.SetCurrent("example.com", second.ID))

	current, err = td.manager.Current("example.com")
	assert.Ok(t, err)
	assert.EqualString(t, current.ID, second.ID)
}

func TestListDeployments(t *testing.T) {
	td := setup(t)

	_, err := td.manager.CreateSite("example.com")
	assert.Ok(t, err)
	_, err = td.manager.CreateSite("other.com")
	assert.Ok(t, err)

	layerSet, layerID := td.completeLayer(t, map[string]byte{"/index.html": 0x01})

	projections := []sivtypes.DeploymentProjection{
		{MountPath: "/", LayerSet: layerSet, LayerID: layerID, SubPath: "/"},
	}

	_, err = td.manager.CreateDeployment("example.com", projections)
	assert.Ok(t, err)
	_, err = td.manager.CreateDeployment("example.com", projections)
	assert.Ok(t, err)
	_, err = td.manager.CreateDeployment("other.com", projections)
	assert.Ok(t, err)

	deployments, err := td.manager.ListDeployments("example.com")
	assert.Ok(t, err)
	assert.Assert(t, len(deployments) == 2)

	for _, deployment := range deployments {
		assert.EqualString(t, deployment.Site, "example.com")
	}
}
