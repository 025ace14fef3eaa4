// Deployment projection: composes subtrees of pinned layers into the single file tree
// a site serves, and atomically swaps which deployment is live.
package deployment

import (
	"errors"
	"fmt"
	"log"
	"sort"
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

// keeps path resolution a cheap linear scan and deployments reviewable by eye
const MaxProjections = 8

type Manager struct {
	db   *bbolt.DB
	logl *logex.Leveled
}

func New(db *bbolt.DB, logger *log.Logger) *Manager {
	return &Manager{
		db:   db,
		logl: logex.Levels(logex.NonNil(logger)),
	}
}

// where a request path landed: which layer's subtree, and the path inside it
type Resolved struct {
	File      sivtypes.FileRef
	Headers   map[string]string
	LayerSet  string
	LayerID   uint64
	LayerPath string
}

func (m *Manager) CreateSite(id string) (*sivtypes.Site, error) {
	if id == "" || strings.ContainsRune(id, 0x00) {
		return nil, fmt.Errorf("invalid site id %q: %w", id, sivtypes.ErrInvalidState)
	}

	site := &sivtypes.Site{
		ID:      id,
		Created: time.Now(),
	}

	if err := m.db.Update(func(tx *bbolt.Tx) error {
		exists, err := sivdb.SiteRepository.Exists([]byte(id), tx)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("site %s already exists: %w", id, sivtypes.ErrConflict)
		}

		return sivdb.SiteRepository.Update(site, tx)
	}); err != nil {
		return nil, err
	}

	return site, nil
}

// validates and freezes the projection list under a fresh deployment id. projections
// pin layers by id, so the resulting tree can never change after this returns.
func (m *Manager) CreateDeployment(siteID string, projections []sivtypes.DeploymentProjection) (*sivtypes.Deployment, error) {
	if len(projections) == 0 || len(projections) > MaxProjections {
		return nil, fmt.Errorf("deployment needs 1..%d projections, got %d: %w", MaxProjections, len(projections), sivtypes.ErrInvalidState)
	}

	normalized := make([]sivtypes.DeploymentProjection, len(projections))
	for i, projection := range projections {
		mountPath, err := normalizePrefix(projection.MountPath)
		if err != nil {
			return nil, fmt.Errorf("projection %d mount: %w", i, err)
		}

		subPath, err := normalizePrefix(projection.SubPath)
		if err != nil {
			return nil, fmt.Errorf("projection %d subPath: %w", i, err)
		}

		normalized[i] = sivtypes.DeploymentProjection{
			MountPath: mountPath,
			LayerSet:  projection.LayerSet,
			LayerID:   projection.LayerID,
			SubPath:   subPath,
		}
	}

	// longest mount first, so resolution's first prefix match is the most specific
	// one. stable: ties keep the caller's order.
	sort.SliceStable(normalized, func(i, j int) bool {
		return len(normalized[i].MountPath) > len(normalized[j].MountPath)
	})

	deployment := &sivtypes.Deployment{
		ID:          sivutils.NewDeploymentID(),
		Site:        siteID,
		Created:     time.Now(),
		Projections: normalized,
	}

	if err := m.db.Update(func(tx *bbolt.Tx) error {
		if _, err := sivdb.Read(tx).Site(siteID); err != nil {
			if errors.Is(err, blorm.ErrNotFound) {
				return fmt.Errorf("site %s: %w", siteID, sivtypes.ErrNotFound)
			}
			return err
		}

		// only complete layers serve traffic; a projection must never pin a build
		// that might still fail
		for _, projection := range normalized {
			layer, err := sivdb.Read(tx).Layer(projection.LayerSet, projection.LayerID)
			if err != nil {
				if errors.Is(err, blorm.ErrNotFound) {
					return fmt.Errorf("layer %s/%d: %w", projection.LayerSet, projection.LayerID, sivtypes.ErrNotFound)
				}
				return err
			}

			if layer.Status != sivtypes.LayerStatusComplete {
				return fmt.Errorf("layer %s/%d is %s, not complete: %w", projection.LayerSet, projection.LayerID, layer.Status, sivtypes.ErrInvalidState)
			}
		}

		return sivdb.DeploymentRepository.Update(deployment, tx)
	}); err != nil {
		return nil, err
	}

	m.logl.Info.Printf("created deployment %s for site %s (%d projections)", deployment.ID, siteID, len(normalized))

	return deployment, nil
}

// maps a request path to a file via the deployment's projections. the longest matching
// mount path decides alone: if its layer has no live file there, the whole resolve is
// sivtypes.ErrNotFound (no falling through to shorter mounts).
func (m *Manager) ResolvePath(deploymentID string, path string) (*Resolved, error) {
	if err := layerindex.ValidatePath(path); err != nil {
		return nil, err
	}

	var resolved *Resolved

	if err := m.db.View(func(tx *bbolt.Tx) error {
		deployment, err := m.deployment(deploymentID, tx)
		if err != nil {
			return err
		}

		for _, projection := range deployment.Projections {
			if !strings.HasPrefix(path, projection.MountPath) {
				continue
			}

			layerPath := projection.SubPath + strings.TrimPrefix(path, projection.MountPath)

			member, err := layerindex.Resolve(projection.LayerSet, projection.LayerID, layerPath, tx)
			if err != nil {
				return err
			}

			if member.Tombstone() {
				return fmt.Errorf("resolve %s: tombstoned at %s: %w", path, layerPath, sivtypes.ErrNotFound)
			}

			resolved = &Resolved{
				File:      *member.File,
				Headers:   member.Headers,
				LayerSet:  projection.LayerSet,
				LayerID:   projection.LayerID,
				LayerPath: layerPath,
			}

			return nil
		}

		return fmt.Errorf("resolve %s: no projection mounts it: %w", path, sivtypes.ErrNotFound)
	}); err != nil {
		return nil, err
	}

	return resolved, nil
}

// flips which deployment the site serves. a single record write, so readers see the
// old tree or the new tree and nothing in between.
func (m *Manager) SetCurrent(siteID string, deploymentID string) error {
	if err := m.db.Update(func(tx *bbolt.Tx) error {
		site, err := sivdb.Read(tx).Site(siteID)
		if err != nil {
			if errors.Is(err, blorm.ErrNotFound) {
				return fmt.Errorf("site %s: %w", siteID, sivtypes.ErrNotFound)
			}
			return err
		}

		deployment, err := m.deployment(deploymentID, tx)
		if err != nil {
			return err
		}

		if deployment.Site != siteID {
			return fmt.Errorf("deployment %s belongs to site %s, not %s: %w", deploymentID, deployment.Site, siteID, sivtypes.ErrInvalidState)
		}

		site.CurrentDeployment = deploymentID

		return sivdb.SiteRepository.Update(site, tx)
	}); err != nil {
		return err
	}

	m.logl.Info.Printf("site %s now serves deployment %s", siteID, deploymentID)

	return nil
}

// the live deployment, or sivtypes.ErrNotFound if nothing has been made live yet
func (m *Manager) Current(siteID string) (*sivtypes.Deployment, error) {
	var current *sivtypes.Deployment

	if err := m.db.View(func(tx *bbolt.Tx) error {
		site, err := sivdb.Read(tx).Site(siteID)
		if err != nil {
			if errors.Is(err, blorm.ErrNotFound) {
				return fmt.Errorf("site %s: %w", siteID, sivtypes.ErrNotFound)
			}
			return err
		}

		if site.CurrentDeployment == "" {
			return fmt.Errorf("site %s has no live deployment: %w", siteID, sivtypes.ErrNotFound)
		}

		current, err = m.deployment(site.CurrentDeployment, tx)

		return err
	}); err != nil {
		return nil, err
	}

	return current, nil
}

func (m *Manager) ListDeployments(siteID string) ([]sivtypes.Deployment, error) {
	deployments := []sivtypes.Deployment{}

	if err := m.db.View(func(tx *bbolt.Tx) error {
		return sivdb.DeploymentsBySiteIndex.Query([]byte(siteID), sivdb.StartFromFirst, func(pk []byte) error {
			deployment := &sivtypes.Deployment{}
			if err := sivdb.DeploymentRepository.OpenByPrimaryKey(pk, deployment, tx); err != nil {
				return err
			}

			deployments = append(deployments, *deployment)

			return nil
		}, tx)
	}); err != nil {
		return nil, err
	}

	return deployments, nil
}

func (m *Manager) deployment(id string, tx *bbolt.Tx) (*sivtypes.Deployment, error) {
	deployment, err := sivdb.Read(tx).Deployment(id)
	if err != nil {
		if errors.Is(err, blorm.ErrNotFound) {
			return nil, fmt.Errorf("deployment %s: %w", id, sivtypes.ErrNotFound)
		}
		return nil, err
	}

	return deployment, nil
}

// mount and sub paths are directory prefixes: "/" on both ends. "" and "/" both mean
// the root.
func normalizePrefix(path string) (string, error) {
	if path == "" {
		return "/", nil
	}

	if err := layerindex.ValidatePath(path); err != nil {
		return "", err
	}

	if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	return path, nil
}
