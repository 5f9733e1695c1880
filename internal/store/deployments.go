package store

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/model"
)

// DeploymentStore is the bbolt-backed implementation of
// interfaces.DeploymentStore. Deployment rows are append-only history:
// created once by the trigger, mutated only by the Orchestrator and the
// cancel path, never deleted.
type DeploymentStore struct {
	db *BoltStore
}

// NewDeploymentStore wraps an opened BoltStore for deployment persistence.
func NewDeploymentStore(db *BoltStore) *DeploymentStore {
	return &DeploymentStore{db: db}
}

func (s *DeploymentStore) put(tx *bolt.Tx, d *model.Deployment) error {
	b := tx.Bucket(bucketDeployments)
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.Put([]byte(d.ID), data)
}

// CreateDeployment persists a new deployment row.
func (s *DeploymentStore) CreateDeployment(d *model.Deployment) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx, d)
	})
}

// GetDeployment returns a single deployment by id.
func (s *DeploymentStore) GetDeployment(id string) (*model.Deployment, error) {
	var d model.Deployment
	err := s.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("deployment %s: %w", id, errs.ErrNotFound)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByService returns every deployment attempt recorded for
// a service, newest first.
func (s *DeploymentStore) ListDeploymentsByService(serviceID string) ([]*model.Deployment, error) {
	var deployments []*model.Deployment
	err := s.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		return b.ForEach(func(k, v []byte) error {
			var d model.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if d.ServiceID == serviceID {
				deployments = append(deployments, &d)
			}
			return nil
		})
	})
	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.After(deployments[j].CreatedAt)
	})
	return deployments, err
}

// UpdateDeployment overwrites a deployment row in place. Only the
// Orchestrator and cancel path should call this.
func (s *DeploymentStore) UpdateDeployment(d *model.Deployment) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx, d)
	})
}
