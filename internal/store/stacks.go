package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/model"
)

// StackStore is the bbolt-backed implementation of interfaces.StackStore.
type StackStore struct {
	db *BoltStore
}

// NewStackStore wraps an opened BoltStore for stack persistence.
func NewStackStore(db *BoltStore) *StackStore {
	return &StackStore{db: db}
}

func (s *StackStore) put(tx *bolt.Tx, stack *model.Stack) error {
	b := tx.Bucket(bucketStacks)
	data, err := json.Marshal(stack)
	if err != nil {
		return err
	}
	return b.Put([]byte(stack.ID), data)
}

// CreateStack enforces "one live stack per (project, environment)" by
// refusing to create a second stack for a project/environment pair that
// already has one (excluding removed/failed stacks, which free the slot).
func (s *StackStore) CreateStack(stack *model.Stack) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStacks)
		conflict := false
		_ = b.ForEach(func(k, v []byte) error {
			var existing model.Stack
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.ID == stack.ID {
				return nil
			}
			if existing.ProjectID == stack.ProjectID && existing.Environment == stack.Environment &&
				existing.Status != model.StackStatusRemoving && existing.Status != model.StackStatusFailed {
				conflict = true
			}
			return nil
		})
		if conflict {
			return fmt.Errorf("stack already exists for project %s environment %s: %w",
				stack.ProjectID, stack.Environment, errs.ErrConflict)
		}
		return s.put(tx, stack)
	})
}

// GetStack returns a single stack by id.
func (s *StackStore) GetStack(id string) (*model.Stack, error) {
	var stack model.Stack
	err := s.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStacks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("stack %s: %w", id, errs.ErrNotFound)
		}
		return json.Unmarshal(data, &stack)
	})
	if err != nil {
		return nil, err
	}
	return &stack, nil
}

// GetStackByProjectEnv returns the single live stack for a project's
// environment, if any.
func (s *StackStore) GetStackByProjectEnv(projectID string, env model.Environment) (*model.Stack, error) {
	stacks, err := s.ListStacks()
	if err != nil {
		return nil, err
	}
	for _, st := range stacks {
		if st.ProjectID == projectID && st.Environment == env {
			return st, nil
		}
	}
	return nil, fmt.Errorf("stack for project %s environment %s: %w", projectID, env, errs.ErrNotFound)
}

// ListStacks returns every stack.
func (s *StackStore) ListStacks() ([]*model.Stack, error) {
	var stacks []*model.Stack
	err := s.db.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStacks)
		return b.ForEach(func(k, v []byte) error {
			var stack model.Stack
			if err := json.Unmarshal(v, &stack); err != nil {
				return err
			}
			stacks = append(stacks, &stack)
			return nil
		})
	})
	return stacks, err
}

// ListRunningStacks returns every stack whose Status is running, the set
// the Health Monitor and Metrics Collector sweep.
func (s *StackStore) ListRunningStacks() ([]*model.Stack, error) {
	all, err := s.ListStacks()
	if err != nil {
		return nil, err
	}
	var running []*model.Stack
	for _, st := range all {
		if st.Status == model.StackStatusRunning {
			running = append(running, st)
		}
	}
	return running, nil
}

// UpdateStack upserts a stack (bbolt has no optimistic-concurrency
// primitive of its own; serialization comes from the single-writer
// transaction, so CreateStack and UpdateStack share this same upsert).
func (s *StackStore) UpdateStack(stack *model.Stack) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx, stack)
	})
}

// DeleteStack removes a stack row.
func (s *StackStore) DeleteStack(id string) error {
	return s.db.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStacks)
		return b.Delete([]byte(id))
	})
}
