// Package revision holds build configuration definitions as immutable,
// numbered revisions and keeps them in sync with a YAML definitions file.
package revision

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

var (
	ErrConfigurationNotFound = errors.NotFoundError("build configuration not found").Build()
	ErrRevisionNotFound      = errors.NotFoundError("build configuration revision not found").Build()
	ErrGroupNotFound         = errors.NotFoundError("group configuration not found").Build()
)

// MemoryStore keeps every revision ever created. Revisions are never removed;
// a configuration dropped from the definitions keeps its history.
type MemoryStore struct {
	mu        sync.RWMutex
	revisions map[int][]model.Revision
	groups    map[int]model.GroupConfiguration
	now       func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		revisions: make(map[int][]model.Revision),
		groups:    make(map[int]model.GroupConfiguration),
		now:       time.Now,
	}
}

// Put records cfg. A new revision is created only when the content differs
// from the latest revision; changed reports whether that happened.
func (s *MemoryStore) Put(cfg model.BuildConfiguration) (rev model.Revision, changed bool, err error) {
	if cfg.ID <= 0 {
		return model.Revision{}, false, errors.ValidationError("configuration id must be positive").
			WithContext("configuration_id", cfg.ID).
			Build()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.revisions[cfg.ID]
	next := cfg.Snapshot(len(history)+1, s.now())
	if len(history) > 0 && history[len(history)-1].SameContent(next) {
		return history[len(history)-1], false, nil
	}
	s.revisions[cfg.ID] = append(history, next)
	return next, true, nil
}

// PutGroup records or replaces a group configuration.
func (s *MemoryStore) PutGroup(g model.GroupConfiguration) error {
	if g.ID <= 0 {
		return errors.ValidationError("group configuration id must be positive").
			WithContext("group_configuration_id", g.ID).
			Build()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g.ConfigurationIDs = slices.Clone(g.ConfigurationIDs)
	s.groups[g.ID] = g
	return nil
}

// RemoveGroup drops a group configuration.
func (s *MemoryStore) RemoveGroup(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
}

func (s *MemoryStore) LatestRevision(_ context.Context, configurationID int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.revisions[configurationID]
	if len(history) == 0 {
		return 0, ErrConfigurationNotFound.WithContext("configuration_id", configurationID)
	}
	return history[len(history)-1].Revision, nil
}

func (s *MemoryStore) GetRevision(_ context.Context, configurationID, revision int) (model.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.revisions[configurationID]
	if len(history) == 0 {
		return model.Revision{}, ErrConfigurationNotFound.WithContext("configuration_id", configurationID)
	}
	if revision < 1 || revision > len(history) {
		return model.Revision{}, ErrRevisionNotFound.
			WithContext("configuration_id", configurationID).
			WithContext("revision", revision)
	}
	rev := history[revision-1]
	rev.Dependencies = slices.Clone(rev.Dependencies)
	rev.Parameters = maps.Clone(rev.Parameters)
	return rev, nil
}

func (s *MemoryStore) GetGroup(_ context.Context, id int) (model.GroupConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return model.GroupConfiguration{}, ErrGroupNotFound.WithContext("group_configuration_id", id)
	}
	g.ConfigurationIDs = slices.Clone(g.ConfigurationIDs)
	return g, nil
}

// ConfigurationIDs lists known configurations in ascending order.
func (s *MemoryStore) ConfigurationIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.revisions))
}

// GroupIDs lists known groups in ascending order.
func (s *MemoryStore) GroupIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.groups))
}
