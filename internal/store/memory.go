package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// MemoryStore is an in-process Store. All methods copy records in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	builds   map[string]*model.BuildRecord
	active   map[model.Key]string
	groups   map[string]*model.GroupBuildRecord
	byBuild  map[string][]string
	sequence []string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		builds:  make(map[string]*model.BuildRecord),
		active:  make(map[model.Key]string),
		groups:  make(map[string]*model.GroupBuildRecord),
		byBuild: make(map[string][]string),
	}
}

func (s *MemoryStore) CreateBuild(_ context.Context, rec *model.BuildRecord) (*model.BuildRecord, error) {
	if err := validateCreate(rec); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.builds[rec.ID]; exists {
		return nil, ErrDuplicateID.WithContext("build_id", rec.ID)
	}
	key := rec.Key()
	if !rec.Status.IsTerminal() {
		if holder, busy := s.active[key]; busy {
			return s.builds[holder].Clone(), ErrActiveRecordExists.WithContext("key", key.String())
		}
		s.active[key] = rec.ID
	}
	stored := rec.Clone()
	s.builds[rec.ID] = stored
	s.sequence = append(s.sequence, rec.ID)
	return stored.Clone(), nil
}

func (s *MemoryStore) GetBuild(_ context.Context, id string) (*model.BuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.builds[id]
	if !ok {
		return nil, ErrNotFound.WithContext("build_id", id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) CompareAndSetStatus(_ context.Context, id string, tr Transition) (*model.BuildRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.builds[id]
	if !ok {
		return nil, false, ErrNotFound.WithContext("build_id", id)
	}
	if rec.Status != tr.From {
		return rec.Clone(), false, nil
	}
	apply(rec, tr)
	if tr.To.IsTerminal() && s.active[rec.Key()] == id {
		delete(s.active, rec.Key())
	}
	return rec.Clone(), true, nil
}

func (s *MemoryStore) LatestSuccessful(_ context.Context, key model.Key) (*model.BuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.BuildRecord
	for _, id := range s.sequence {
		rec := s.builds[id]
		if rec.Key() != key || rec.Status != model.StatusSuccess {
			continue
		}
		if best == nil || !rec.EffectiveTime().Before(best.EffectiveTime()) {
			best = rec
		}
	}
	return best.Clone(), nil
}

func (s *MemoryStore) ActiveForKey(_ context.Context, key model.Key) (*model.BuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[key]
	if !ok {
		return nil, nil
	}
	return s.builds[id].Clone(), nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*model.BuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.BuildRecord
	for _, id := range s.sequence {
		if rec := s.builds[id]; !rec.Status.IsTerminal() {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateGroupBuild(_ context.Context, g *model.GroupBuildRecord) error {
	if err := validateGroup(g); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.groups[g.ID]; exists {
		return ErrDuplicateID.WithContext("group_build_id", g.ID)
	}
	stored := g.Clone()
	stored.Members = nil
	s.groups[g.ID] = stored
	for _, m := range g.Members {
		s.addMemberLocked(stored, m)
	}
	return nil
}

func (s *MemoryStore) AddGroupMember(_ context.Context, groupID, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return ErrNotFound.WithContext("group_build_id", groupID)
	}
	s.addMemberLocked(g, buildID)
	return nil
}

func (s *MemoryStore) addMemberLocked(g *model.GroupBuildRecord, buildID string) {
	if slices.Contains(g.Members, buildID) {
		return
	}
	g.Members = append(g.Members, buildID)
	s.byBuild[buildID] = append(s.byBuild[buildID], g.ID)
}

func (s *MemoryStore) GetGroupBuild(_ context.Context, id string) (*model.GroupBuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound.WithContext("group_build_id", id)
	}
	return g.Clone(), nil
}

func (s *MemoryStore) GroupsForBuild(_ context.Context, buildID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.byBuild[buildID]), nil
}

func (s *MemoryStore) CompareAndSetGroupStatus(_ context.Context, id string, from, to model.BuildStatus, at time.Time) (*model.GroupBuildRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, false, ErrNotFound.WithContext("group_build_id", id)
	}
	if g.Status != from {
		return g.Clone(), false, nil
	}
	g.Status = to
	if to.IsTerminal() {
		g.EndTime = model.TimePtr(at)
	}
	return g.Clone(), true, nil
}

func (s *MemoryStore) LatestGroupBuild(_ context.Context, groupConfigID int, class model.BuildClass) (*model.GroupBuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.GroupBuildRecord
	for _, g := range s.groups {
		if g.GroupConfigurationID != groupConfigID || (class != "" && g.Class != class) {
			continue
		}
		if best == nil || g.StartTime.After(best.StartTime) {
			best = g
		}
	}
	return best.Clone(), nil
}

func (s *MemoryStore) ListActiveGroupBuilds(_ context.Context) ([]*model.GroupBuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.GroupBuildRecord
	for _, g := range s.groups {
		if !g.Status.IsTerminal() {
			out = append(out, g.Clone())
		}
	}
	sortGroups(out)
	return out, nil
}

func (s *MemoryStore) ListTemporaryGroupBuildsOlderThan(_ context.Context, before time.Time) ([]*model.GroupBuildRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.GroupBuildRecord
	for _, g := range s.groups {
		if g.Class == model.ClassTemporary && g.StartTime.Before(before) {
			out = append(out, g.Clone())
		}
	}
	sortGroups(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortGroups(gs []*model.GroupBuildRecord) {
	slices.SortFunc(gs, func(a, b *model.GroupBuildRecord) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
