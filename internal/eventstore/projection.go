// Package eventstore keeps the audit history of status transitions and a
// bounded in-memory read model of recent builds rebuilt from it.
package eventstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// replayBatch is the page size used when replaying the store.
const replayBatch = 500

// BuildSummary is the read model of one build or group build.
type BuildSummary struct {
	EntityID             string            `json:"entity_id"`
	Group                bool              `json:"group"`
	ConfigurationID      int               `json:"configuration_id,omitempty"`
	Revision             int               `json:"revision,omitempty"`
	GroupConfigurationID int               `json:"group_configuration_id,omitempty"`
	BuildClass           model.BuildClass  `json:"build_class"`
	Status               model.BuildStatus `json:"status"`
	FirstSeen            time.Time         `json:"first_seen"`
	UpdatedAt            time.Time         `json:"updated_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	Duration             time.Duration     `json:"duration,omitempty"`
	Transitions          int               `json:"transitions"`
	Message              string            `json:"message,omitempty"`
}

// Projection tracks in-flight entities plus the most recent completed ones.
type Projection struct {
	store Store
	limit int

	mu       sync.RWMutex
	live     map[string]*BuildSummary
	recent   []*BuildSummary // completed, newest first, len <= limit
	lastSeq  int64
	lastSync time.Time
}

// NewProjection creates a projection keeping at most limit completed
// entities (100 when limit <= 0).
func NewProjection(store Store, limit int) *Projection {
	if limit <= 0 {
		limit = 100
	}
	return &Projection{store: store, limit: limit, live: make(map[string]*BuildSummary)}
}

// Rebuild replays the whole store into a fresh projection.
func (p *Projection) Rebuild(ctx context.Context) error {
	fresh := NewProjection(p.store, p.limit)
	var after int64
	for {
		page, err := p.store.Since(ctx, after, replayBatch)
		if err != nil {
			return err
		}
		for _, e := range page {
			if t, err := DecodeTransition(e); err == nil {
				fresh.applyLocked(t)
			}
			after = e.Seq
		}
		if len(page) < replayBatch {
			break
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.live, p.recent, p.lastSeq = fresh.live, fresh.recent, fresh.lastSeq
	p.lastSync = time.Now()
	return nil
}

// Apply folds one transition into the projection.
func (p *Projection) Apply(t Transition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLocked(t)
}

func (p *Projection) applyLocked(t Transition) {
	if t.EntityID == "" {
		return
	}
	if t.Seq > p.lastSeq {
		p.lastSeq = t.Seq
	}
	s, ok := p.live[t.EntityID]
	if !ok {
		if p.indexRecent(t.EntityID) >= 0 {
			return
		}
		s = &BuildSummary{
			EntityID:             t.EntityID,
			Group:                t.Group,
			ConfigurationID:      t.ConfigurationID,
			Revision:             t.Revision,
			GroupConfigurationID: t.GroupConfigurationID,
			BuildClass:           t.BuildClass,
			FirstSeen:            t.At,
		}
		p.live[t.EntityID] = s
	}
	s.Status = t.NewStatus
	s.UpdatedAt = t.At
	s.Transitions++
	if t.Message != "" {
		s.Message = t.Message
	}
	if !t.NewStatus.IsTerminal() {
		return
	}

	done := t.At
	s.CompletedAt = &done
	s.Duration = done.Sub(s.FirstSeen)
	delete(p.live, t.EntityID)
	p.recent = slices.Insert(p.recent, 0, s)
	if len(p.recent) > p.limit {
		p.recent = p.recent[:p.limit]
	}
}

func (p *Projection) indexRecent(id string) int {
	return slices.IndexFunc(p.recent, func(s *BuildSummary) bool { return s.EntityID == id })
}

// Recent returns completed entities, newest first.
func (p *Projection) Recent() []BuildSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]BuildSummary, len(p.recent))
	for i, s := range p.recent {
		out[i] = *s
	}
	return out
}

// Get returns the summary of one entity, live or recently completed.
func (p *Projection) Get(entityID string) (BuildSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.live[entityID]; ok {
		return *s, true
	}
	if i := p.indexRecent(entityID); i >= 0 {
		return *p.recent[i], true
	}
	return BuildSummary{}, false
}

// Active returns entities without a terminal status, oldest first.
func (p *Projection) Active() []BuildSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]BuildSummary, 0, len(p.live))
	for _, s := range p.live {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b BuildSummary) int { return a.FirstSeen.Compare(b.FirstSeen) })
	return out
}

// LastSync returns when Rebuild last completed.
func (p *Projection) LastSync() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}

// LastSeq is the highest sequence number folded in.
func (p *Projection) LastSeq() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeq
}
