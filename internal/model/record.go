package model

import (
	"maps"
	"slices"
	"time"
)

// BuildRecord is the persistent outcome of one executed or skipped node.
type BuildRecord struct {
	ID              string      `json:"id"`
	ConfigurationID int         `json:"configuration_id"`
	Revision        int         `json:"revision"`
	Class           BuildClass  `json:"build_class"`
	Status          BuildStatus `json:"status"`
	Forced          bool        `json:"forced"`
	SubmitTime      time.Time   `json:"submit_time"`
	StartTime       *time.Time  `json:"start_time,omitempty"`
	EndTime         *time.Time  `json:"end_time,omitempty"`

	// ResultTime is when the record reached a terminal status. For skipped
	// records it is copied from the record the skip was judged against.
	ResultTime *time.Time `json:"result_time,omitempty"`

	// DependencyClosure is the instant dependency state was captured for
	// this attempt.
	DependencyClosure *time.Time `json:"dependency_closure,omitempty"`

	Dependencies        []string    `json:"dependencies,omitempty"`
	DependencyRevisions map[int]int `json:"dependency_revisions,omitempty"`
	NoRebuildCause      string      `json:"no_rebuild_cause,omitempty"`
	Message             string      `json:"message,omitempty"`
}

// Key returns the mutual-exclusion key of the record.
func (r *BuildRecord) Key() Key {
	return Key{ConfigurationID: r.ConfigurationID, Revision: r.Revision, Class: r.Class}
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r *BuildRecord) Clone() *BuildRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.StartTime = cloneTime(r.StartTime)
	c.EndTime = cloneTime(r.EndTime)
	c.ResultTime = cloneTime(r.ResultTime)
	c.DependencyClosure = cloneTime(r.DependencyClosure)
	c.Dependencies = slices.Clone(r.Dependencies)
	c.DependencyRevisions = maps.Clone(r.DependencyRevisions)
	return &c
}

// EffectiveTime is the instant the record's result became valid.
func (r *BuildRecord) EffectiveTime() time.Time {
	switch {
	case r.ResultTime != nil:
		return *r.ResultTime
	case r.EndTime != nil:
		return *r.EndTime
	default:
		return r.SubmitTime
	}
}

// GroupBuildRecord aggregates the records of one group trigger.
type GroupBuildRecord struct {
	ID                   string      `json:"id"`
	GroupConfigurationID int         `json:"group_configuration_id"`
	Class                BuildClass  `json:"build_class"`
	Status               BuildStatus `json:"status"`
	Forced               bool        `json:"forced"`
	Members              []string    `json:"members"`
	StartTime            time.Time   `json:"start_time"`
	EndTime              *time.Time  `json:"end_time,omitempty"`
}

// Clone returns a deep copy.
func (g *GroupBuildRecord) Clone() *GroupBuildRecord {
	if g == nil {
		return nil
	}
	c := *g
	c.Members = slices.Clone(g.Members)
	c.EndTime = cloneTime(g.EndTime)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
