package model

import (
	"maps"
	"slices"
	"time"
)

// BuildConfiguration is the mutable definition of a buildable project.
type BuildConfiguration struct {
	ID           int               `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Script       string            `json:"script" yaml:"script"`
	Environment  string            `json:"environment,omitempty" yaml:"environment,omitempty"`
	SCMURL       string            `json:"scm_url,omitempty" yaml:"scm_url,omitempty"`
	SCMRevision  string            `json:"scm_revision,omitempty" yaml:"scm_revision,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Dependencies []int             `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Revision is an immutable snapshot of a BuildConfiguration.
type Revision struct {
	ConfigurationID int               `json:"configuration_id"`
	Revision        int               `json:"revision"`
	Name            string            `json:"name"`
	Script          string            `json:"script"`
	Environment     string            `json:"environment,omitempty"`
	SCMURL          string            `json:"scm_url,omitempty"`
	SCMRevision     string            `json:"scm_revision,omitempty"`
	Description     string            `json:"description,omitempty"`
	Dependencies    []int             `json:"dependencies,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Snapshot freezes the configuration into a revision with the given number.
func (c BuildConfiguration) Snapshot(rev int, at time.Time) Revision {
	deps := slices.Clone(c.Dependencies)
	slices.Sort(deps)
	return Revision{
		ConfigurationID: c.ID,
		Revision:        rev,
		Name:            c.Name,
		Script:          c.Script,
		Environment:     c.Environment,
		SCMURL:          c.SCMURL,
		SCMRevision:     c.SCMRevision,
		Description:     c.Description,
		Dependencies:    slices.Compact(deps),
		Parameters:      maps.Clone(c.Parameters),
		CreatedAt:       at,
	}
}

// SameContent reports whether r and other capture the same definition,
// ignoring revision number and creation time.
func (r Revision) SameContent(other Revision) bool {
	return r.ConfigurationID == other.ConfigurationID &&
		r.Name == other.Name &&
		r.Script == other.Script &&
		r.Environment == other.Environment &&
		r.SCMURL == other.SCMURL &&
		r.SCMRevision == other.SCMRevision &&
		r.Description == other.Description &&
		slices.Equal(r.Dependencies, other.Dependencies) &&
		maps.Equal(r.Parameters, other.Parameters)
}

// GroupConfiguration is a named, unordered set of configurations built together.
type GroupConfiguration struct {
	ID               int    `json:"id" yaml:"id"`
	Name             string `json:"name" yaml:"name"`
	ConfigurationIDs []int  `json:"configurations" yaml:"configurations"`
}
