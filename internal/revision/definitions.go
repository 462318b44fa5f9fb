package revision

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// Definitions is the on-disk shape of the definitions file.
type Definitions struct {
	Configurations []model.BuildConfiguration `yaml:"configurations"`
	Groups         []model.GroupConfiguration `yaml:"groups"`
}

// LoadDefinitions reads and validates a definitions file. ${VAR} references
// are expanded from the environment.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "read definitions file").
			WithContext("path", path).
			Build()
	}
	var defs Definitions
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &defs); err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "parse definitions file").
			WithContext("path", path).
			Build()
	}
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	return &defs, nil
}

// Validate checks id uniqueness and positivity. Dangling dependency ids are
// allowed here; they surface as unresolvable revisions at trigger time.
func (d *Definitions) Validate() error {
	seen := make(map[int]bool, len(d.Configurations))
	for _, c := range d.Configurations {
		if c.ID <= 0 {
			return errors.ValidationError("configuration id must be positive").WithContext("name", c.Name).Build()
		}
		if seen[c.ID] {
			return errors.ValidationError(fmt.Sprintf("duplicate configuration id %d", c.ID)).Build()
		}
		seen[c.ID] = true
	}
	groups := make(map[int]bool, len(d.Groups))
	for _, g := range d.Groups {
		if g.ID <= 0 {
			return errors.ValidationError("group configuration id must be positive").WithContext("name", g.Name).Build()
		}
		if groups[g.ID] {
			return errors.ValidationError(fmt.Sprintf("duplicate group configuration id %d", g.ID)).Build()
		}
		groups[g.ID] = true
	}
	return nil
}

// Apply loads defs into the store and returns the revisions created.
// Groups absent from defs are removed; configurations keep their history.
func (s *MemoryStore) Apply(defs *Definitions) ([]model.Revision, error) {
	var created []model.Revision
	for _, c := range defs.Configurations {
		rev, changed, err := s.Put(c)
		if err != nil {
			return created, err
		}
		if changed {
			created = append(created, rev)
		}
	}
	keep := make(map[int]bool, len(defs.Groups))
	for _, g := range defs.Groups {
		if err := s.PutGroup(g); err != nil {
			return created, err
		}
		keep[g.ID] = true
	}
	for _, id := range s.GroupIDs() {
		if !keep[id] {
			s.RemoveGroup(id)
		}
	}
	return created, nil
}
