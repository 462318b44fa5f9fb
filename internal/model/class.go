package model

import (
	"fmt"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/normalization"
)

// BuildClass separates rebuild-avoidance histories. Temporary builds never
// compare against persistent ones and vice versa.
type BuildClass string

const (
	ClassTemporary  BuildClass = "temporary"
	ClassPersistent BuildClass = "persistent"
)

var classNormalizer = normalization.New("build class", map[string]BuildClass{
	"temporary":  ClassTemporary,
	"temp":       ClassTemporary,
	"persistent": ClassPersistent,
}, ClassPersistent)

// ParseBuildClass normalizes raw into a BuildClass, rejecting unknown values.
func ParseBuildClass(raw string) (BuildClass, error) {
	c, err := classNormalizer.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse build class: %w", err)
	}
	return c, nil
}

// Valid reports whether c is one of the known classes.
func (c BuildClass) Valid() bool {
	return c == ClassTemporary || c == ClassPersistent
}

// Key identifies the unit of mutual exclusion and of rebuild-avoidance lookups.
type Key struct {
	ConfigurationID int        `json:"configuration_id"`
	Revision        int        `json:"revision"`
	Class           BuildClass `json:"build_class"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d@%d/%s", k.ConfigurationID, k.Revision, k.Class)
}
