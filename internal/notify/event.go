package notify

import (
	"slices"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// Kind names an event stream.
type Kind string

const (
	KindBuildStatusChanged      Kind = "build_status_changed"
	KindGroupBuildStatusChanged Kind = "group_build_status_changed"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindBuildStatusChanged || k == KindGroupBuildStatusChanged
}

// Event describes one applied status transition.
type Event struct {
	Kind      Kind              `json:"kind"`
	EntityID  string            `json:"entity_id"`
	OldStatus model.BuildStatus `json:"old_status"`
	NewStatus model.BuildStatus `json:"new_status"`
	Timestamp time.Time         `json:"timestamp"`

	// ConfigurationID and Revision are zero for group events.
	ConfigurationID      int              `json:"configuration_id,omitempty"`
	Revision             int              `json:"revision,omitempty"`
	BuildClass           model.BuildClass `json:"build_class"`
	GroupConfigurationID int              `json:"group_configuration_id,omitempty"`
	Message              string           `json:"message,omitempty"`
}

// Predicate filters events for a subscription. All predicates of a
// subscription must match.
type Predicate func(Event) bool

// ForEntity matches events about one record.
func ForEntity(id string) Predicate {
	return func(e Event) bool { return e.EntityID == id }
}

// ForConfiguration matches build events of one configuration.
func ForConfiguration(configurationID int) Predicate {
	return func(e Event) bool { return e.ConfigurationID == configurationID }
}

// ToStatus matches transitions into any of the given statuses.
func ToStatus(statuses ...model.BuildStatus) Predicate {
	return func(e Event) bool { return slices.Contains(statuses, e.NewStatus) }
}

// Terminal matches transitions into a terminal status.
func Terminal() Predicate {
	return func(e Event) bool { return e.NewStatus.IsTerminal() }
}

func matches(e Event, preds []Predicate) bool {
	for _, p := range preds {
		if p != nil && !p(e) {
			return false
		}
	}
	return true
}
