package eventstore

import (
	"encoding/json"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
	"git.home.luguber.info/inful/buildcoord/internal/notify"
)

// Entry types.
const (
	TypeBuildStatusChanged      = "BuildStatusChanged"
	TypeGroupBuildStatusChanged = "GroupBuildStatusChanged"
)

// Transition is a decoded status change of a build or group build.
type Transition struct {
	Seq      int64     `json:"-"`
	EntityID string    `json:"-"`
	Group    bool      `json:"-"`
	At       time.Time `json:"-"`

	OldStatus            model.BuildStatus `json:"old_status"`
	NewStatus            model.BuildStatus `json:"new_status"`
	ConfigurationID      int               `json:"configuration_id,omitempty"`
	Revision             int               `json:"revision,omitempty"`
	BuildClass           model.BuildClass  `json:"build_class"`
	GroupConfigurationID int               `json:"group_configuration_id,omitempty"`
	Message              string            `json:"message,omitempty"`
}

// Type returns the entry type the transition is stored under.
func (t Transition) Type() string {
	if t.Group {
		return TypeGroupBuildStatusChanged
	}
	return TypeBuildStatusChanged
}

// TransitionFromEvent converts a dispatcher event.
func TransitionFromEvent(evt notify.Event) Transition {
	at := evt.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return Transition{
		EntityID:             evt.EntityID,
		Group:                evt.Kind == notify.KindGroupBuildStatusChanged,
		At:                   at,
		OldStatus:            evt.OldStatus,
		NewStatus:            evt.NewStatus,
		ConfigurationID:      evt.ConfigurationID,
		Revision:             evt.Revision,
		BuildClass:           evt.BuildClass,
		GroupConfigurationID: evt.GroupConfigurationID,
		Message:              evt.Message,
	}
}

// Entry encodes t for storage.
func (t Transition) Entry() (Entry, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return Entry{}, errors.WrapError(err, errors.CategoryEventStore, "encode transition").
			WithContext("entity_id", t.EntityID).
			Build()
	}
	return Entry{EntityID: t.EntityID, Type: t.Type(), At: t.At, Payload: payload}, nil
}

// DecodeTransition reads a stored transition. Entries of other types are
// rejected with ErrDecode.
func DecodeTransition(e Entry) (Transition, error) {
	var t Transition
	switch e.Type {
	case TypeBuildStatusChanged:
	case TypeGroupBuildStatusChanged:
		t.Group = true
	default:
		return Transition{}, errors.EventStoreError(ErrDecode.Message()).
			WithContext("type", e.Type).
			Build()
	}
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return Transition{}, wrap(ErrDecode, err)
	}
	t.Seq, t.EntityID, t.At = e.Seq, e.EntityID, e.At
	return t, nil
}
