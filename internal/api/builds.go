package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"git.home.luguber.info/inful/buildcoord/internal/coordinator"
	"git.home.luguber.info/inful/buildcoord/internal/eventstore"
	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/logfields"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// TriggerResponse is returned by both trigger endpoints.
type TriggerResponse struct {
	ID string `json:"id"`
}

// CancelResponse reports the record after a cancel request.
type CancelResponse struct {
	Build     *model.BuildRecord `json:"build"`
	Cancelled bool               `json:"cancelled"`
}

// HistoryEntry is one persisted status transition.
type HistoryEntry struct {
	EventID   int64             `json:"event_id"`
	Type      string            `json:"type"`
	OldStatus model.BuildStatus `json:"old_status"`
	NewStatus model.BuildStatus `json:"new_status"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message,omitempty"`
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WrapError(err, errors.CategoryValidation, "invalid request body").UserAction().Build()
	}
	return nil
}

// normalizeClass accepts any spelling ParseBuildClass understands.
func normalizeClass(c model.BuildClass) (model.BuildClass, error) {
	parsed, err := model.ParseBuildClass(string(c))
	if err != nil {
		return "", errors.ValidationError("unknown build class").WithContext("build_class", string(c)).Build()
	}
	return parsed, nil
}

func (s *Server) handleTriggerBuild(w http.ResponseWriter, r *http.Request) {
	var req coordinator.BuildRequest
	if err := decodeBody(r, &req); err != nil {
		s.Error(w, r, err)
		return
	}
	class, err := normalizeClass(req.Class)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	req.Class = class

	id, err := s.backend.TriggerBuild(r.Context(), req)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.logger.Info("Build triggered via API",
		logfields.BuildID(id),
		logfields.ConfigurationID(req.ConfigurationID),
		logfields.BuildClass(string(req.Class)))
	s.Success(w, http.StatusAccepted, TriggerResponse{ID: id})
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	rec, err := s.backend.GetBuild(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.Success(w, http.StatusOK, rec)
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, cancelled, err := s.backend.CancelBuild(r.Context(), id)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.logger.Info("Build cancel requested via API", logfields.BuildID(id), slog.Bool("cancelled", cancelled))
	s.Success(w, http.StatusOK, CancelResponse{Build: rec, Cancelled: cancelled})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.Error(w, r, errors.NotFoundError("status history is disabled").Build())
		return
	}
	id := mux.Vars(r)["id"]
	stored, err := s.history.History(r.Context(), id)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	entries := make([]HistoryEntry, 0, len(stored))
	for _, e := range stored {
		t, err := eventstore.DecodeTransition(e)
		if err != nil {
			s.logger.Warn("Skipping undecodable history entry", slog.Int64("seq", e.Seq), logfields.Error(err))
			continue
		}
		entries = append(entries, HistoryEntry{
			EventID:   t.Seq,
			Type:      t.Type(),
			OldStatus: t.OldStatus,
			NewStatus: t.NewStatus,
			Timestamp: t.At,
			Message:   t.Message,
		})
	}
	s.Success(w, http.StatusOK, entries)
}

// ActivityResponse lists in-flight and recently completed builds.
type ActivityResponse struct {
	Active []eventstore.BuildSummary `json:"active"`
	Recent []eventstore.BuildSummary `json:"recent"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		s.Error(w, r, errors.NotFoundError("status history is disabled").Build())
		return
	}
	s.Success(w, http.StatusOK, ActivityResponse{Active: s.activity.Active(), Recent: s.activity.Recent()})
}

func (s *Server) handleTriggerGroup(w http.ResponseWriter, r *http.Request) {
	var req coordinator.GroupRequest
	if err := decodeBody(r, &req); err != nil {
		s.Error(w, r, err)
		return
	}
	class, err := normalizeClass(req.Class)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	req.Class = class

	id, err := s.backend.TriggerGroupBuild(r.Context(), req)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.logger.Info("Group build triggered via API",
		logfields.GroupBuildID(id),
		logfields.GroupConfigID(req.GroupConfigurationID),
		logfields.BuildClass(string(req.Class)))
	s.Success(w, http.StatusAccepted, TriggerResponse{ID: id})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.backend.GetGroupBuild(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.Success(w, http.StatusOK, g)
}

func (s *Server) handleCancelGroup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	g, err := s.backend.CancelGroupBuild(r.Context(), id)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	s.logger.Info("Group build cancel requested via API", logfields.GroupBuildID(id), logfields.Status(string(g.Status)))
	s.Success(w, http.StatusOK, g)
}

func (s *Server) handleLatestGroup(w http.ResponseWriter, r *http.Request) {
	gid, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.Error(w, r, errors.ValidationError("invalid group configuration id").Build())
		return
	}
	raw := r.URL.Query().Get("class")
	if raw == "" {
		raw = string(model.ClassPersistent)
	}
	class, err := normalizeClass(model.BuildClass(raw))
	if err != nil {
		s.Error(w, r, err)
		return
	}
	g, err := s.backend.LatestGroupBuild(r.Context(), gid, class)
	if err != nil {
		s.Error(w, r, err)
		return
	}
	if g == nil {
		s.Error(w, r, errors.NotFoundError("no group build for group configuration").
			WithContext("group_configuration_id", gid).
			WithContext("build_class", string(class)).
			Build())
		return
	}
	s.Success(w, http.StatusOK, g)
}
