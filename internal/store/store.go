// Package store persists build records and group build records.
//
// Two implementations are provided: MemoryStore for tests and one-shot CLI
// runs, and SQLStore backed by SQLite (modernc) or PostgreSQL (pgx). Both
// enforce at most one non-terminal record per (configuration, revision,
// build class) atomically with record creation.
package store

import (
	"context"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.NotFoundError("record not found").Build()

	// ErrActiveRecordExists indicates a non-terminal record already holds the key.
	// CreateBuild returns the holder alongside this error.
	ErrActiveRecordExists = errors.NewError(errors.CategoryAlreadyExists, "non-terminal build record exists for key").Build()

	// ErrDuplicateID indicates a record with the same id already exists.
	ErrDuplicateID = errors.NewError(errors.CategoryAlreadyExists, "record id already exists").Build()
)

// Transition describes a compare-and-set status change.
type Transition struct {
	From    model.BuildStatus
	To      model.BuildStatus
	At      time.Time
	Message string

	// DependencyClosure overrides the closure timestamp recorded when
	// entering RUNNING. Defaults to At.
	DependencyClosure *time.Time
}

// BuildStore stores build records.
type BuildStore interface {
	// CreateBuild inserts rec. When rec is non-terminal and another
	// non-terminal record holds the same key, nothing is inserted and the
	// holder is returned with ErrActiveRecordExists.
	CreateBuild(ctx context.Context, rec *model.BuildRecord) (*model.BuildRecord, error)
	GetBuild(ctx context.Context, id string) (*model.BuildRecord, error)

	// CompareAndSetStatus applies tr only if the record is currently in
	// tr.From. A lost race returns the current record and applied=false.
	CompareAndSetStatus(ctx context.Context, id string, tr Transition) (*model.BuildRecord, bool, error)

	// LatestSuccessful returns the newest SUCCESS record for key, or nil.
	LatestSuccessful(ctx context.Context, key model.Key) (*model.BuildRecord, error)
	// ActiveForKey returns the non-terminal record holding key, or nil.
	ActiveForKey(ctx context.Context, key model.Key) (*model.BuildRecord, error)
	ListActive(ctx context.Context) ([]*model.BuildRecord, error)
}

// GroupStore stores group build records and their membership.
type GroupStore interface {
	CreateGroupBuild(ctx context.Context, g *model.GroupBuildRecord) error
	AddGroupMember(ctx context.Context, groupID, buildID string) error
	GetGroupBuild(ctx context.Context, id string) (*model.GroupBuildRecord, error)
	GroupsForBuild(ctx context.Context, buildID string) ([]string, error)
	CompareAndSetGroupStatus(ctx context.Context, id string, from, to model.BuildStatus, at time.Time) (*model.GroupBuildRecord, bool, error)
	LatestGroupBuild(ctx context.Context, groupConfigID int, class model.BuildClass) (*model.GroupBuildRecord, error)
	ListActiveGroupBuilds(ctx context.Context) ([]*model.GroupBuildRecord, error)
	ListTemporaryGroupBuildsOlderThan(ctx context.Context, before time.Time) ([]*model.GroupBuildRecord, error)
}

// Store is the full persistence contract used by the coordinator.
type Store interface {
	BuildStore
	GroupStore
	Close() error
}

// apply mutates rec in place according to tr. The caller has already checked
// that rec.Status == tr.From.
func apply(rec *model.BuildRecord, tr Transition) {
	rec.Status = tr.To
	if tr.Message != "" {
		rec.Message = tr.Message
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	if tr.To == model.StatusRunning {
		rec.StartTime = model.TimePtr(at)
		if tr.DependencyClosure != nil {
			rec.DependencyClosure = model.TimePtr(*tr.DependencyClosure)
		} else {
			rec.DependencyClosure = model.TimePtr(at)
		}
	}
	if tr.To.IsTerminal() {
		rec.EndTime = model.TimePtr(at)
		if rec.ResultTime == nil {
			rec.ResultTime = model.TimePtr(at)
		}
	}
}

func validateCreate(rec *model.BuildRecord) error {
	switch {
	case rec == nil:
		return errors.ValidationError("build record is required").Build()
	case rec.ID == "":
		return errors.ValidationError("build record id is required").Build()
	case !rec.Class.Valid():
		return errors.ValidationError("invalid build class").WithContext("build_class", string(rec.Class)).Build()
	case rec.Status == "":
		return errors.ValidationError("build record status is required").WithContext("build_id", rec.ID).Build()
	}
	return nil
}

func validateGroup(g *model.GroupBuildRecord) error {
	switch {
	case g == nil:
		return errors.ValidationError("group build record is required").Build()
	case g.ID == "":
		return errors.ValidationError("group build record id is required").Build()
	case !g.Class.Valid():
		return errors.ValidationError("invalid build class").WithContext("build_class", string(g.Class)).Build()
	}
	return nil
}
