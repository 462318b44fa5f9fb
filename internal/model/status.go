package model

import (
	"fmt"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/normalization"
)

// BuildStatus is the lifecycle state of a build record or group build record.
type BuildStatus string

const (
	StatusNew                    BuildStatus = "NEW"
	StatusWaitingForDependencies BuildStatus = "WAITING_FOR_DEPENDENCIES"
	StatusEnqueued               BuildStatus = "ENQUEUED"
	StatusRunning                BuildStatus = "RUNNING"
	StatusSuccess                BuildStatus = "SUCCESS"
	StatusFailed                 BuildStatus = "FAILED"
	StatusSystemError            BuildStatus = "SYSTEM_ERROR"
	StatusRejected               BuildStatus = "REJECTED"
	StatusNoRebuildRequired      BuildStatus = "NO_REBUILD_REQUIRED"
	StatusCancelled              BuildStatus = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []BuildStatus{
	StatusNew,
	StatusWaitingForDependencies,
	StatusEnqueued,
	StatusRunning,
	StatusSuccess,
	StatusFailed,
	StatusSystemError,
	StatusRejected,
	StatusNoRebuildRequired,
	StatusCancelled,
}

// IsTerminal reports whether no further transition is permitted from s.
func (s BuildStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSystemError, StatusRejected, StatusNoRebuildRequired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Satisfies reports whether a dependency in status s lets its dependents proceed.
func (s BuildStatus) Satisfies() bool {
	return s == StatusSuccess || s == StatusNoRebuildRequired
}

func (s BuildStatus) String() string { return string(s) }

// TerminalStatuses returns the terminal subset of AllStatuses.
func TerminalStatuses() []BuildStatus {
	out := make([]BuildStatus, 0, 6)
	for _, s := range AllStatuses {
		if s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// NonTerminalStatuses returns the non-terminal subset of AllStatuses.
func NonTerminalStatuses() []BuildStatus {
	out := make([]BuildStatus, 0, 4)
	for _, s := range AllStatuses {
		if !s.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

var statusNormalizer = func() *normalization.Normalizer[BuildStatus] {
	values := make(map[string]BuildStatus, len(AllStatuses))
	for _, s := range AllStatuses {
		values[string(s)] = s
	}
	return normalization.New("build status", values, "")
}()

// ParseStatus converts a case-insensitive status name.
func ParseStatus(raw string) (BuildStatus, error) {
	s, err := statusNormalizer.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse build status: %w", err)
	}
	return s, nil
}
