package status

import (
	"slices"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

// ErrInvalidTransition is returned for a transition outside the lifecycle table.
var ErrInvalidTransition = errors.ValidationError("invalid status transition").Build()

var allowed = map[model.BuildStatus][]model.BuildStatus{
	model.StatusNew: {
		model.StatusWaitingForDependencies,
		model.StatusNoRebuildRequired,
		model.StatusRejected,
		model.StatusCancelled,
		model.StatusSystemError,
	},
	model.StatusWaitingForDependencies: {
		model.StatusEnqueued,
		model.StatusRejected,
		model.StatusCancelled,
		model.StatusSystemError,
	},
	model.StatusEnqueued: {
		model.StatusRunning,
		model.StatusRejected,
		model.StatusCancelled,
		model.StatusSystemError,
	},
	model.StatusRunning: {
		model.StatusSuccess,
		model.StatusFailed,
		model.StatusSystemError,
		model.StatusCancelled,
	},
}

// CanTransition reports whether a build record may move from one status to another.
func CanTransition(from, to model.BuildStatus) bool {
	return slices.Contains(allowed[from], to)
}

// canTransitionGroup covers the reduced group lifecycle NEW -> RUNNING -> terminal.
func canTransitionGroup(from, to model.BuildStatus) bool {
	switch from {
	case model.StatusNew:
		return to == model.StatusRunning || to.IsTerminal()
	case model.StatusRunning:
		return to.IsTerminal()
	}
	return false
}
