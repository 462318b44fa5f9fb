package model

// DeriveGroupStatus computes a group status from its members. The result is
// non-terminal (RUNNING) while any member is non-terminal or unknown.
//
// Precedence among settled members: FAILED, REJECTED, SYSTEM_ERROR,
// CANCELLED, then SUCCESS when all are SUCCESS or NO_REBUILD_REQUIRED.
func DeriveGroupStatus(members []BuildStatus) BuildStatus {
	if len(members) == 0 {
		return StatusSuccess
	}
	var failed, rejected, sysErr, cancelled bool
	for _, s := range members {
		if !s.IsTerminal() {
			return StatusRunning
		}
		switch s {
		case StatusFailed:
			failed = true
		case StatusRejected:
			rejected = true
		case StatusSystemError:
			sysErr = true
		case StatusCancelled:
			cancelled = true
		}
	}
	switch {
	case failed:
		return StatusFailed
	case rejected:
		return StatusRejected
	case sysErr:
		return StatusSystemError
	case cancelled:
		return StatusCancelled
	default:
		return StatusSuccess
	}
}
