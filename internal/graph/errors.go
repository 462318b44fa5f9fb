package graph

import (
	"fmt"
	"strings"
)

// CyclicDependencyError reports a dependency cycle. Cycle lists configuration
// ids in traversal order and repeats the first id at the end.
type CyclicDependencyError struct {
	Cycle []int
}

func (e *CyclicDependencyError) Error() string {
	parts := make([]string, len(e.Cycle))
	for i, id := range e.Cycle {
		parts[i] = fmt.Sprint(id)
	}
	return "cyclic dependency: " + strings.Join(parts, " -> ")
}

// UnresolvableRevisionError reports a configuration, revision or group that
// could not be found.
type UnresolvableRevisionError struct {
	ConfigurationID      int
	Revision             int
	GroupConfigurationID int
	Cause                error
}

func (e *UnresolvableRevisionError) Error() string {
	var msg string
	switch {
	case e.GroupConfigurationID != 0:
		msg = fmt.Sprintf("unresolvable group configuration %d", e.GroupConfigurationID)
	case e.Revision != 0:
		msg = fmt.Sprintf("unresolvable revision %d of configuration %d", e.Revision, e.ConfigurationID)
	default:
		msg = fmt.Sprintf("unresolvable configuration %d", e.ConfigurationID)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *UnresolvableRevisionError) Unwrap() error { return e.Cause }
