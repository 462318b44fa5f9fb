package errors

import (
	"log/slog"
	"net/http"
)

// presentation is how a category surfaces at the process edges.
type presentation struct {
	status int // HTTP status
	exit   int // CLI exit code
}

var presentations = map[ErrorCategory]presentation{
	CategoryValidation:    {http.StatusBadRequest, 2},
	CategoryConfig:        {http.StatusBadRequest, 7},
	CategoryNotFound:      {http.StatusNotFound, 3},
	CategoryAlreadyExists: {http.StatusConflict, 5},
	CategoryDependency:    {http.StatusUnprocessableEntity, 4},
	CategoryNetwork:       {http.StatusBadGateway, 8},
	CategoryGit:           {http.StatusBadGateway, 8},
	CategoryExecutor:      {http.StatusBadGateway, 8},
	CategoryStore:         {http.StatusServiceUnavailable, 9},
	CategoryEventStore:    {http.StatusServiceUnavailable, 9},
	CategoryFileSystem:    {http.StatusInternalServerError, 9},
	CategoryRuntime:       {http.StatusServiceUnavailable, 12},
	CategoryDaemon:        {http.StatusServiceUnavailable, 12},
	CategoryInternal:      {http.StatusInternalServerError, 10},
}

var unclassified = presentation{status: http.StatusInternalServerError, exit: 1}

func presentationFor(err error) presentation {
	c, ok := AsClassified(err)
	if !ok {
		return unclassified
	}
	if p, ok := presentations[c.Category()]; ok {
		return p
	}
	return unclassified
}

func severityLevel(s ErrorSeverity) slog.Level {
	switch s {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
