package errors

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// retryAfterSeconds is advertised on retryable 503 responses.
const retryAfterSeconds = 5

// HTTPErrorAdapter renders errors as JSON API responses.
type HTTPErrorAdapter struct {
	logger *slog.Logger
}

// NewHTTPErrorAdapter creates an adapter; a nil logger means slog.Default().
func NewHTTPErrorAdapter(logger *slog.Logger) *HTTPErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPErrorAdapter{logger: logger}
}

// HTTPErrorResponse is the error body returned by the API. Code carries the
// error category so clients can reclassify it.
type HTTPErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

// StatusCodeFor maps err to an HTTP status. Unclassified errors are 500.
func (a *HTTPErrorAdapter) StatusCodeFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return presentationFor(err).status
}

// WriteErrorResponse writes err as JSON and logs it at its severity.
func (a *HTTPErrorAdapter) WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	status := a.StatusCodeFor(err)
	payload := a.FormatErrorResponse(err)
	body, jerr := json.Marshal(payload)
	if jerr != nil {
		body = []byte(`{"error":"internal error"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	if payload.Retryable && status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)

	level := slog.LevelError
	if c, ok := AsClassified(err); ok {
		level = severityLevel(c.Severity())
	}
	if status < http.StatusInternalServerError && level > slog.LevelInfo {
		level = slog.LevelInfo
	}
	a.logger.LogAttrs(r.Context(), level, "Request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()))
}

// FormatErrorResponse builds the JSON payload for err.
func (a *HTTPErrorAdapter) FormatErrorResponse(err error) HTTPErrorResponse {
	if err == nil {
		return HTTPErrorResponse{}
	}
	c, ok := AsClassified(err)
	if !ok {
		return HTTPErrorResponse{Error: err.Error()}
	}
	resp := HTTPErrorResponse{
		Error:     c.Message(),
		Code:      string(c.Category()),
		Retryable: c.CanRetry(),
	}
	if len(c.Context()) > 0 {
		resp.Details = map[string]any(c.Context())
	}
	return resp
}
