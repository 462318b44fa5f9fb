package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"git.home.luguber.info/inful/buildcoord/internal/foundation/errors"
	"git.home.luguber.info/inful/buildcoord/internal/model"
)

const pollInterval = 500 * time.Millisecond

// apiClient talks to a daemon's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.WrapError(err, errors.CategoryInternal, "failed to encode request").Build()
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.WrapError(err, errors.CategoryValidation, "invalid server URL").
			WithContext("server", c.base).
			Build()
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "request to daemon failed").
			WithContext("url", req.URL.String()).
			Retryable().
			Build()
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.WrapError(err, errors.CategoryNetwork, "unreadable daemon response").
			WithContext("status_code", resp.StatusCode).
			Build()
	}
	if resp.StatusCode >= http.StatusBadRequest {
		category := errors.ErrorCategory(env.Code)
		if category == "" {
			category = errors.CategoryNetwork
		}
		return errors.NewError(category, env.Error).
			WithContext("status_code", resp.StatusCode).
			Build()
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.WrapError(err, errors.CategoryNetwork, "unexpected daemon response").Build()
		}
	}
	return nil
}

type triggerResult struct {
	ID string `json:"id"`
}

func (t *TriggerCmd) runRemote(ctx context.Context, out io.Writer, class model.BuildClass) error {
	client := newAPIClient(t.Server)

	var (
		res  triggerResult
		path string
		err  error
	)
	if t.Group {
		err = client.do(ctx, http.MethodPost, "/api/v1/group-builds", t.groupRequest(class), &res)
		path = "/api/v1/group-builds/"
	} else {
		err = client.do(ctx, http.MethodPost, "/api/v1/builds", t.buildRequest(class), &res)
		path = "/api/v1/builds/"
	}
	if err != nil {
		return err
	}
	if !t.Wait {
		_, _ = fmt.Fprintln(out, res.ID)
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var current struct {
			Status model.BuildStatus `json:"status"`
		}
		var raw json.RawMessage
		if err := client.do(ctx, http.MethodGet, path+res.ID, nil, &raw); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &current); err != nil {
			return errors.WrapError(err, errors.CategoryNetwork, "unexpected daemon response").Build()
		}
		if current.Status.IsTerminal() {
			return report(out, raw, current.Status)
		}
		select {
		case <-ctx.Done():
			return errors.WrapError(ctx.Err(), errors.CategoryRuntime, "stopped waiting for build").
				WithContext("id", res.ID).
				Build()
		case <-ticker.C:
		}
	}
}
