package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ignatij/flowstream/pkg/models"
	"github.com/ignatij/flowstream/pkg/service"
	"github.com/pkg/errors"
)

// maxEventSize bounds one line of the log stream.
const maxEventSize = 16 << 20

// Client talks to a running flowstream server.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: http.DefaultClient}
}

func (c *Client) Submit(ctx context.Context, req service.SubmitRequest, staged bool) (models.TaskStatusRecord, error) {
	payload := struct {
		service.SubmitRequest
		Staged bool `json:"staged,omitempty"`
	}{req, staged}
	var rec models.TaskStatusRecord
	err := c.do(ctx, http.MethodPost, "/tasks", payload, &rec)
	return rec, err
}

func (c *Client) Launch(ctx context.Context, taskID string) (models.TaskStatusRecord, error) {
	var rec models.TaskStatusRecord
	err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/launch", nil, &rec)
	return rec, err
}

func (c *Client) Get(ctx context.Context, taskID string) (models.TaskStatusRecord, error) {
	var rec models.TaskStatusRecord
	err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &rec)
	return rec, err
}

func (c *Client) List(ctx context.Context, limit int) ([]models.TaskStatusRecord, error) {
	var records []models.TaskStatusRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks?limit=%d", limit), nil, &records)
	return records, err
}

func (c *Client) Delete(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(taskID), nil, nil)
}

func (c *Client) Pipelines(ctx context.Context) ([]service.PipelineInfo, error) {
	var pipelines []service.PipelineInfo
	err := c.do(ctx, http.MethodGet, "/pipelines", nil, &pipelines)
	return pipelines, err
}

// Tail streams the task's log messages after the given entry id to fn until
// the server ends the stream.
func (c *Client) Tail(ctx context.Context, taskID, after string, fn func(models.LogMessage) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+url.PathEscape(taskID)+"/logs", nil)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if after != "" {
		req.Header.Set("Last-Event-ID", after)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "connect to server")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	var event, data string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && event != "":
			switch event {
			case "log":
				var msg models.LogMessage
				if err := json.Unmarshal([]byte(data), &msg); err != nil {
					return errors.Wrap(err, "decode log message")
				}
				if err := fn(msg); err != nil {
					return err
				}
			case "error":
				return errors.Errorf("log stream failed: %s", data)
			case "end":
				return nil
			}
			event, data = "", ""
		}
	}
	return errors.Wrap(scanner.Err(), "read log stream")
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.WithStack(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "connect to server")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

func responseError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Error == "" {
		return errors.Errorf("server returned %s", resp.Status)
	}
	return errors.Errorf("server returned %s: %s", resp.Status, payload.Error)
}
