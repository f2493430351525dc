package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-timer/internal/api"
)

const DefaultTimeout = 10 * time.Second

// JobClient calls the job API of a timer service. Every call also returns
// the raw response body, which the CLI prints in verbose mode.
type JobClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewJobClient(baseURL, token string) *JobClient {
	return &JobClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// ResponseError is returned for any non-2xx response. Detail is taken from
// the error body when the service sent one.
type ResponseError struct {
	StatusCode int
	Code       string
	Detail     string
	Body       []byte
}

func (e *ResponseError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("timer service error (%d %s): %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("timer service error (%d): %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

type ListOptions struct {
	ShowDeleted bool
	PageToken   string
	PageSize    int
}

func (c *JobClient) CreateJob(ctx context.Context, req api.CreateJobRequest) (*api.Job, []byte, error) {
	var job api.Job
	raw, err := c.do(ctx, http.MethodPost, "/api/v1/jobs/", nil, req, &job)
	if err != nil {
		return nil, raw, err
	}
	return &job, raw, nil
}

func (c *JobClient) GetJob(ctx context.Context, id string, showDeleted bool) (*api.Job, []byte, error) {
	query := url.Values{}
	if showDeleted {
		query.Set("show_deleted", "true")
	}
	var job api.Job
	raw, err := c.do(ctx, http.MethodGet, jobPath(id), query, nil, &job)
	if err != nil {
		return nil, raw, err
	}
	return &job, raw, nil
}

func (c *JobClient) ListJobs(ctx context.Context, opts ListOptions) (*api.JobList, []byte, error) {
	query := url.Values{}
	if opts.ShowDeleted {
		query.Set("show_deleted", "true")
	}
	if opts.PageToken != "" {
		query.Set("page_token", opts.PageToken)
	}
	if opts.PageSize > 0 {
		query.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	var list api.JobList
	raw, err := c.do(ctx, http.MethodGet, "/api/v1/jobs/", query, nil, &list)
	if err != nil {
		return nil, raw, err
	}
	return &list, raw, nil
}

func (c *JobClient) UpdateJob(ctx context.Context, id string, req api.UpdateJobRequest) (*api.Job, []byte, error) {
	var job api.Job
	raw, err := c.do(ctx, http.MethodPatch, jobPath(id), nil, req, &job)
	if err != nil {
		return nil, raw, err
	}
	return &job, raw, nil
}

func (c *JobClient) DeleteJob(ctx context.Context, id string) (*api.Job, []byte, error) {
	var job api.Job
	raw, err := c.do(ctx, http.MethodDelete, jobPath(id), nil, nil, &job)
	if err != nil {
		return nil, raw, err
	}
	return &job, raw, nil
}

func jobPath(id string) string {
	return "/api/v1/jobs/" + url.PathEscape(id) + "/"
}

func (c *JobClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}
	if body != nil {
		httpReq.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respErr := &ResponseError{StatusCode: resp.StatusCode, Body: respBody}
		var errResp api.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil {
			respErr.Code = errResp.Error.Code
			respErr.Detail = errResp.Error.Detail
		}
		return respBody, respErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return respBody, fmt.Errorf("failed to parse response: %w", err)
	}
	return respBody, nil
}
