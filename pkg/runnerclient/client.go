// Package runnerclient is the HTTP client runner agents use to talk to the control plane.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vyvo/compute/fleet/pkg/controlplane"
)

// Error is a structured failure reported by the control plane.
type Error struct {
	Status  int
	Kind    controlplane.Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
}

// KindOf returns the control plane error kind carried by err, if any.
func KindOf(err error) controlplane.Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// Client talks to the runner-role API with a single runner credential.
type Client struct {
	baseURL    string
	httpClient *http.Client
	stream     *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient creates a client with sane defaults. token may be the initial
// pairing credential or one returned by a previous Register.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		stream: &http.Client{},
		token:  token,
	}
}

// Token returns the credential currently used for requests.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	return req, nil
}

// do sends req and decodes a JSON response into out when the status is expected.
func (c *Client) do(req *http.Request, expected int, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, expected int, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, expected, out)
}

func decodeError(resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	var envelope struct {
		Error struct {
			Kind    controlplane.Kind `json:"kind"`
			Message string            `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error.Kind != "" {
		return &Error{Status: resp.StatusCode, Kind: envelope.Error.Kind, Message: envelope.Error.Message}
	}
	return &Error{Status: resp.StatusCode, Kind: controlplane.KindInternal, Message: strings.TrimSpace(string(payload))}
}

// Credential is returned by the pairing handshake.
type Credential struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Register completes pairing and switches the client to the rotated credential.
// Callers must persist the returned token; the previous one stops working.
func (c *Client) Register(ctx context.Context, runnerID string) (Credential, error) {
	var out Credential
	if err := c.doJSON(ctx, http.MethodPost, "/api/runner/register/"+url.PathEscape(runnerID), nil, http.StatusOK, &out); err != nil {
		return Credential{}, err
	}
	c.setToken(out.Token)
	return out, nil
}

// Heartbeat reports liveness and the runner's current state.
func (c *Client) Heartbeat(ctx context.Context, runnerID string, state controlplane.RunnerState) (controlplane.RunnerStatus, error) {
	var out controlplane.RunnerStatus
	err := c.doJSON(ctx, http.MethodPatch, "/api/runner/heartbeat/"+url.PathEscape(runnerID), map[string]string{"state": string(state)}, http.StatusOK, &out)
	return out, err
}

// UpdateSystem reports hardware fields. Unknown field names are rejected by the server.
func (c *Client) UpdateSystem(ctx context.Context, runnerID string, fields map[string]any) (controlplane.SystemInfo, error) {
	var out controlplane.SystemInfo
	err := c.doJSON(ctx, http.MethodPut, "/api/runner/system/"+url.PathEscape(runnerID), fields, http.StatusOK, &out)
	return out, err
}

// Self returns the runner bound to the credential.
func (c *Client) Self(ctx context.Context) (controlplane.Runner, error) {
	var out controlplane.Runner
	err := c.doJSON(ctx, http.MethodGet, "/api/runner/self", nil, http.StatusOK, &out)
	return out, err
}

// ListJobs returns jobs assigned to this runner.
func (c *Client) ListJobs(ctx context.Context) ([]controlplane.Job, error) {
	var out []controlplane.Job
	err := c.doJSON(ctx, http.MethodGet, "/api/runner/jobs", nil, http.StatusOK, &out)
	return out, err
}

// GetJob fetches one assigned job.
func (c *Client) GetJob(ctx context.Context, jobID string) (controlplane.Job, error) {
	var out controlplane.Job
	err := c.doJSON(ctx, http.MethodGet, "/api/runner/jobs/"+url.PathEscape(jobID), nil, http.StatusOK, &out)
	return out, err
}

// JobUpdate carries the execution progress fields a runner may write.
type JobUpdate struct {
	Status           *controlplane.JobStatus `json:"status,omitempty"`
	WorkingDirectory *string                 `json:"working_directory,omitempty"`
	ExitCode         *int                    `json:"exit_code,omitempty"`
}

// UpdateJob applies a progress update. A positive version is sent as If-Match.
func (c *Client) UpdateJob(ctx context.Context, jobID string, update JobUpdate, version int64) (controlplane.Job, error) {
	data, err := json.Marshal(update)
	if err != nil {
		return controlplane.Job{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/runner/jobs/"+url.PathEscape(jobID), bytes.NewReader(data))
	if err != nil {
		return controlplane.Job{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if version > 0 {
		req.Header.Set("If-Match", strconv.Quote(strconv.FormatInt(version, 10)))
	}
	var out controlplane.Job
	err = c.do(req, http.StatusOK, &out)
	return out, err
}

// UploadRequest describes a resource file produced by the runner.
type UploadRequest struct {
	JobID            string
	ResourceType     controlplane.ResourceType
	Filename         string
	Description      string
	OriginalFilePath string
	Body             io.Reader
}

// UploadResource sends a file as multipart form data.
func (c *Client) UploadResource(ctx context.Context, in UploadRequest) (controlplane.JobResource, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fields := map[string]string{
		"job":                in.JobID,
		"resource_type":      string(in.ResourceType),
		"description":        in.Description,
		"original_file_path": in.OriginalFilePath,
	}
	for key, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(key, value); err != nil {
			return controlplane.JobResource{}, fmt.Errorf("write form field: %w", err)
		}
	}
	part, err := mw.CreateFormFile("file", in.Filename)
	if err != nil {
		return controlplane.JobResource{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, in.Body); err != nil {
		return controlplane.JobResource{}, fmt.Errorf("copy file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return controlplane.JobResource{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/runner/resources", buf)
	if err != nil {
		return controlplane.JobResource{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out controlplane.JobResource
	err = c.do(req, http.StatusCreated, &out)
	return out, err
}

// ResourceQuery filters ListResources. Empty fields do not filter.
type ResourceQuery struct {
	JobID        string
	ResourceType controlplane.ResourceType
	Filename     string
}

// ListResources returns resources of jobs assigned to this runner.
func (c *Client) ListResources(ctx context.Context, q ResourceQuery) ([]controlplane.JobResource, error) {
	values := url.Values{}
	if q.JobID != "" {
		values.Set("job_id", q.JobID)
	}
	if q.ResourceType != "" {
		values.Set("resource_type", string(q.ResourceType))
	}
	if q.Filename != "" {
		values.Set("filename", q.Filename)
	}
	path := "/api/runner/resources"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out []controlplane.JobResource
	err := c.doJSON(ctx, http.MethodGet, path, nil, http.StatusOK, &out)
	return out, err
}

// DownloadResource opens a resource file. Callers must close the body.
func (c *Client) DownloadResource(ctx context.Context, resourceID string) (io.ReadCloser, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/runner/resources/"+url.PathEscape(resourceID)+"/download", nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download resource: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, "", decodeError(resp)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// Ack confirms a notification so it is not replayed on the next subscription.
func (c *Client) Ack(ctx context.Context, deliveryID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/runner/notifications/"+url.PathEscape(deliveryID)+"/ack", nil, http.StatusNoContent, nil)
}
