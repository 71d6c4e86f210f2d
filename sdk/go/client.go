package visatracksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal visatrack HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Requirement is a step's artifact rule.
type Requirement struct {
	Mode  string `json:"mode"`
	Count int    `json:"count,omitempty"`
}

// Step is one position of a workflow.
type Step struct {
	Sequence    int         `json:"sequence"`
	Title       string      `json:"title"`
	Status      string      `json:"status"`
	Attachments []string    `json:"attachments"`
	Requirement Requirement `json:"requirement"`
	CompletedAt *string     `json:"completedAt,omitempty"`
}

// Workflow represents the API workflow model.
type Workflow struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	Template  string `json:"template"`
	Steps     []Step `json:"steps"`
	Frontier  int    `json:"frontier"`
	Completed bool   `json:"completed"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
	Version   int64  `json:"version"`
}

// Event represents an audit entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OwnerID    string         `json:"ownerId"`
	WorkflowID string         `json:"workflowId"`
	Sequence   int            `json:"sequence,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// File is an artifact to upload.
type File struct {
	Name string
	Body io.Reader
}

// APIError wraps non-2xx responses. Code carries the server's error kind
// (for example "step_not_ready") when the body is an error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Workflow returns the owner's workflow, creating it server-side on first access.
func (c *Client) Workflow(ctx context.Context, ownerID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, workflowPath(ownerID, ""), nil, &resp)
	return resp, err
}

// ListWorkflows lists workflows, optionally filtered by state ("active" or "completed").
func (c *Client) ListWorkflows(ctx context.Context, state string, limit int) ([]Workflow, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "workflows"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Workflow `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AttachArtifactRefs attaches already stored artifact references to a step.
func (c *Client) AttachArtifactRefs(ctx context.Context, ownerID string, sequence int, refs []string) (Workflow, error) {
	var resp Workflow
	body := map[string]any{"artifacts": refs}
	err := c.do(ctx, http.MethodPost, workflowPath(ownerID, fmt.Sprintf("steps/%d/artifact-refs", sequence)), body, &resp)
	return resp, err
}

// UploadArtifacts uploads files for a step as multipart form data.
func (c *Client) UploadArtifacts(ctx context.Context, ownerID string, sequence int, files []File) (Workflow, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return Workflow{}, err
		}
		if _, err := io.Copy(part, f.Body); err != nil {
			return Workflow{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Workflow{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(workflowPath(ownerID, fmt.Sprintf("steps/%d/artifacts", sequence))), &buf)
	if err != nil {
		return Workflow{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var resp Workflow
	err = c.send(req, &resp)
	return resp, err
}

// AdvanceStep completes the step in progress when its requirement is met.
func (c *Client) AdvanceStep(ctx context.Context, ownerID string, sequence int) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodPatch, workflowPath(ownerID, fmt.Sprintf("steps/%d/advance", sequence)), nil, &resp)
	return resp, err
}

// Events returns the owner's audit events, newest first.
func (c *Client) Events(ctx context.Context, ownerID string, limit int) ([]Event, error) {
	endpoint := workflowPath(ownerID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(endpoint), &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) endpoint(p string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if bp := strings.Trim(c.BasePath, "/"); bp != "" {
		base += "/" + bp
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func workflowPath(ownerID, rest string) string {
	p := "workflows/" + url.PathEscape(ownerID)
	if rest != "" {
		p += "/" + rest
	}
	return p
}
