package client

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
	"time"

	"github.com/gorilla/websocket"
)

// Client provides typed access to the launchpad API for interactive tools.
// Requests are bounded by the caller's context.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4100"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	// Deployment is set when a synchronous deploy failed after it was recorded.
	Deployment *Deployment
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}
	return c.send(ctx, method, path, reader, contentType, token, v)
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error      string      `json:"error"`
		Deployment *Deployment `json:"deployment"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.Deployment = payload.Deployment
	return apiErr
}

// Stage mirrors a staged rollout phase.
type Stage struct {
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
	Error     string     `json:"error"`
	Steps     []int      `json:"steps"`
}

// HealthSnapshot is the last verdict copied onto a deployment.
type HealthSnapshot struct {
	Healthy          bool    `json:"healthy"`
	RuntimeStatus    string  `json:"runtime_status"`
	EndpointsHealthy bool    `json:"endpoints_healthy"`
	ResourcesHealthy bool    `json:"resources_healthy"`
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	Error            string  `json:"error"`
}

// Deployment represents API deployment payloads.
type Deployment struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Framework   string          `json:"framework"`
	Version     string          `json:"version"`
	Commit      string          `json:"commit"`
	Branch      string          `json:"branch"`
	Strategy    string          `json:"strategy"`
	Status      string          `json:"status"`
	URL         string          `json:"url"`
	ContainerID string          `json:"container_id"`
	ImageID     string          `json:"image_id"`
	CacheKey    string          `json:"cache_key"`
	BuildTimeMS int64           `json:"build_time_ms"`
	EnvKeys     []string        `json:"env_keys"`
	LogCount    int             `json:"log_count"`
	LastHealth  *HealthSnapshot `json:"last_health"`
	Stages      []Stage         `json:"stages"`
	Error       string          `json:"error"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the deployment reached DEPLOYED or FAILED.
func (d Deployment) Terminal() bool {
	return d.Status == "DEPLOYED" || d.Status == "FAILED"
}

// DeployInput carries the metadata sent with an archive.
type DeployInput struct {
	Strategy       string
	Version        string
	Commit         string
	Branch         string
	BuildCommand   string
	RuntimeVersion string
	Env            map[string]string
	// Wait blocks until the deployment is promoted or fails.
	Wait bool
}

// Deploy uploads a packed project archive.
func (c *Client) Deploy(ctx context.Context, token, projectID string, archive io.Reader, input DeployInput) (Deployment, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("archive", "source.tar.gz")
	if err != nil {
		return Deployment{}, err
	}
	if _, err := io.Copy(part, archive); err != nil {
		return Deployment{}, fmt.Errorf("read archive: %w", err)
	}
	fields := map[string]string{
		"strategy":        input.Strategy,
		"version":         input.Version,
		"commit":          input.Commit,
		"branch":          input.Branch,
		"build_command":   input.BuildCommand,
		"runtime_version": input.RuntimeVersion,
	}
	for key, value := range fields {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if err := mw.WriteField(key, value); err != nil {
			return Deployment{}, err
		}
	}
	for key, value := range input.Env {
		if err := mw.WriteField("env", key+"="+value); err != nil {
			return Deployment{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Deployment{}, err
	}

	path := fmt.Sprintf("/projects/%s/deployments", url.PathEscape(projectID))
	if input.Wait {
		path += "?wait=true"
	}
	var dep Deployment
	if err := c.send(ctx, http.MethodPost, path, &body, mw.FormDataContentType(), token, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// GetDeployment fetches one deployment.
func (c *Client) GetDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s", url.PathEscape(deploymentID))
	var dep Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// ListDeployments fetches recent deployments for a project.
func (c *Client) ListDeployments(ctx context.Context, token, projectID string, limit int) ([]Deployment, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/projects/%s/deployments%s", url.PathEscape(projectID), query)
	var deployments []Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

// RollbackResult identifies the deployment restored to production.
type RollbackResult struct {
	DeploymentID string `json:"deployment_id"`
	URL          string `json:"url"`
	Status       string `json:"status"`
}

// Rollback points production back at the project's previous deployment.
func (c *Client) Rollback(ctx context.Context, token, projectID string) (RollbackResult, error) {
	path := fmt.Sprintf("/projects/%s/rollback", url.PathEscape(projectID))
	var res RollbackResult
	if err := c.do(ctx, http.MethodPost, path, nil, token, &res); err != nil {
		return RollbackResult{}, err
	}
	return res, nil
}

// Redeploy queues a new deployment from the stored archive of an earlier one.
func (c *Client) Redeploy(ctx context.Context, token, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s/redeploy", url.PathEscape(deploymentID))
	var dep Deployment
	if err := c.do(ctx, http.MethodPost, path, nil, token, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// EndpointResult is one probed path of a health check.
type EndpointResult struct {
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	OK         bool   `json:"ok"`
	Error      string `json:"error"`
}

// HealthCheck is one persisted health verdict.
type HealthCheck struct {
	ID               int64            `json:"id"`
	Healthy          bool             `json:"healthy"`
	Endpoints        []EndpointResult `json:"endpoints"`
	RuntimeStatus    string           `json:"runtime_status"`
	CPUPercent       float64          `json:"cpu_percent"`
	MemoryPercent    float64          `json:"memory_percent"`
	ResourcesHealthy bool             `json:"resources_healthy"`
	Error            string           `json:"error"`
	CheckedAt        time.Time        `json:"checked_at"`
	DurationMS       int64            `json:"duration_ms"`
}

// DeploymentHealth is the health history of a deployment.
type DeploymentHealth struct {
	DeploymentID string          `json:"deployment_id"`
	LastHealth   *HealthSnapshot `json:"last_health"`
	Checks       []HealthCheck   `json:"checks"`
}

// Health returns recent health verdicts, newest first.
func (c *Client) Health(ctx context.Context, token, deploymentID string, limit int) (DeploymentHealth, error) {
	path := fmt.Sprintf("/deployments/%s/health?limit=%d", url.PathEscape(deploymentID), limit)
	var health DeploymentHealth
	if err := c.do(ctx, http.MethodGet, path, nil, token, &health); err != nil {
		return DeploymentHealth{}, err
	}
	return health, nil
}

// LogEntry models one line of a deployment's log sequence.
type LogEntry struct {
	DeploymentID string    `json:"deployment_id"`
	Time         time.Time `json:"time"`
	Level        string    `json:"level"`
	Stage        string    `json:"stage"`
	Message      string    `json:"message"`
}

// LogPage is a slice of the log sequence starting at an offset.
type LogPage struct {
	Entries    []LogEntry `json:"entries"`
	NextOffset int        `json:"next_offset"`
}

// FetchLogs returns log entries from offset onwards.
func (c *Client) FetchLogs(ctx context.Context, token, deploymentID string, offset int) (LogPage, error) {
	path := fmt.Sprintf("/deployments/%s/logs?offset=%d", url.PathEscape(deploymentID), offset)
	var page LogPage
	if err := c.do(ctx, http.MethodGet, path, nil, token, &page); err != nil {
		return LogPage{}, err
	}
	return page, nil
}

// ErrStopStream may be returned by a stream callback to end the stream.
var ErrStopStream = errors.New("stop stream")

// StreamLogs replays the log sequence from offset and follows new entries
// over a websocket until ctx ends, the server closes the stream or onEntry
// returns an error.
func (c *Client) StreamLogs(ctx context.Context, token, deploymentID string, offset int, onEntry func(LogEntry) error) error {
	endpoint, err := url.Parse(c.baseURL + "/ws/logs")
	if err != nil {
		return err
	}
	if endpoint.Scheme == "https" {
		endpoint.Scheme = "wss"
	} else {
		endpoint.Scheme = "ws"
	}
	query := url.Values{"deployment_id": {deploymentID}, "offset": {strconv.Itoa(offset)}}
	endpoint.RawQuery = query.Encode()
	header := http.Header{}
	if strings.TrimSpace(token) != "" {
		header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return extractError(resp.StatusCode, resp.Body)
		}
		return fmt.Errorf("open log stream: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		var entry LogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if err := onEntry(entry); err != nil {
			if errors.Is(err, ErrStopStream) {
				return nil
			}
			return err
		}
	}
}
