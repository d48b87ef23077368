// Package economy provides a small typed client for the agent economy
// REST API.
package economy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Synchronous task submission can block for the full
// assignment window, so it is longer than a typical API timeout.
const DefaultHTTPTimeout = 45 * time.Second

// Client wraps the HTTP interactions with the agent economy REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// TaskSubmission represents the payload required to create a new task.
type TaskSubmission struct {
	Type       string  `json:"task_type"`
	Payload    string  `json:"payload,omitempty"`
	BudgetHBAR float64 `json:"budget_hbar"`
	Requester  string  `json:"requester,omitempty"`
}

// Task mirrors the broker's task view.
type Task struct {
	ID          string  `json:"task_id"`
	Type        string  `json:"task_type"`
	Status      string  `json:"status"`
	WorkerID    string  `json:"worker_id,omitempty"`
	Result      string  `json:"result,omitempty"`
	Error       string  `json:"error,omitempty"`
	CostHBAR    float64 `json:"cost_hbar,omitempty"`
	DurationMS  int64   `json:"duration_ms,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	CompletedAt int64   `json:"completed_at,omitempty"`
}

// Agent mirrors a directory entry.
type Agent struct {
	ID             string   `json:"agent_id"`
	Kind           string   `json:"kind"`
	Name           string   `json:"name"`
	Skills         []string `json:"skills,omitempty"`
	Status         string   `json:"status"`
	TasksCompleted int      `json:"tasks_completed"`
	EarningsHBAR   float64  `json:"earnings_hbar"`
}

// State is the aggregated economy snapshot returned by the API.
type State struct {
	Agents []Agent `json:"agents"`
	Stats  struct {
		TasksCompleted   int      `json:"tasks_completed"`
		TotalSettledHBAR float64  `json:"total_hbar_settled"`
		ActiveAgents     int      `json:"active_agents"`
		TotalAgents      int      `json:"total_agents"`
		Topics           []string `json:"topics"`
	} `json:"stats"`
	Timestamp int64 `json:"timestamp"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("economy api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("economy api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the agent economy API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitTask submits a task and blocks until it reaches a terminal state.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// EnqueueTask submits a task asynchronously; completion is observable via
// GetTask or the state snapshot.
func (c *Client) EnqueueTask(ctx context.Context, submission TaskSubmission) error {
	return c.post(ctx, "/api/v1/tasks?async=1", submission, nil)
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	endpoint := "/api/v1/tasks?id=" + url.QueryEscape(taskID)
	if err := c.get(ctx, endpoint, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// State fetches the aggregated economy snapshot.
func (c *Client) State(ctx context.Context) (State, error) {
	var state State
	if err := c.get(ctx, "/api/v1/state", &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Agents lists all agents known to the directory.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.get(ctx, "/api/v1/agents", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("read error response: %w", readErr)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
