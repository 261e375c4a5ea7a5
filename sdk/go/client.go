package phaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Phaseline HTTP API client bound to one namespace.
type Client struct {
	BaseURL     string
	Namespace   string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, namespace string) *Client {
	return &Client{
		BaseURL:   baseURL,
		Namespace: namespace,
		Timeout:   10 * time.Second,
	}
}

// TaskPayload is the structured body of a task.
type TaskPayload struct {
	TaskID               int64          `json:"task_id,omitempty"`
	Description          string         `json:"description"`
	Context              map[string]any `json:"context,omitempty"`
	Requirements         []string       `json:"requirements,omitempty"`
	AIVerifiableOutcomes []string       `json:"ai_verifiable_outcomes,omitempty"`
	Phase                string         `json:"phase,omitempty"`
	Priority             int            `json:"priority,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID          int64          `json:"id"`
	Namespace   string         `json:"namespace"`
	FromAgent   string         `json:"from_agent"`
	ToAgent     string         `json:"to_agent"`
	TaskType    string         `json:"task_type"`
	Priority    int            `json:"priority"`
	Status      string         `json:"status"`
	Payload     TaskPayload    `json:"payload"`
	CreatedAt   string         `json:"created_at"`
	StartedAt   *string        `json:"started_at,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// EnqueueRequest describes a new task.
type EnqueueRequest struct {
	FromAgent string      `json:"from_agent,omitempty"`
	ToAgent   string      `json:"to_agent"`
	TaskType  string      `json:"task_type"`
	Priority  int         `json:"priority,omitempty"`
	Payload   TaskPayload `json:"payload"`
}

// Artifact describes a file to record in the ledger.
type Artifact struct {
	FilePath            string `json:"file_path"`
	MemoryType          string `json:"memory_type"`
	BriefDescription    string `json:"brief_description,omitempty"`
	ElementsDescription string `json:"elements_description,omitempty"`
	Rationale           string `json:"rationale,omitempty"`
}

// RecordResult is the per-artifact outcome of RecordArtifacts.
type RecordResult struct {
	FilePath string `json:"file_path"`
	Version  int    `json:"version,omitempty"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

// MemoryRecord is a ledger entry.
type MemoryRecord struct {
	FilePath           string `json:"file_path"`
	MemoryType         string `json:"memory_type"`
	Version            int    `json:"version"`
	ContentFingerprint string `json:"content_fingerprint"`
	TokenCount         int    `json:"token_count"`
	LastUpdatedAt      string `json:"last_updated_at"`
}

// LedgerSummary aggregates ledger records.
type LedgerSummary struct {
	TotalFiles         int            `json:"total_files"`
	CountsByMemoryType map[string]int `json:"counts_by_memory_type"`
	LastUpdatedAt      string         `json:"last_updated_at"`
}

// PhaseStatus is the derived workflow position.
type PhaseStatus struct {
	Current   string   `json:"current_phase"`
	Completed []string `json:"completed_phases"`
	Terminal  bool     `json:"terminal"`
}

// TickResult reports what a scheduler tick did.
type TickResult struct {
	Phase        string `json:"phase"`
	Action       string `json:"action"`
	TaskID       int64  `json:"task_id,omitempty"`
	Orchestrator string `json:"orchestrator,omitempty"`
	ApprovalID   string `json:"approval_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Prerequisites is the result of a prerequisite check.
type Prerequisites struct {
	Phase   string   `json:"phase"`
	Valid   bool     `json:"valid"`
	Missing []string `json:"missing"`
}

// Approval is a phase sign-off record.
type Approval struct {
	ID        string   `json:"id"`
	Phase     string   `json:"phase"`
	Artifacts []string `json:"artifacts"`
	Message   string   `json:"message"`
	Status    string   `json:"status"`
	DecidedBy *string  `json:"decided_by,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	Namespace  string         `json:"namespace"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Enqueue creates a pending task.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.nsPath("tasks"), req, &resp)
	return resp, err
}

// FetchPending returns an agent's pending tasks in processing order.
func (c *Client) FetchPending(ctx context.Context, agent string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.nsPath(fmt.Sprintf("agents/%s/pending", url.PathEscape(agent))), nil, &resp)
	return resp.Items, err
}

// Task fetches a task by id.
func (c *Client) Task(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.nsPath(fmt.Sprintf("tasks/%d", id)), nil, &resp)
	return resp, err
}

// Claim tries to move a pending task to in_progress. Losing the race is not
// an error: the returned bool is false.
func (c *Client) Claim(ctx context.Context, id int64) (bool, Task, error) {
	var resp struct {
		Claimed bool `json:"claimed"`
		Task    Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, c.nsPath(fmt.Sprintf("tasks/%d/claim", id)), nil, &resp)
	return resp.Claimed, resp.Task, err
}

// Complete records a successful result.
func (c *Client) Complete(ctx context.Context, id int64, result map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.nsPath(fmt.Sprintf("tasks/%d/complete", id)), map[string]any{"result": result}, &resp)
	return resp, err
}

// Fail records a failure.
func (c *Client) Fail(ctx context.Context, id int64, msg string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.nsPath(fmt.Sprintf("tasks/%d/fail", id)), map[string]any{"error": msg}, &resp)
	return resp, err
}

// RecordArtifacts records files in the ledger, one result per artifact.
func (c *Client) RecordArtifacts(ctx context.Context, artifacts []Artifact) ([]RecordResult, error) {
	var resp struct {
		Items []RecordResult `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, c.nsPath("ledger/records"), map[string]any{"artifacts": artifacts}, &resp)
	return resp.Items, err
}

// MemoryRecords lists ledger records, optionally of one memory type.
func (c *Client) MemoryRecords(ctx context.Context, memoryType string) ([]MemoryRecord, error) {
	endpoint := c.nsPath("ledger")
	if memoryType != "" {
		endpoint += "?memory_type=" + url.QueryEscape(memoryType)
	}
	var resp struct {
		Items []MemoryRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// LedgerSummary returns the ledger aggregate.
func (c *Client) LedgerSummary(ctx context.Context) (LedgerSummary, error) {
	var resp LedgerSummary
	err := c.do(ctx, http.MethodGet, c.nsPath("ledger/summary"), nil, &resp)
	return resp, err
}

// Phase returns the current phase.
func (c *Client) Phase(ctx context.Context) (PhaseStatus, error) {
	var resp PhaseStatus
	err := c.do(ctx, http.MethodGet, c.nsPath("phase"), nil, &resp)
	return resp, err
}

// Tick asks the scheduler to delegate the current phase.
func (c *Client) Tick(ctx context.Context, goal string, retry bool) (TickResult, error) {
	var resp TickResult
	err := c.do(ctx, http.MethodPost, c.nsPath("tick"), map[string]any{"goal": goal, "retry": retry}, &resp)
	return resp, err
}

// Prerequisites checks a phase's prerequisites.
func (c *Client) Prerequisites(ctx context.Context, phase string) (Prerequisites, error) {
	var resp Prerequisites
	err := c.do(ctx, http.MethodGet, c.nsPath("prerequisites/"+url.PathEscape(phase)), nil, &resp)
	return resp, err
}

// Approvals lists approval records; status may be empty.
func (c *Client) Approvals(ctx context.Context, status string) ([]Approval, error) {
	endpoint := c.nsPath("approvals")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Approval `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Approve signs off a phase.
func (c *Client) Approve(ctx context.Context, phase string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, c.nsPath(fmt.Sprintf("approvals/%s/approve", url.PathEscape(phase))), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.nsPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) nsPath(p string) string {
	ns := url.PathEscape(c.Namespace)
	return fmt.Sprintf("v0/namespaces/%s/%s", ns, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
