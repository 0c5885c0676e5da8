package settlelinesdk

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

// Client is a minimal Settleline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Title      string `json:"title"`
	Budget     int64  `json:"budget"`
	Slots      int    `json:"slots"`
	Status     string `json:"status"`
}

// Assignment represents one executor's engagement on a task.
type Assignment struct {
	ID                  string  `json:"id"`
	TaskID              string  `json:"task_id"`
	ExecutorID          string  `json:"executor_id"`
	ContractID          *string `json:"contract_id,omitempty"`
	Status              string  `json:"status"`
	StartDeadlineAt     string  `json:"start_deadline_at"`
	ExecutionDeadlineAt *string `json:"execution_deadline_at,omitempty"`
	PauseUsed           bool    `json:"pause_used"`
}

// Escrow represents frozen funds for one assignment.
type Escrow struct {
	ID             string `json:"id"`
	TaskID         string `json:"task_id"`
	ExecutorID     string `json:"executor_id"`
	Amount         int64  `json:"amount"`
	Status         string `json:"status"`
	ExecutorAmount int64  `json:"executor_amount"`
	CustomerAmount int64  `json:"customer_amount"`
}

// Contract links a customer and an executor over a task.
type Contract struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	CustomerID string `json:"customer_id"`
	ExecutorID string `json:"executor_id"`
	Status     string `json:"status"`
}

// Dispute represents an escalation on a contract.
type Dispute struct {
	ID                string  `json:"id"`
	ContractID        string  `json:"contract_id"`
	OpenedBy          string  `json:"opened_by"`
	Status            string  `json:"status"`
	AssignedArbiterID *string `json:"assigned_arbiter_id,omitempty"`
	SLADueAt          string  `json:"sla_due_at"`
	Version           int64   `json:"version"`
}

// DisputeMessage is one entry in a dispute's thread.
type DisputeMessage struct {
	ID        string `json:"id"`
	DisputeID string `json:"dispute_id"`
	AuthorID  string `json:"author_id"`
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, title string, budget int64, slots int) (Task, error) {
	body := map[string]any{
		"title":  title,
		"budget": budget,
		"slots":  slots,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SelectExecutor assigns an executor to a task, freezing the budget.
func (c *Client) SelectExecutor(ctx context.Context, taskID, executorID string) (Assignment, error) {
	body := map[string]any{"executor_id": executorID}
	var resp Assignment
	endpoint := fmt.Sprintf("v0/tasks/%s/select", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// StartAssignment moves an assignment into work.
func (c *Client) StartAssignment(ctx context.Context, id string) (Assignment, error) {
	return c.assignmentAction(ctx, id, "start")
}

// SubmitWork hands the result over for review.
func (c *Client) SubmitWork(ctx context.Context, id string) (Assignment, error) {
	return c.assignmentAction(ctx, id, "submit")
}

// AcceptWork accepts submitted work and releases the escrow.
func (c *Client) AcceptWork(ctx context.Context, id string) (Assignment, error) {
	return c.assignmentAction(ctx, id, "accept")
}

// ResumeAssignment ends a pause early.
func (c *Client) ResumeAssignment(ctx context.Context, id string) (Assignment, error) {
	return c.assignmentAction(ctx, id, "resume")
}

func (c *Client) assignmentAction(ctx context.Context, id, action string) (Assignment, error) {
	var resp Assignment
	endpoint := fmt.Sprintf("v0/assignments/%s/%s", url.PathEscape(id), action)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RequestPause asks for the one-time pause.
func (c *Client) RequestPause(ctx context.Context, id, reasonID string, durationMs int64) (Assignment, error) {
	body := map[string]any{"reason_id": reasonID, "duration_ms": durationMs}
	var resp Assignment
	endpoint := fmt.Sprintf("v0/assignments/%s/pause", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// DecidePause accepts or rejects a pending pause request.
func (c *Client) DecidePause(ctx context.Context, id string, accept bool) (Assignment, error) {
	body := map[string]any{"accept": accept}
	var resp Assignment
	endpoint := fmt.Sprintf("v0/assignments/%s/pause/decision", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetEscrow fetches the escrow for a task/executor pair.
func (c *Client) GetEscrow(ctx context.Context, taskID, executorID string) (Escrow, error) {
	var resp Escrow
	endpoint := fmt.Sprintf("v0/tasks/%s/escrows/%s", url.PathEscape(taskID), url.PathEscape(executorID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelContract cancels a contract and refunds its escrow.
func (c *Client) CancelContract(ctx context.Context, contractID string) (Contract, error) {
	var resp Contract
	endpoint := fmt.Sprintf("v0/contracts/%s/cancel", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// OpenDispute escalates a contract.
func (c *Client) OpenDispute(ctx context.Context, contractID, reason string) (Dispute, error) {
	body := map[string]any{"reason": reason}
	var resp Dispute
	endpoint := fmt.Sprintf("v0/contracts/%s/disputes", url.PathEscape(contractID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetDispute fetches a dispute by id.
func (c *Client) GetDispute(ctx context.Context, id string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodGet, "v0/disputes/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// DisputeMessages lists a dispute's thread.
func (c *Client) DisputeMessages(ctx context.Context, id string) ([]DisputeMessage, error) {
	var resp []DisputeMessage
	endpoint := fmt.Sprintf("v0/disputes/%s/messages", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PostDisputeMessage adds a message to a dispute.
func (c *Client) PostDisputeMessage(ctx context.Context, id, body string) (DisputeMessage, error) {
	var resp DisputeMessage
	endpoint := fmt.Sprintf("v0/disputes/%s/messages", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"body": body}, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	var resp []Event
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
