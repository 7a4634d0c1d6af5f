// Package desklinesdk is a minimal Deskline HTTP API client for agent and
// supervisor adapters.
package desklinesdk

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
	"time"
)

// Client talks to the Deskline API.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
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

// AskResult is the outcome of Ask.
type AskResult struct {
	Status    string `json:"status"`
	Answer    string `json:"answer,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Request represents the API help request model.
type Request struct {
	ID              string  `json:"id"`
	Question        string  `json:"question"`
	CustomerContext string  `json:"customer_context"`
	State           string  `json:"state"`
	Answer          string  `json:"answer,omitempty"`
	SupervisorID    string  `json:"supervisor_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
	DeadlineAt      string  `json:"deadline_at"`
	ResolvedAt      *string `json:"resolved_at,omitempty"`
}

// KnowledgeEntry is a learned or seeded answer.
type KnowledgeEntry struct {
	Question        string `json:"question"`
	Answer          string `json:"answer"`
	SourceRequestID string `json:"source_request_id,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

// Event is a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// StreamEvent is one notification from an SSE stream.
type StreamEvent struct {
	Seq             uint64 `json:"seq"`
	Type            string `json:"type"`
	RequestID       string `json:"request_id"`
	Question        string `json:"question,omitempty"`
	Answer          string `json:"answer,omitempty"`
	CustomerContext string `json:"customer_context,omitempty"`
	SupervisorID    string `json:"supervisor_id,omitempty"`
	Audience        string `json:"audience"`
	TS              string `json:"ts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Ask submits a question for a customer context.
func (c *Client) Ask(ctx context.Context, question, customerContext string) (AskResult, error) {
	body := map[string]any{
		"question":         question,
		"customer_context": customerContext,
	}
	var resp AskResult
	err := c.do(ctx, http.MethodPost, "v1/ask", body, &resp)
	return resp, err
}

// PendingRequests returns the supervisor queue, oldest first.
func (c *Client) PendingRequests(ctx context.Context) ([]Request, error) {
	var resp []Request
	err := c.do(ctx, http.MethodGet, "v1/requests/pending", nil, &resp)
	return resp, err
}

// GetRequest fetches one request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "v1/requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Resolve answers a pending request.
func (c *Client) Resolve(ctx context.Context, id, answer string) (Request, error) {
	body := map[string]any{"answer": answer}
	var resp Request
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(id)+"/resolve", body, &resp)
	return resp, err
}

// Cancel administratively closes a pending request.
func (c *Client) Cancel(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "v1/requests/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// Knowledge lists learned and seeded answers.
func (c *Client) Knowledge(ctx context.Context) ([]KnowledgeEntry, error) {
	var resp []KnowledgeEntry
	err := c.do(ctx, http.MethodGet, "v1/knowledge", nil, &resp)
	return resp, err
}

// Events returns recent log entries.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StreamAgent consumes the agent SSE stream for one customer context,
// calling fn for each event until ctx is done or the stream closes.
func (c *Client) StreamAgent(ctx context.Context, customerContext string, fn func(StreamEvent)) error {
	return c.stream(ctx, "v1/stream/agent/"+url.PathEscape(customerContext), fn)
}

// StreamSupervisor consumes the broadcast supervisor SSE stream.
func (c *Client) StreamSupervisor(ctx context.Context, fn func(StreamEvent)) error {
	return c.stream(ctx, "v1/stream/supervisor", fn)
}

func (c *Client) stream(ctx context.Context, endpoint string, fn func(StreamEvent)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)
	// No client timeout on streams; cancellation comes from ctx.
	client := &http.Client{Transport: c.httpClient().Transport}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var evt StreamEvent
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			continue
		}
		fn(evt)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
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
	c.setAuth(req)
	resp, err := c.httpClient().Do(req)
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

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}
