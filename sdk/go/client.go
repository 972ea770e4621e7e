package reviewlinesdk

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

// Client is a minimal Reviewline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	ActorRole   string
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

// Cycle represents the API cycle model.
type Cycle struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Instance represents a phase instance (partial).
type Instance struct {
	ID       string `json:"id"`
	CycleID  string `json:"cycle_id"`
	Phase    string `json:"phase"`
	ScopeKey string `json:"scope_key,omitempty"`
	Status   string `json:"status"`
}

// Version represents a review version with derived item counts.
type Version struct {
	ID            string `json:"id"`
	InstanceID    string `json:"instance_id"`
	Number        int    `json:"number"`
	Status        string `json:"status"`
	Rev           int64  `json:"rev"`
	TotalItems    int    `json:"total_items"`
	ApprovedItems int    `json:"approved_items"`
	RejectedItems int    `json:"rejected_items"`
}

// Item represents a decision unit (partial).
type Item struct {
	ID            string  `json:"id"`
	VersionID     string  `json:"version_id"`
	Category      string  `json:"category,omitempty"`
	PayloadJSON   string  `json:"payload_json"`
	Provenance    string  `json:"provenance"`
	FirstOutcome  *string `json:"first_outcome,omitempty"`
	SecondOutcome *string `json:"second_outcome,omitempty"`
}

// Candidate is one resolver verdict.
type Candidate struct {
	Phase    string `json:"phase"`
	ScopeKey string `json:"scope_key,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Resolution is the resolver's full answer for a cycle.
type Resolution struct {
	Startable []Candidate `json:"startable"`
	Blocked   []Candidate `json:"blocked"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	CycleID    string `json:"cycle_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Job represents an out-of-band producer job.
type Job struct {
	ID         string  `json:"id"`
	CycleID    string  `json:"cycle_id"`
	Kind       string  `json:"kind"`
	InstanceID *string `json:"instance_id,omitempty"`
	VersionID  *string `json:"version_id,omitempty"`
	Status     string  `json:"status"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateCycle creates a review cycle.
func (c *Client) CreateCycle(ctx context.Context, id, name, description string) (Cycle, error) {
	body := map[string]any{
		"id":          id,
		"name":        name,
		"description": description,
	}
	var resp Cycle
	err := c.do(ctx, http.MethodPost, "v0/cycles", body, &resp)
	return resp, err
}

// Resolve returns startable and blocked phase instances for a cycle.
func (c *Client) Resolve(ctx context.Context, cycleID string) (Resolution, error) {
	var resp Resolution
	endpoint := fmt.Sprintf("v0/cycles/%s/resolve", url.PathEscape(cycleID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartInstance starts a phase instance.
func (c *Client) StartInstance(ctx context.Context, cycleID, phase, scopeKey string) (Instance, error) {
	body := map[string]any{
		"phase":     phase,
		"scope_key": scopeKey,
	}
	var resp Instance
	endpoint := fmt.Sprintf("v0/cycles/%s/instances", url.PathEscape(cycleID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompleteInstance completes a phase instance. Completing an already complete
// instance is a no-op.
func (c *Client) CompleteInstance(ctx context.Context, instanceID string) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v0/instances/%s/complete", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, struct{}{}, &resp)
	return resp, err
}

// CreateVersion opens a draft version on an instance.
func (c *Client) CreateVersion(ctx context.Context, instanceID string) (Version, error) {
	body := map[string]any{"instance_id": instanceID}
	var resp Version
	err := c.do(ctx, http.MethodPost, "v0/versions", body, &resp)
	return resp, err
}

// GetVersion fetches a version with item counts.
func (c *Client) GetVersion(ctx context.Context, id string) (Version, error) {
	var resp Version
	endpoint := fmt.Sprintf("v0/versions/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddItems appends items to a draft version. Rev must match the version's
// current optimistic concurrency counter.
func (c *Client) AddItems(ctx context.Context, versionID string, rev int64, items []map[string]any) ([]Item, error) {
	body := map[string]any{
		"rev":   rev,
		"items": items,
	}
	var resp []Item
	endpoint := fmt.Sprintf("v0/versions/%s/items", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SubmitVersion moves a draft into pending approval.
func (c *Client) SubmitVersion(ctx context.Context, versionID string, rev int64) (Version, error) {
	body := map[string]any{"rev": rev}
	var resp Version
	endpoint := fmt.Sprintf("v0/versions/%s/submit", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// DecideVersion approves or rejects a pending version.
func (c *Client) DecideVersion(ctx context.Context, versionID string, rev int64, outcome, reason string) (Version, error) {
	body := map[string]any{
		"rev":     rev,
		"outcome": outcome,
		"reason":  reason,
	}
	var resp Version
	endpoint := fmt.Sprintf("v0/versions/%s/decide", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecordDecision records a reviewer decision on one item.
func (c *Client) RecordDecision(ctx context.Context, itemID, track, outcome, notes string) (Item, error) {
	body := map[string]any{
		"track":   track,
		"outcome": outcome,
		"notes":   notes,
	}
	var resp Item
	endpoint := fmt.Sprintf("v0/items/%s/decision", url.PathEscape(itemID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CarryForward derives a new draft from a finished version.
func (c *Client) CarryForward(ctx context.Context, sourceVersionID string) (Version, error) {
	body := map[string]any{"source_version_id": sourceVersionID}
	var resp Version
	err := c.do(ctx, http.MethodPost, "v0/versions/carry-forward", body, &resp)
	return resp, err
}

// CompleteJob delivers a producer completion callback.
func (c *Client) CompleteJob(ctx context.Context, jobID string, items []map[string]any) (Job, error) {
	body := map[string]any{"items": items}
	var resp Job
	endpoint := fmt.Sprintf("v0/jobs/%s/complete", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events for a cycle.
func (c *Client) Events(ctx context.Context, cycleID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, cycleID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, cycleID string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := fmt.Sprintf("v0/cycles/%s/events", url.PathEscape(cycleID))
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
		if c.ActorRole != "" {
			req.Header.Set("X-Actor-Role", c.ActorRole)
		}
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
