// Package astrodbsdk is a small client for the astrodb HTTP API.
package astrodbsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal astrodb HTTP API client.
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

// Status codes as reported by the API.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusReady   = "ready"
)

// StatusNoSuchProposal is what ProposalStatusCode reports for an unknown pid.
const StatusNoSuchProposal = -999

type Position struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type Target struct {
	TID          string   `json:"tid"`
	Position     Position `json:"position"`
	ExposureTime float64  `json:"exposure_time"`
}

type Proposal struct {
	PID        int64    `json:"pid"`
	Status     string   `json:"status"`
	StatusCode int      `json:"status_code"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
	Targets    []Target `json:"targets"`
}

// Image is both the upload and the download shape. Set exactly one of Data or URI.
type Image struct {
	ID          int64          `json:"id,omitempty"`
	PID         int64          `json:"pid,omitempty"`
	TID         string         `json:"tid,omitempty"`
	Data        []byte         `json:"data,omitempty"`
	URI         string         `json:"uri,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CapturedAt  string         `json:"captured_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	PID        int64  `json:"pid"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses. Code carries the envelope code
// (not_found, conflict, invalid_transition, not_ready, bad_request, storage_fault).
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given envelope code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// PaginatedProposals wraps list responses with cursors.
type PaginatedProposals struct {
	Items      []Proposal `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SubmitProposal stores a new proposal and returns its pid.
func (c *Client) SubmitProposal(ctx context.Context, targets []Target) (int64, error) {
	if targets == nil {
		targets = []Target{}
	}
	var resp struct {
		PID int64 `json:"pid"`
	}
	err := c.do(ctx, http.MethodPost, "proposals", map[string]any{"targets": targets}, &resp)
	return resp.PID, err
}

// ProposalStatus returns the status name of pid.
func (c *Client) ProposalStatus(ctx context.Context, pid int64) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("proposals/%d/status", pid), nil, &resp)
	return resp.Status, err
}

// ProposalStatusCode returns the numeric status of pid, or StatusNoSuchProposal
// when the proposal does not exist.
func (c *Client) ProposalStatusCode(ctx context.Context, pid int64) (int, error) {
	var resp struct {
		StatusCode int `json:"status_code"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("proposals/%d/status", pid), nil, &resp)
	if IsCode(err, "not_found") {
		return StatusNoSuchProposal, nil
	}
	return resp.StatusCode, err
}

// SetStatus advances pid to status.
func (c *Client) SetStatus(ctx context.Context, pid int64, status string) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("proposals/%d/status", pid), map[string]any{"status": status}, nil)
}

// Proposal fetches a proposal with its targets.
func (c *Client) Proposal(ctx context.Context, pid int64) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("proposals/%d", pid), nil, &resp)
	return resp, err
}

// Proposals pages through all proposals. status may be empty.
func (c *Client) Proposals(ctx context.Context, status string, limit int, cursor string) (PaginatedProposals, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "proposals"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedProposals
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Queue returns every queued proposal.
func (c *Client) Queue(ctx context.Context) ([]Proposal, error) {
	var resp PaginatedProposals
	err := c.do(ctx, http.MethodGet, "queue", nil, &resp)
	return resp.Items, err
}

// RemoveProposal deletes a proposal with its targets and images.
func (c *Client) RemoveProposal(ctx context.Context, pid int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("proposals/%d", pid), nil, nil)
}

// StoreImage attaches img to target tid and returns the image id.
func (c *Client) StoreImage(ctx context.Context, pid int64, tid string, img Image) (int64, error) {
	body := Image{Data: img.Data, URI: img.URI, ContentType: img.ContentType, Metadata: img.Metadata, CapturedAt: img.CapturedAt}
	var resp struct {
		ID int64 `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("proposals/%d/targets/%s/image", pid, url.PathEscape(tid)), body, &resp)
	return resp.ID, err
}

// Images returns the images of a ready proposal.
func (c *Client) Images(ctx context.Context, pid int64) ([]Image, error) {
	var resp struct {
		Items []Image `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("proposals/%d/images", pid), nil, &resp)
	return resp.Items, err
}

// Events returns a page of the event log, newest first. pid 0 means all proposals.
func (c *Client) Events(ctx context.Context, pid int64, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if pid > 0 {
		q.Set("pid", strconv.FormatInt(pid, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
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
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
