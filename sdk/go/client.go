package obralinesdk

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

// Client is a minimal Obraline HTTP API client.
type Client struct {
	BaseURL     string
	ProgramID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, programID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProgramID: programID,
		Timeout:   10 * time.Second,
	}
}

// Entity represents a public work.
type Entity struct {
	ID        string `json:"id"`
	ProgramID string `json:"program_id"`
	Name      string `json:"name"`
	Stage     string `json:"stage"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// File is the metadata of an uploaded evidence file.
type File struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	UploadedAt string `json:"uploaded_at,omitempty"`
}

// Submission is the state of one requirement of an entity.
type Submission struct {
	EntityID      string `json:"entity_id"`
	Stage         string `json:"stage"`
	RequirementID string `json:"requirement_id"`
	Status        string `json:"status"`
	File          *File  `json:"file,omitempty"`
	Comment       string `json:"comment,omitempty"`
	ReviewerID    string `json:"reviewer_id,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// Transition is a stage change of an entity.
type Transition struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason,omitempty"`
	ActorID  string `json:"actor_id"`
	TS       string `json:"ts"`
}

type Completeness struct {
	Total     int     `json:"total"`
	Satisfied int     `json:"satisfied"`
	Percent   float64 `json:"percent"`
}

// EntityState is an entity with its current checklist.
type EntityState struct {
	Entity      Entity       `json:"entity"`
	StageName   string       `json:"stage_name"`
	Progress    float64      `json:"progress"`
	Terminal    bool         `json:"terminal"`
	CanAdvance  bool         `json:"can_advance"`
	Submissions []Submission `json:"submissions"`
	Approved    Completeness `json:"approved"`
	Submitted   Completeness `json:"submitted"`
	Missing     []string     `json:"missing"`
	History     []Transition `json:"history"`
}

// Label is a traffic-light status badge.
type Label struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// SummaryRow is one scored entity of a summary.
type SummaryRow struct {
	EntityID string  `json:"entity_id"`
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	Stage    string  `json:"stage"`
	Label    Label   `json:"label"`
}

// SummaryFailure is an entity left out of a summary.
type SummaryFailure struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Error    string `json:"error"`
}

type Summary struct {
	ProgramID string           `json:"program_id"`
	Modules   []string         `json:"modules"`
	Order     string           `json:"order"`
	Rows      []SummaryRow     `json:"rows"`
	Failures  []SummaryFailure `json:"failures"`
}

// SummaryQuery selects what a summary covers. Zero values use server defaults.
type SummaryQuery struct {
	Modules []string
	Order   string
	Workers int
	Stage   string
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProgramID  string         `json:"program_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the
// body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Gated reports whether the error is a refused stage advance.
func (e *APIError) Gated() bool {
	return e.Code == "stage_gated"
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateEntity registers a work at the first stage. An empty id lets the server pick one.
func (c *Client) CreateEntity(ctx context.Context, id, name string) (Entity, error) {
	body := map[string]any{"name": name}
	if id != "" {
		body["id"] = id
	}
	var resp Entity
	err := c.do(ctx, http.MethodPost, c.programPath("entities"), body, &resp)
	return resp, err
}

// EntityState fetches an entity with its checklist.
func (c *Client) EntityState(ctx context.Context, entityID string) (EntityState, error) {
	var resp EntityState
	err := c.do(ctx, http.MethodGet, c.entityPath(entityID, ""), nil, &resp)
	return resp, err
}

// AttachEvidence records a file for a requirement of the entity's current stage.
func (c *Client) AttachEvidence(ctx context.Context, entityID, requirementID string, file File) (Submission, error) {
	body := map[string]any{
		"file_name": file.Name,
		"file_size": file.Size,
	}
	if file.UploadedAt != "" {
		body["uploaded_at"] = file.UploadedAt
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, c.entityPath(entityID, "evidence/"+url.PathEscape(requirementID)), body, &resp)
	return resp, err
}

// ReviewEvidence approves or rejects a submitted file. Rejections need a comment.
func (c *Client) ReviewEvidence(ctx context.Context, entityID, requirementID string, approve bool, comment string) (Submission, error) {
	decision := "rejected"
	if approve {
		decision = "approved"
	}
	body := map[string]any{"decision": decision, "comment": comment}
	var resp Submission
	err := c.do(ctx, http.MethodPost, c.entityPath(entityID, "evidence/"+url.PathEscape(requirementID)+"/review"), body, &resp)
	return resp, err
}

// RemoveEvidence withdraws a file.
func (c *Client) RemoveEvidence(ctx context.Context, entityID, requirementID string) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodDelete, c.entityPath(entityID, "evidence/"+url.PathEscape(requirementID)), nil, &resp)
	return resp, err
}

// Advance moves the entity to its next stage. A refusal is an *APIError with Gated() true.
func (c *Client) Advance(ctx context.Context, entityID string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.entityPath(entityID, "advance"), nil, &resp)
	return resp, err
}

// SetStage overrides the entity's stage.
func (c *Client) SetStage(ctx context.Context, entityID, stage, reason string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.entityPath(entityID, "stage"), map[string]any{"stage": stage, "reason": reason}, &resp)
	return resp, err
}

// RecordProgress stores the raw pair of a module.
func (c *Client) RecordProgress(ctx context.Context, entityID, module string, numerator, denominator float64) error {
	body := map[string]any{"numerator": numerator, "denominator": denominator}
	return c.do(ctx, http.MethodPut, c.entityPath(entityID, "progress/"+url.PathEscape(module)), body, nil)
}

// Summary ranks the program's entities by score.
func (c *Client) Summary(ctx context.Context, q SummaryQuery) (Summary, error) {
	params := url.Values{}
	if len(q.Modules) > 0 {
		params.Set("modules", strings.Join(q.Modules, ","))
	}
	if q.Order != "" {
		params.Set("order", q.Order)
	}
	if q.Workers > 0 {
		params.Set("workers", fmt.Sprintf("%d", q.Workers))
	}
	if q.Stage != "" {
		params.Set("stage", q.Stage)
	}
	endpoint := c.programPath("summary")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp Summary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	endpoint := c.programPath("events")
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
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
	}
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
				Code    string         `json:"code"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) programPath(p string) string {
	program := url.PathEscape(c.ProgramID)
	return fmt.Sprintf("v0/programs/%s/%s", program, strings.TrimLeft(p, "/"))
}

func (c *Client) entityPath(entityID, p string) string {
	out := c.programPath("entities/" + url.PathEscape(entityID))
	if p != "" {
		out += "/" + p
	}
	return out
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
