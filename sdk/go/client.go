// Package nightlobstersdk is a small client for the Night Lobster HTTP API.
package nightlobstersdk

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

// Client talks to one API base URL, e.g. http://127.0.0.1:8787/v1.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id; servers with auth disabled use it.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Purpose   string `json:"purpose,omitempty"`
	CreatedAt string `json:"created_at"`
}

type Mission struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	Title           string          `json:"title"`
	Objective       string          `json:"objective"`
	Constraints     json.RawMessage `json:"constraints,omitempty"`
	SuccessCriteria []string        `json:"success_criteria"`
	Status          string          `json:"status"`
	ScheduledFor    string          `json:"scheduled_for,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

type CreateMissionInput struct {
	ProjectID       string         `json:"project_id"`
	Title           string         `json:"title"`
	Objective       string         `json:"objective"`
	Constraints     map[string]any `json:"constraints,omitempty"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
	Status          string         `json:"status,omitempty"`
	ScheduledFor    string         `json:"scheduled_for,omitempty"`
}

type Handoff struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	MissionID      string          `json:"mission_id"`
	TargetMode     string          `json:"target_mode"`
	Status         string          `json:"status"`
	SourceProvider string          `json:"source_provider"`
	Envelope       json.RawMessage `json:"envelope"`
	CreatedAt      string          `json:"created_at"`
}

// Score mirrors the run score payload.
type Score struct {
	PreReview *struct {
		Score float64 `json:"score"`
	} `json:"pre_review"`
	PostReview *struct {
		Score float64 `json:"score"`
	} `json:"post_review,omitempty"`
	Error string `json:"error,omitempty"`
}

type Run struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	MissionID string `json:"mission_id"`
	HandoffID string `json:"handoff_id,omitempty"`
	Status    string `json:"status"`
	Score     *Score `json:"score,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
	EndedAt   string `json:"ended_at,omitempty"`
	CreatedAt string `json:"created_at"`
}

type QueueResult struct {
	RunID   string `json:"run_id"`
	Deduped bool   `json:"deduped"`
}

type Report struct {
	ID          string          `json:"id"`
	Report      json.RawMessage `json:"report"`
	SummaryText string          `json:"summary_text"`
}

type Outcome struct {
	RecommendationID string `json:"recommendation_id"`
	Outcome          string `json:"outcome"`
	Reason           string `json:"reason,omitempty"`
}

type MorningBundle struct {
	Run
	Mission   Mission   `json:"mission"`
	Report    *Report   `json:"report"`
	Outcomes  []Outcome `json:"recommendation_outcomes"`
	Decisions []struct {
		ID       string `json:"id"`
		Question string `json:"question"`
		Status   string `json:"status"`
	} `json:"decisions"`
}

type Evaluation struct {
	UsefulnessRating  int       `json:"usefulness_rating"`
	BrevityRating     int       `json:"brevity_rating"`
	TrustRating       int       `json:"trust_rating"`
	Notes             string    `json:"notes,omitempty"`
	FlaggedIssueTypes []string  `json:"flagged_issue_types,omitempty"`
	Outcomes          []Outcome `json:"outcomes,omitempty"`
}

type EvaluationResult struct {
	OK        bool   `json:"ok"`
	RunID     string `json:"run_id"`
	PostScore struct {
		Score float64 `json:"score"`
	} `json:"post_score"`
}

type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type EventQuery struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	// Cursor pages forward from an event id; empty returns the newest events.
	Cursor string
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) CreateProject(ctx context.Context, name, purpose string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"name": name, "purpose": purpose}, &resp)
	return resp, err
}

func (c *Client) CreateMission(ctx context.Context, in CreateMissionInput) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", in, &resp)
	return resp, err
}

// CreateHandoff stores an envelope. envelope may be raw JSON or any value
// that marshals to the envelope shape.
func (c *Client) CreateHandoff(ctx context.Context, envelope any) (Handoff, error) {
	var resp Handoff
	err := c.do(ctx, http.MethodPost, "handoffs", envelope, &resp)
	return resp, err
}

func (c *Client) QueueRun(ctx context.Context, handoffID string) (QueueResult, error) {
	var resp QueueResult
	err := c.do(ctx, http.MethodPost, "runs/from-handoff", map[string]any{"handoff_id": handoffID}, &resp)
	return resp, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

func (c *Client) Morning(ctx context.Context, runID string) (MorningBundle, error) {
	var resp MorningBundle
	err := c.do(ctx, http.MethodGet, "morning/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

func (c *Client) SubmitEvaluation(ctx context.Context, runID string, ev Evaluation) (EvaluationResult, error) {
	var resp EvaluationResult
	err := c.do(ctx, http.MethodPost, "morning/"+url.PathEscape(runID)+"/evaluation", ev, &resp)
	return resp, err
}

// Events returns one page of the event log.
func (c *Client) Events(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("project_id", q.ProjectID)
	set("type", q.Type)
	set("entity_kind", q.EntityKind)
	set("entity_id", q.EntityID)
	set("cursor", q.Cursor)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "events"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	case json.RawMessage:
		buf.Write(b)
	default:
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
