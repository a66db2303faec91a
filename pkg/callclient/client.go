// Package callclient is a small HTTP client for the call-manager API.
package callclient

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

	"github.com/ehr/callmanager/internal/domain/callsession"
	"github.com/ehr/callmanager/internal/domain/mcp"
)

const basePath = "/api/call-manager"

// Client talks to a running call-manager server.
type Client struct {
	BaseURL     string
	BearerToken string
	// TenantID is sent as X-Tenant-ID for multi-tenant deployments.
	TenantID   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// NotFound reports whether the server answered 404.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// HistoryQuery narrows CallHistory. Zero values are omitted.
type HistoryQuery struct {
	PatientID   string
	TherapistID string
	StartDate   string
	EndDate     string
}

func (q HistoryQuery) encode() string {
	v := url.Values{}
	if q.PatientID != "" {
		v.Set("patientId", q.PatientID)
	}
	if q.TherapistID != "" {
		v.Set("therapistId", q.TherapistID)
	}
	if q.StartDate != "" {
		v.Set("startDate", q.StartDate)
	}
	if q.EndDate != "" {
		v.Set("endDate", q.EndDate)
	}
	return v.Encode()
}

// ActiveCalls lists active calls, optionally filtered by status.
func (c *Client) ActiveCalls(ctx context.Context, status callsession.Status) ([]callsession.Call, error) {
	endpoint := "active-calls"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(string(status))
	}
	var resp []callsession.Call
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CallHistory lists archived calls.
func (c *Client) CallHistory(ctx context.Context, q HistoryQuery) ([]callsession.Call, error) {
	endpoint := "call-history"
	if qs := q.encode(); qs != "" {
		endpoint += "?" + qs
	}
	var resp []callsession.Call
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetCall fetches a call from either partition.
func (c *Client) GetCall(ctx context.Context, id string) (callsession.Call, error) {
	var resp callsession.Call
	err := c.do(ctx, http.MethodGet, callPath(id, ""), nil, &resp)
	return resp, err
}

// CreateCall schedules a new call.
func (c *Client) CreateCall(ctx context.Context, req callsession.CreateRequest) (callsession.Call, error) {
	var resp callsession.Call
	err := c.do(ctx, http.MethodPost, "create-call", req, &resp)
	return resp, err
}

// VerifyPatient records the identity check for a call.
func (c *Client) VerifyPatient(ctx context.Context, id string, v callsession.Verification) (callsession.Call, error) {
	if v.CallID == "" {
		v.CallID = id
	}
	var resp callsession.Call
	err := c.do(ctx, http.MethodPost, callPath(id, "verify"), v, &resp)
	return resp, err
}

// UpdateStatus moves a call through its lifecycle.
func (c *Client) UpdateStatus(ctx context.Context, id string, u callsession.StatusUpdate) (callsession.Call, error) {
	var resp callsession.Call
	err := c.do(ctx, http.MethodPost, callPath(id, "status"), u, &resp)
	return resp, err
}

// JoinCall joins an active call as the authenticated user.
func (c *Client) JoinCall(ctx context.Context, id string) (callsession.JoinAck, error) {
	var resp callsession.JoinAck
	err := c.do(ctx, http.MethodPost, callPath(id, "join"), nil, &resp)
	return resp, err
}

// GenerateSummary builds the summary for a completed call.
func (c *Client) GenerateSummary(ctx context.Context, id string) (callsession.Summary, error) {
	var resp callsession.Summary
	err := c.do(ctx, http.MethodPost, callPath(id, "summary"), nil, &resp)
	return resp, err
}

// Policy returns the current MCP policy.
func (c *Client) Policy(ctx context.Context) (mcp.Policy, error) {
	var resp mcp.Policy
	err := c.do(ctx, http.MethodGet, "mcp-config", nil, &resp)
	return resp, err
}

// SetPolicy replaces the MCP policy wholesale.
func (c *Client) SetPolicy(ctx context.Context, p mcp.Policy) (mcp.Policy, error) {
	var resp mcp.Policy
	err := c.do(ctx, http.MethodPost, "mcp-config", p, &resp)
	return resp, err
}

func callPath(id, action string) string {
	p := "calls/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + basePath + "/" + strings.TrimLeft(endpoint, "/")

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.TenantID != "" {
		req.Header.Set("X-Tenant-ID", c.TenantID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &msg) == nil {
			apiErr.Message = msg.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
