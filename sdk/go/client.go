// Package blabsdk is a small client for the housekeeper control endpoint.
package blabsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:48765"

// Client talks to a running housekeeper.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{BaseURL: baseURL, Token: token, Timeout: 60 * time.Second}
}

type Health struct {
	OK                    bool   `json:"ok"`
	State                 string `json:"state"`
	Port                  int    `json:"port"`
	RequestCount          int64  `json:"requestCount"`
	IdempotencyEntryCount int    `json:"idempotencyEntryCount"`
	TokenRequired         bool   `json:"tokenRequired"`
}

type ExecuteRequest struct {
	Instruction   string `json:"instruction"`
	AutoExecute   bool   `json:"autoExecute,omitempty"`
	ActorUsername string `json:"actorUsername,omitempty"`
}

// Entry is one execution or verification line.
type Entry struct {
	OperationID string `json:"operationId"`
	Success     bool   `json:"success"`
	Message     string `json:"message"`
}

type Execution struct {
	Entries      []Entry `json:"entries"`
	SuccessCount int     `json:"successCount"`
	FailureCount int     `json:"failureCount"`
	Summary      string  `json:"summary"`
}

type Verification struct {
	Entries []Entry `json:"entries"`
	Passed  bool    `json:"passed"`
	Summary string  `json:"summary"`
}

type Operation struct {
	Action     string            `json:"action"`
	Entity     string            `json:"entity"`
	Target     string            `json:"target,omitempty"`
	TargetHint string            `json:"target_hint,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Note       string            `json:"note,omitempty"`
}

type Plan struct {
	Operations    []Operation `json:"operations"`
	Clarification string      `json:"clarification"`
}

type Stats struct {
	Rounds           int `json:"rounds"`
	Retries          int `json:"retries"`
	ToolCalls        int `json:"toolCalls"`
	EmptyToolResults int `json:"emptyToolResults"`
}

// ExecuteResult is the execute response. Replay is set from the
// X-Idempotent-Replay header.
type ExecuteResult struct {
	RequestID           string        `json:"requestId"`
	Instruction         string        `json:"instruction"`
	Stage               string        `json:"stage"`
	Plan                Plan          `json:"plan"`
	RepairPlan          *Plan         `json:"repairPlan,omitempty"`
	Execution           *Execution    `json:"execution,omitempty"`
	Verification        *Verification `json:"verification,omitempty"`
	Trace               []string      `json:"trace"`
	Stats               Stats         `json:"stats"`
	OrphanedAttachments []string      `json:"orphanedAttachments,omitempty"`
	Replay              bool          `json:"-"`
}

type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

type SelfCheckReport struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

// Failed returns the checks that did not pass.
func (r SelfCheckReport) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
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
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health fetches the runtime status.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	_, err := c.do(ctx, http.MethodGet, "housekeeper/health", nil, nil, &resp)
	return resp, err
}

// CallOptions carry the optional execute headers.
type CallOptions struct {
	IdempotencyKey string
	RequestID      string
}

// Execute submits an instruction.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest, opts CallOptions) (ExecuteResult, error) {
	headers := map[string]string{}
	if opts.IdempotencyKey != "" {
		headers["Idempotency-Key"] = opts.IdempotencyKey
	}
	if opts.RequestID != "" {
		headers["X-Request-ID"] = opts.RequestID
	}
	var resp ExecuteResult
	h, err := c.do(ctx, http.MethodPost, "housekeeper/execute", req, headers, &resp)
	if err != nil {
		return ExecuteResult{}, err
	}
	resp.Replay = h.Get("X-Idempotent-Replay") == "true"
	return resp, nil
}

// SelfCheck runs the built-in loop checks.
func (c *Client) SelfCheck(ctx context.Context) (SelfCheckReport, error) {
	var resp SelfCheckReport
	_, err := c.do(ctx, http.MethodGet, "housekeeper/self-check", nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) (http.Header, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
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
		return resp.Header, apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.Header, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.Header, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
