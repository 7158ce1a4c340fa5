// Package warehouse provides a client for the remote SQL warehouse
// statement API: submit a statement, poll until a terminal state, parse
// inline results.
package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrExecution indicates the backend reported a statement failure, or
	// statement I/O failed after submission.
	ErrExecution = errors.New("statement execution failed")
	// ErrProtocol indicates the backend reported a state this client does
	// not understand.
	ErrProtocol = errors.New("unexpected statement state")
)

// Statement states reported by the warehouse API.
const (
	statePending   = "PENDING"
	stateRunning   = "RUNNING"
	stateSucceeded = "SUCCEEDED"
	stateFailed    = "FAILED"
)

// Parameter is a named value bound into a statement. All caller data goes
// through parameters; statement text never embeds user input.
type Parameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

// Config holds warehouse client configuration.
type Config struct {
	Host        string
	Token       string
	WarehouseID string

	// StatementTimeout bounds total polling time for one statement.
	StatementTimeout time.Duration
	// PollInterval is the fixed delay between status polls.
	PollInterval time.Duration
	// SubmitRetries caps retry attempts for transient submission failures.
	SubmitRetries int
	// SubmitBackoff is the base delay for submission retry backoff.
	SubmitBackoff time.Duration

	// Shared connection pool bounds; one pool serves all sessions.
	MaxConns        int
	MaxConnsPerHost int
}

func (c Config) withDefaults() Config {
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SubmitRetries <= 0 {
		c.SubmitRetries = 3
	}
	if c.SubmitBackoff <= 0 {
		c.SubmitBackoff = 2 * time.Second
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 20
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 10
	}
	return c
}

// Client executes SQL statements against the warehouse over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
	url  string
}

// New creates a warehouse client with a bounded keep-alive connection pool.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	transport := &http.Transport{
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		MaxIdleConns:        cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     60 * time.Second,
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   3 * time.Minute,
		},
		url: strings.TrimRight(cfg.Host, "/") + "/api/2.0/sql/statements/",
	}
}

type statementRequest struct {
	WarehouseID string      `json:"warehouse_id"`
	Statement   string      `json:"statement"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	Disposition string      `json:"disposition"`
	WaitTimeout string      `json:"wait_timeout"`
}

type statementResponse struct {
	StatementID string `json:"statement_id"`
	Status      struct {
		State string `json:"state"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"status"`
	Manifest struct {
		Schema struct {
			Columns []struct {
				Name string `json:"name"`
			} `json:"columns"`
		} `json:"schema"`
	} `json:"manifest"`
	Result struct {
		DataArray [][]any `json:"data_array"`
	} `json:"result"`
}

// Execute submits one statement and returns rows as column-name keyed maps.
// Submission retries transient network failures with exponential backoff;
// poll failures are surfaced immediately as execution failures.
func (c *Client) Execute(ctx context.Context, statement string, params []Parameter) ([]map[string]any, error) {
	resp, err := c.submit(ctx, statement, params)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.StatementTimeout)
	for resp.Status.State == statePending || resp.Status.State == stateRunning {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: statement %s still %s after %s",
				ErrExecution, resp.StatementID, resp.Status.State, c.cfg.StatementTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrExecution, ctx.Err())
		case <-time.After(c.cfg.PollInterval):
		}

		resp, err = c.poll(ctx, resp.StatementID)
		if err != nil {
			return nil, fmt.Errorf("%w: poll: %v", ErrExecution, err)
		}
	}

	switch resp.Status.State {
	case stateSucceeded:
		return parseRows(resp), nil
	case stateFailed:
		return nil, fmt.Errorf("%w: %s", ErrExecution, resp.Status.Error.Message)
	default:
		return nil, fmt.Errorf("%w: %q", ErrProtocol, resp.Status.State)
	}
}

// submit posts the statement, retrying transient network failures.
func (c *Client) submit(ctx context.Context, statement string, params []Parameter) (*statementResponse, error) {
	body, err := json.Marshal(statementRequest{
		WarehouseID: c.cfg.WarehouseID,
		Statement:   statement,
		Parameters:  params,
		Disposition: "INLINE",
		WaitTimeout: "10s",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal statement request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.SubmitBackoff * time.Duration(1<<(attempt-1))
			slog.Debug("Statement submission failed, retrying",
				"attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrExecution, ctx.Err())
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build statement request: %w", err)
		}
		c.setHeaders(req)

		httpResp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := decodeResponse(httpResp)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	return nil, fmt.Errorf("%w: submit after %d attempts: %v", ErrExecution, c.cfg.SubmitRetries, lastErr)
}

// poll fetches the current status of a submitted statement. Not retried: a
// poll I/O failure is an execution failure.
func (c *Client) poll(ctx context.Context, statementID string) (*statementResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+statementID, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}
	c.setHeaders(req)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	return decodeResponse(httpResp)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
}

func decodeResponse(httpResp *http.Response) (*statementResponse, error) {
	defer func() {
		if closeErr := httpResp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close statement response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrExecution, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: statement API status %d: %s",
			ErrExecution, httpResp.StatusCode, truncate(string(raw), 512))
	}

	var resp statementResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrProtocol, err)
	}
	return &resp, nil
}

func parseRows(resp *statementResponse) []map[string]any {
	cols := resp.Manifest.Schema.Columns
	rows := make([]map[string]any, 0, len(resp.Result.DataArray))
	for _, raw := range resp.Result.DataArray {
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if i < len(raw) {
				row[col.Name] = raw[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
