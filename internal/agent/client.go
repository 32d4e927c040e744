// Package agent talks to the execution agent running inside a detonation
// environment. Calls are plain HTTP; the sample is sent as multipart.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/detonator/internal/domain"
)

var (
	ErrUnreachable = errors.New("agent unreachable")
	ErrLocked      = errors.New("agent lock held by another client")
	ErrNotLocked   = errors.New("agent lock not held")
	ErrUnexpected  = errors.New("agent unexpected response")
)

type APIError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("agent %s failed (status=%d)", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("agent %s failed (status=%d): %s", e.Path, e.StatusCode, body)
}

type Options struct {
	// Retries caps the reachability checks and lock attempts.
	Retries       int
	RetryInterval time.Duration
	MaxBackoff    time.Duration
	Timeout       time.Duration
	// Logf receives one line per retry attempt.
	Logf func(format string, args ...any)
}

func (o Options) withDefaults() Options {
	if o.Retries <= 0 {
		o.Retries = 60
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Logf == nil {
		o.Logf = func(string, ...any) {}
	}
	return o
}

type Client struct {
	baseURL  string
	traceURL string
	opts     Options
	http     *http.Client
	sleep    func(ctx context.Context, d time.Duration) error
}

// New returns a client for the agent at host:port. A zero tracePort
// disables the trace subsystem calls.
func New(host string, port, tracePort int, opts Options) (*Client, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, errors.New("agent host is required")
	}
	if port <= 0 {
		return nil, errors.New("agent port is required")
	}
	traceURL := ""
	if tracePort > 0 {
		traceURL = "http://" + net.JoinHostPort(host, strconv.Itoa(tracePort))
	}
	return NewWithBaseURL("http://"+net.JoinHostPort(host, strconv.Itoa(port)), traceURL, opts)
}

func NewWithBaseURL(baseURL, traceURL string, opts Options) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("agent base url is required")
	}
	opts = opts.withDefaults()
	return &Client{
		baseURL:  baseURL,
		traceURL: strings.TrimRight(strings.TrimSpace(traceURL), "/"),
		opts:     opts,
		http:     &http.Client{Timeout: opts.Timeout},
		sleep:    sleepContext,
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) TraceEnabled() bool { return c.traceURL != "" }

// Reachable polls the agent until it answers or the retry budget is spent.
func (c *Client) Reachable(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.Retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
		if err != nil {
			return err
		}
		if lastErr = c.do(req, nil); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt%10 == 0 {
			c.opts.Logf("agent not reachable yet (attempt %d/%d): %v", attempt, c.opts.Retries, lastErr)
		}
		if attempt < c.opts.Retries {
			if err := c.sleep(ctx, c.opts.RetryInterval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrUnreachable, c.opts.Retries, lastErr)
}

// AcquireLock takes the agent's single execution lock, backing off while
// another client holds it.
func (c *Client) AcquireLock(ctx context.Context) error {
	backoff := c.opts.RetryInterval
	var lastErr error
	for attempt := 1; attempt <= c.opts.Retries; attempt++ {
		lastErr = c.post(ctx, "/lock")
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.opts.Logf("agent lock attempt %d/%d failed: %v", attempt, c.opts.Retries, lastErr)
		if attempt == c.opts.Retries {
			break
		}
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
	return fmt.Errorf("acquire agent lock: %w", lastErr)
}

func (c *Client) ReleaseLock(ctx context.Context) error {
	return c.post(ctx, "/unlock")
}

func (c *Client) ClearLogs(ctx context.Context) error {
	return c.post(ctx, "/logs/clear")
}

// Sample is the file handed to the agent.
type Sample struct {
	Filename string
	Body     io.Reader
}

type ExecRequest struct {
	Sample   Sample
	DropPath string
	Args     string
	Mode     domain.ExecMode
	Runtime  time.Duration
}

type ExecResult struct {
	PID    int    `json:"pid"`
	Status string `json:"status"`
}

// Execute uploads the sample and starts it according to the request mode.
func (c *Client) Execute(ctx context.Context, in ExecRequest) (ExecResult, error) {
	if strings.TrimSpace(in.Sample.Filename) == "" || in.Sample.Body == nil {
		return ExecResult{}, errors.New("sample is required")
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"drop_path": in.DropPath,
		"args":      in.Args,
		"mode":      string(in.Mode),
		"runtime":   strconv.Itoa(int(in.Runtime / time.Second)),
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return ExecResult{}, fmt.Errorf("write %s field: %w", name, err)
		}
	}
	part, err := mw.CreateFormFile("file", in.Sample.Filename)
	if err != nil {
		return ExecResult{}, fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, in.Sample.Body); err != nil {
		return ExecResult{}, fmt.Errorf("copy sample: %w", err)
	}
	if err := mw.Close(); err != nil {
		return ExecResult{}, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", &buf)
	if err != nil {
		return ExecResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out ExecResult
	if err := c.do(req, &out); err != nil {
		return ExecResult{}, err
	}
	return out, nil
}

// Output returns the raw execution output recorded by the agent.
func (c *Client) Output(ctx context.Context) (string, error) {
	return c.getText(ctx, c.baseURL, "/output")
}

// Logs returns the raw local endpoint-detection log text.
func (c *Client) Logs(ctx context.Context) (string, error) {
	return c.getText(ctx, c.baseURL, "/logs")
}

func (c *Client) Kill(ctx context.Context) error {
	return c.post(ctx, "/kill")
}

func (c *Client) StartTrace(ctx context.Context) error {
	if c.traceURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.traceURL+"/trace/start", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) TraceOutput(ctx context.Context) (string, error) {
	if c.traceURL == "" {
		return "", nil
	}
	return c.getText(ctx, c.traceURL, "/trace/output")
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) getText(ctx context.Context, base, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return "", err
	}
	var out textBody
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

type textBody struct {
	Text string
}

func (t *textBody) decode(contentType string, body []byte) error {
	if !strings.HasPrefix(contentType, "application/json") {
		t.Text = string(body)
		return nil
	}
	var wrapped struct {
		Output string `json:"output"`
		Logs   string `json:"logs"`
		Trace  string `json:"trace"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return err
	}
	switch {
	case wrapped.Output != "":
		t.Text = wrapped.Output
	case wrapped.Logs != "":
		t.Text = wrapped.Logs
	default:
		t.Text = wrapped.Trace
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		switch v := out.(type) {
		case nil:
			return nil
		case *textBody:
			if err := v.decode(resp.Header.Get("Content-Type"), body); err != nil {
				return fmt.Errorf("%w: decode %s: %v", ErrUnexpected, req.URL.Path, err)
			}
			return nil
		default:
			if len(bytes.TrimSpace(body)) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("%w: decode %s: %v", ErrUnexpected, req.URL.Path, err)
			}
			return nil
		}
	case http.StatusConflict, http.StatusLocked:
		return ErrLocked
	case http.StatusPreconditionFailed:
		return ErrNotLocked
	default:
		return &APIError{Path: req.URL.Path, StatusCode: resp.StatusCode, Body: string(body)}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
