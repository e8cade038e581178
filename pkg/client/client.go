package client

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

	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/kernel"
	"github.com/substratehq/substrate/pkg/types"
)

// Client talks to the substrate HTTP API. Method names follow the engine's
// RPC naming contract, so code written against the RPC surface ports
// directly.
type Client struct {
	baseURL   string
	namespace string
	http      *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithNamespace scopes every request to the given caller namespace
func WithNamespace(ns string) Option {
	return func(c *Client) { c.namespace = ns }
}

// WithHTTPClient substitutes the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the engine at baseURL, e.g.
// "http://localhost:8787".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do issues a JSON request and decodes the response into out (skipped when
// out is nil). Error responses map back onto the errdefs taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.namespace != "" {
		req.Header.Set("X-Namespace", c.namespace)
	}
	return c.http.Do(req)
}

// decodeError rebuilds an errdefs error from an API error response
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return errdefs.NotFound("%s", msg)
	case http.StatusForbidden:
		return errdefs.PermissionDenied("%s", msg)
	case http.StatusTooManyRequests:
		return errdefs.QuotaExceeded("%s", msg)
	case http.StatusBadRequest:
		return errdefs.InvalidInput("%s", msg)
	case http.StatusConflict:
		return errdefs.Conflict("%s", msg)
	case http.StatusGatewayTimeout:
		return errdefs.Timeout("%s", msg)
	default:
		return fmt.Errorf("request failed: %s", msg)
	}
}

// CreateKernelOptions configures CreateKernel
type CreateKernelOptions struct {
	ID       string
	Mode     types.KernelMode
	Language types.KernelLanguage
}

// CreateKernel allocates a kernel and returns its summary
func (c *Client) CreateKernel(ctx context.Context, opts CreateKernelOptions) (*types.KernelSummary, error) {
	req := map[string]string{}
	if opts.ID != "" {
		req["id"] = opts.ID
	}
	if opts.Mode != "" {
		req["mode"] = string(opts.Mode)
	}
	if opts.Language != "" {
		req["language"] = string(opts.Language)
	}
	var out types.KernelSummary
	if err := c.do(ctx, http.MethodPost, "/api/kernels", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListKernels lists the caller namespace's kernels
func (c *Client) ListKernels(ctx context.Context) ([]types.KernelSummary, error) {
	var out []types.KernelSummary
	if err := c.do(ctx, http.MethodGet, "/api/kernels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetKernel returns one kernel summary
func (c *Client) GetKernel(ctx context.Context, id string) (*types.KernelSummary, error) {
	var out types.KernelSummary
	if err := c.do(ctx, http.MethodGet, "/api/kernels/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetKernelInfo returns kernel details including execution history
func (c *Client) GetKernelInfo(ctx context.Context, id string) (*kernel.Info, error) {
	var out kernel.Info
	if err := c.do(ctx, http.MethodGet, "/api/kernels/"+url.PathEscape(id)+"/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DestroyKernel destroys a kernel
func (c *Client) DestroyKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/kernels/"+url.PathEscape(id), nil, nil)
}

// PingKernel resets the kernel's idle timer
func (c *Client) PingKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/kernels/"+url.PathEscape(id)+"/ping", nil, nil)
}

// RestartKernel replaces the kernel's interpreter, wiping its state
func (c *Client) RestartKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/kernels/"+url.PathEscape(id)+"/restart", nil, nil)
}

// InterruptKernel interrupts an in-flight execution
func (c *Client) InterruptKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/kernels/"+url.PathEscape(id)+"/interrupt", nil, nil)
}

// EventStream iterates execution events. Next returns io.EOF after the
// terminator.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next event in the stream
func (s *EventStream) Next() (types.Event, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		// SSE frames carry a "data: " prefix, NDJSON lines do not
		line = bytes.TrimPrefix(line, []byte("data: "))
		var ev types.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return types.Event{}, fmt.Errorf("failed to decode event: %w", err)
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return types.Event{}, err
	}
	return types.Event{}, io.EOF
}

// Close releases the underlying connection
func (s *EventStream) Close() error {
	return s.body.Close()
}

func newEventStream(body io.ReadCloser) *EventStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &EventStream{body: body, scanner: sc}
}

// ExecuteCode runs code on a kernel, streaming events as they are
// produced. The caller must drain or close the stream.
func (c *Client) ExecuteCode(ctx context.Context, kernelID, code string) (*EventStream, error) {
	resp, err := c.send(ctx, http.MethodPost,
		"/api/kernels/"+url.PathEscape(kernelID)+"/execute", map[string]string{"code": code})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return newEventStream(resp.Body), nil
}

// SubmitExecution starts an execution without following it, returning the
// session id
func (c *Client) SubmitExecution(ctx context.Context, kernelID, code string) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	err := c.do(ctx, http.MethodPost,
		"/api/kernels/"+url.PathEscape(kernelID)+"/execute/submit", map[string]string{"code": code}, &out)
	if err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// GetExecutionResult blocks until the session is terminal and returns its
// full event transcript
func (c *Client) GetExecutionResult(ctx context.Context, kernelID, sessionID string) ([]types.Event, error) {
	var out []types.Event
	err := c.do(ctx, http.MethodGet,
		"/api/kernels/"+url.PathEscape(kernelID)+"/execute/result/"+url.PathEscape(sessionID), nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StreamExecution follows a session: backlog first, then live events
func (c *Client) StreamExecution(ctx context.Context, kernelID, sessionID string) (*EventStream, error) {
	resp, err := c.send(ctx, http.MethodGet,
		"/api/kernels/"+url.PathEscape(kernelID)+"/execute/stream/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return newEventStream(resp.Body), nil
}
