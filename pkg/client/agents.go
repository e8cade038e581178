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

	"github.com/substratehq/substrate/pkg/types"
)

// CreateAgent registers an agent and returns its summary
func (c *Client) CreateAgent(ctx context.Context, cfg types.AgentConfig) (*types.AgentSummary, error) {
	var out types.AgentSummary
	if err := c.do(ctx, http.MethodPost, "/api/agents", cfg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents lists the caller namespace's agents
func (c *Client) ListAgents(ctx context.Context) ([]types.AgentSummary, error) {
	var out []types.AgentSummary
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAgent returns one agent summary
func (c *Client) GetAgent(ctx context.Context, id string) (*types.AgentSummary, error) {
	var out types.AgentSummary
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAgentOptions carries the mutable agent fields; nil pointers keep
// the current value
type UpdateAgentOptions struct {
	Name          *string              `json:"name,omitempty"`
	Instructions  *string              `json:"instructions,omitempty"`
	ModelSettings *types.ModelSettings `json:"modelSettings,omitempty"`
	MaxSteps      *int                 `json:"maxSteps,omitempty"`
}

// UpdateAgent edits an agent in place
func (c *Client) UpdateAgent(ctx context.Context, id string, opts UpdateAgentOptions) error {
	return c.do(ctx, http.MethodPut, "/api/agents/"+url.PathEscape(id), opts, nil)
}

// DestroyAgent removes an agent and its attached kernel
func (c *Client) DestroyAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(id), nil, nil)
}

// ChatStream iterates agent chat chunks. Next returns io.EOF after the
// terminal complete or error chunk.
type ChatStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next chat chunk
func (s *ChatStream) Next() (types.ChatChunk, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data: "))
		var chunk types.ChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return types.ChatChunk{}, fmt.Errorf("failed to decode chunk: %w", err)
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return types.ChatChunk{}, err
	}
	return types.ChatChunk{}, io.EOF
}

// Close releases the underlying connection
func (s *ChatStream) Close() error {
	return s.body.Close()
}

func (c *Client) openChat(ctx context.Context, path string, body any) (*ChatStream, error) {
	resp, err := c.send(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &ChatStream{body: resp.Body, scanner: sc}, nil
}

// ChatWithAgent runs one turn against the agent's stored conversation
func (c *Client) ChatWithAgent(ctx context.Context, id, message string) (*ChatStream, error) {
	return c.openChat(ctx, "/api/agents/"+url.PathEscape(id)+"/chat",
		map[string]string{"message": message})
}

// ChatWithAgentStateless runs one turn against a caller-supplied history
// without touching the stored conversation
func (c *Client) ChatWithAgentStateless(ctx context.Context, id string, history []types.Message, message string) (*ChatStream, error) {
	return c.openChat(ctx, "/api/agents/"+url.PathEscape(id)+"/chat/stateless",
		map[string]any{"message": message, "history": history})
}

// GetAgentConversationHistory returns the stored conversation
func (c *Client) GetAgentConversationHistory(ctx context.Context, id string) ([]types.Message, error) {
	var out []types.Message
	if err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id)+"/conversation", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetAgentConversationHistory replaces the stored conversation
func (c *Client) SetAgentConversationHistory(ctx context.Context, id string, messages []types.Message) error {
	return c.do(ctx, http.MethodPut, "/api/agents/"+url.PathEscape(id)+"/conversation",
		map[string]any{"messages": messages}, nil)
}

// ClearAgentConversationHistory drops the stored conversation
func (c *Client) ClearAgentConversationHistory(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(id)+"/conversation", nil, nil)
}

// AttachAgentKernel creates and binds a kernel to an agent without one
func (c *Client) AttachAgentKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(id)+"/kernel", nil, nil)
}

// DetachAgentKernel unbinds and destroys the agent's kernel
func (c *Client) DetachAgentKernel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(id)+"/kernel", nil, nil)
}
