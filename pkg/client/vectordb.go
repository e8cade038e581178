package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/substratehq/substrate/pkg/types"
	"github.com/substratehq/substrate/pkg/vectordb"
)

// CreateVectorIndexOptions configures CreateVectorIndex
type CreateVectorIndexOptions struct {
	ID                string
	Namespace         string
	Permission        types.Permission
	EmbeddingProvider string
	InactivityTimeout int64 // milliseconds, 0 for the server default
	Resume            bool
}

// CreateVectorIndex creates (or, with Resume, loads back) a vector index
func (c *Client) CreateVectorIndex(ctx context.Context, opts CreateVectorIndexOptions) (*vectordb.IndexInfo, error) {
	req := map[string]any{"id": opts.ID, "resume": opts.Resume}
	if opts.Namespace != "" {
		req["namespace"] = opts.Namespace
	}
	if opts.Permission != "" {
		req["permission"] = string(opts.Permission)
	}
	if opts.EmbeddingProvider != "" {
		req["embeddingProvider"] = opts.EmbeddingProvider
	}
	if opts.InactivityTimeout > 0 {
		req["inactivityTimeoutMs"] = opts.InactivityTimeout
	}
	var out vectordb.IndexInfo
	if err := c.do(ctx, http.MethodPost, "/api/vectordb/indices", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListVectorIndices lists the caller namespace's indices, live and offloaded
func (c *Client) ListVectorIndices(ctx context.Context) ([]vectordb.IndexInfo, error) {
	var out []vectordb.IndexInfo
	if err := c.do(ctx, http.MethodGet, "/api/vectordb/indices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetVectorIndexInfo describes an index without resuming it
func (c *Client) GetVectorIndexInfo(ctx context.Context, id string) (*vectordb.IndexInfo, error) {
	var out vectordb.IndexInfo
	if err := c.do(ctx, http.MethodGet, "/api/vectordb/indices/"+url.PathEscape(id)+"/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DestroyVectorIndex removes an index and any offloaded files
func (c *Client) DestroyVectorIndex(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/vectordb/indices/"+url.PathEscape(id), nil, nil)
}

// AddDocuments inserts documents and returns the resulting document count
func (c *Client) AddDocuments(ctx context.Context, id string, docs []types.Document) (int, error) {
	var out struct {
		DocumentCount int `json:"documentCount"`
	}
	err := c.do(ctx, http.MethodPost, "/api/vectordb/indices/"+url.PathEscape(id)+"/documents",
		map[string]any{"documents": docs}, &out)
	if err != nil {
		return 0, err
	}
	return out.DocumentCount, nil
}

// RemoveDocuments deletes documents by id; unknown ids are skipped
func (c *Client) RemoveDocuments(ctx context.Context, id string, documentIDs []string) error {
	return c.do(ctx, http.MethodDelete, "/api/vectordb/indices/"+url.PathEscape(id)+"/documents",
		map[string]any{"documentIds": documentIDs}, nil)
}

// QueryVectorIndexOptions configures QueryVectorIndex. Exactly one of Query
// (text) or Vector must be set. A nil Threshold keeps every match.
type QueryVectorIndexOptions struct {
	Query           string
	Vector          []float32
	K               int
	Threshold       *float64
	IncludeMetadata bool
}

// QueryVectorIndex runs a similarity search
func (c *Client) QueryVectorIndex(ctx context.Context, id string, opts QueryVectorIndexOptions) ([]types.QueryResult, error) {
	req := map[string]any{
		"query":           opts.Query,
		"k":               opts.K,
		"includeMetadata": opts.IncludeMetadata,
	}
	if opts.Threshold != nil {
		req["threshold"] = *opts.Threshold
	}
	if len(opts.Vector) > 0 {
		req["vector"] = opts.Vector
	}
	var out struct {
		Results []types.QueryResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "/api/vectordb/indices/"+url.PathEscape(id)+"/query", req, &out)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

// PingVectorIndex resets the index's idle clock, resuming it if offloaded
func (c *Client) PingVectorIndex(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/vectordb/indices/"+url.PathEscape(id)+"/ping", nil, nil)
}

// SetVectorIndexTimeout updates the index's idle-offload timeout in
// milliseconds
func (c *Client) SetVectorIndexTimeout(ctx context.Context, id string, timeoutMs int64) error {
	return c.do(ctx, http.MethodPost, "/api/vectordb/indices/"+url.PathEscape(id)+"/timeout",
		map[string]int64{"timeoutMs": timeoutMs}, nil)
}

// OffloadVectorIndex forces an immediate offload to disk
func (c *Client) OffloadVectorIndex(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/vectordb/indices/"+url.PathEscape(id)+"/offload", nil, nil)
}

// ListOffloadedIndices returns metadata for the namespace's offloaded indices
func (c *Client) ListOffloadedIndices(ctx context.Context) (map[string]types.IndexMetadata, error) {
	var out map[string]types.IndexMetadata
	if err := c.do(ctx, http.MethodGet, "/api/vectordb/offloaded", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteOffloadedIndex removes an offloaded index's files without resuming it
func (c *Client) DeleteOffloadedIndex(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/vectordb/offloaded/"+url.PathEscape(id), nil, nil)
}

// ChangeIndexEmbeddingProvider rebinds an index to another provider
func (c *Client) ChangeIndexEmbeddingProvider(ctx context.Context, id, provider string) error {
	return c.do(ctx, http.MethodPut, "/api/vectordb/indices/"+url.PathEscape(id)+"/provider",
		map[string]string{"provider": provider}, nil)
}

// EmbeddingProviderSpec describes a provider for registration
type EmbeddingProviderSpec struct {
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Dimension int    `json:"dimension"`
}

// ListEmbeddingProviders lists the registered providers
func (c *Client) ListEmbeddingProviders(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/vectordb/providers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddEmbeddingProvider registers a provider
func (c *Client) AddEmbeddingProvider(ctx context.Context, spec EmbeddingProviderSpec) error {
	return c.do(ctx, http.MethodPost, "/api/vectordb/providers", spec, nil)
}

// UpdateEmbeddingProvider replaces a registered provider
func (c *Client) UpdateEmbeddingProvider(ctx context.Context, spec EmbeddingProviderSpec) error {
	return c.do(ctx, http.MethodPut, "/api/vectordb/providers/"+url.PathEscape(spec.Name), spec, nil)
}

// RemoveEmbeddingProvider unregisters a provider; refused while referenced
func (c *Client) RemoveEmbeddingProvider(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/vectordb/providers/"+url.PathEscape(name), nil, nil)
}
