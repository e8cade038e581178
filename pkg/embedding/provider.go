package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/substratehq/substrate/pkg/errdefs"
)

// Provider turns text into a fixed-dimension embedding vector
type Provider interface {
	Name() string
	Type() string
	Dimension() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MockProvider yields deterministic pseudo-random unit vectors derived from
// the text hash. Used by tests and as the built-in default.
type MockProvider struct {
	name      string
	dimension int
}

// NewMockProvider creates a mock provider
func NewMockProvider(name string, dimension int) *MockProvider {
	if dimension <= 0 {
		dimension = 384
	}
	return &MockProvider{name: name, dimension: dimension}
}

func (p *MockProvider) Name() string   { return p.name }
func (p *MockProvider) Type() string   { return "mock" }
func (p *MockProvider) Dimension() int { return p.dimension }

// Embed returns the unit vector seeded by the FNV-1a hash of text.
// The same text always yields the same vector.
func (p *MockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, p.dimension)
	var sum float64
	for i := range vec {
		v := rng.Float64()*2 - 1
		vec[i] = float32(v)
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// HTTPProvider calls an Ollama-style embeddings endpoint:
// POST <baseURL>/api/embeddings {"model": ..., "prompt": ...}.
type HTTPProvider struct {
	name      string
	model     string
	baseURL   string
	dimension int
	client    *http.Client
}

// NewHTTPProvider creates a remote provider. The dimension is fixed at
// registration and enforced against every response.
func NewHTTPProvider(name, model, baseURL string, dimension int) *HTTPProvider {
	return &HTTPProvider{
		name:      name,
		model:     model,
		baseURL:   baseURL,
		dimension: dimension,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPProvider) Name() string   { return p.name }
func (p *HTTPProvider) Type() string   { return "http" }
func (p *HTTPProvider) Dimension() int { return p.dimension }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed requests an embedding from the remote endpoint. Unreachable
// backends and dimension mismatches surface as EmbeddingProviderError.
func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errdefs.EmbeddingProvider("provider %q unreachable: %v", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.EmbeddingProvider("provider %q returned status %d", p.name, resp.StatusCode)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, errdefs.EmbeddingProvider("provider %q returned bad response: %v", p.name, err)
	}
	if len(er.Embedding) != p.dimension {
		return nil, errdefs.EmbeddingProvider("provider %q returned dimension %d, expected %d",
			p.name, len(er.Embedding), p.dimension)
	}
	vec := make([]float32, len(er.Embedding))
	for i, v := range er.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
