package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/substratehq/substrate/pkg/embedding"
	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/types"
	"github.com/substratehq/substrate/pkg/vectordb"
)

func (s *Server) handleListIndices(w http.ResponseWriter, r *http.Request) {
	indices, err := s.vectors.ListIndices(namespaceOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if indices == nil {
		indices = []vectordb.IndexInfo{}
	}
	writeJSON(w, http.StatusOK, indices)
}

type createIndexRequest struct {
	ID                string `json:"id"`
	Namespace         string `json:"namespace,omitempty"`
	Permission        string `json:"permission,omitempty"`
	EmbeddingProvider string `json:"embeddingProvider,omitempty"`
	EmbeddingModel    string `json:"embeddingModel,omitempty"`
	InactivityTimeout int64  `json:"inactivityTimeoutMs,omitempty"`
	Monitoring        *bool  `json:"activityMonitoring,omitempty"`
	Resume            bool   `json:"resume,omitempty"`
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var req createIndexRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ns := req.Namespace
	if ns == "" {
		ns = namespaceOf(r)
	}
	provider := req.EmbeddingProvider
	if provider == "" {
		provider = req.EmbeddingModel
	}
	id, err := s.vectors.CreateIndex(vectordb.CreateOptions{
		ID:                req.ID,
		Namespace:         ns,
		Permission:        types.Permission(req.Permission),
		Provider:          provider,
		InactivityTimeout: time.Duration(req.InactivityTimeout) * time.Millisecond,
		Monitoring:        req.Monitoring,
		Resume:            req.Resume,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.vectors.GetInfo(ns, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDestroyIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.vectors.DestroyIndex(namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleIndexInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.vectors.GetInfo(namespaceOf(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type addDocumentsRequest struct {
	Documents []types.Document `json:"documents"`
}

func (s *Server) handleAddDocuments(w http.ResponseWriter, r *http.Request) {
	var req addDocumentsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ns := namespaceOf(r)
	id := mux.Vars(r)["id"]
	if _, err := s.vectors.AddDocuments(r.Context(), ns, id, req.Documents); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.vectors.GetInfo(ns, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"documentCount": info.DocumentCount})
}

type removeDocumentsRequest struct {
	DocumentIDs []string `json:"documentIds"`
}

func (s *Server) handleRemoveDocuments(w http.ResponseWriter, r *http.Request) {
	var req removeDocumentsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ns := namespaceOf(r)
	id := mux.Vars(r)["id"]
	if err := s.vectors.RemoveDocuments(ns, id, req.DocumentIDs); err != nil {
		writeError(w, err)
		return
	}
	info, err := s.vectors.GetInfo(ns, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"documentCount": info.DocumentCount})
}

type queryRequest struct {
	Query           string    `json:"query,omitempty"`
	Vector          []float32 `json:"vector,omitempty"`
	K               int       `json:"k,omitempty"`
	Threshold       *float64  `json:"threshold,omitempty"`
	IncludeMetadata bool      `json:"includeMetadata,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	results, err := s.vectors.Query(r.Context(), namespaceOf(r), mux.Vars(r)["id"], vectordb.QueryRequest{
		Text:            req.Query,
		Vector:          req.Vector,
		K:               req.K,
		Threshold:       req.Threshold,
		IncludeMetadata: req.IncludeMetadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []types.QueryResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
		"query":   req.Query,
	})
}

func (s *Server) handlePingIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.vectors.PingIndex(namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "index pinged")
}

type indexTimeoutRequest struct {
	TimeoutMs int64 `json:"timeoutMs"`
}

func (s *Server) handleIndexTimeout(w http.ResponseWriter, r *http.Request) {
	var req indexTimeoutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TimeoutMs < 0 {
		writeError(w, errdefs.InvalidInput("timeout must not be negative"))
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if err := s.vectors.SetInactivityTimeout(namespaceOf(r), mux.Vars(r)["id"], timeout); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "timeout updated")
}

func (s *Server) handleOffloadIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.vectors.Offload(namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "index offloaded")
}

func (s *Server) handleListOffloaded(w http.ResponseWriter, r *http.Request) {
	metas, err := s.vectors.ListOffloaded(namespaceOf(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleDeleteOffloaded(w http.ResponseWriter, r *http.Request) {
	if err := s.vectors.DeleteOffloaded(namespaceOf(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

type changeProviderRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) handleChangeProvider(w http.ResponseWriter, r *http.Request) {
	var req changeProviderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.vectors.ChangeProvider(namespaceOf(r), mux.Vars(r)["id"], req.Provider); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "provider changed")
}

// Embedding provider registry

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.providers.List())
}

type providerRequest struct {
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"` // "http" (default) or "mock"
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Dimension int    `json:"dimension"`
}

func (s *Server) buildProvider(req providerRequest) (embedding.Provider, error) {
	if req.Name == "" {
		return nil, errdefs.InvalidInput("provider name is required")
	}
	switch req.Type {
	case "mock":
		return embedding.NewMockProvider(req.Name, req.Dimension), nil
	case "", "http":
		if req.Dimension <= 0 {
			return nil, errdefs.InvalidInput("provider dimension is required")
		}
		model := req.Model
		if model == "" {
			model = req.Name
		}
		baseURL := req.BaseURL
		if baseURL == "" {
			baseURL = s.cfg.VectorDB.OllamaHost
		}
		return embedding.NewHTTPProvider(req.Name, model, baseURL, req.Dimension), nil
	default:
		return nil, errdefs.InvalidInput("unknown provider type %q", req.Type)
	}
}

func (s *Server) handleAddProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.buildProvider(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.providers.Add(p); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "provider registered")
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Name = mux.Vars(r)["name"]
	p, err := s.buildProvider(req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.providers.Update(p); err != nil {
		writeError(w, err)
		return
	}
	writeAction(w, "provider updated")
}

func (s *Server) handleRemoveProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.providers.Remove(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}
