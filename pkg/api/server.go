package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/substratehq/substrate/pkg/agent"
	"github.com/substratehq/substrate/pkg/config"
	"github.com/substratehq/substrate/pkg/embedding"
	"github.com/substratehq/substrate/pkg/errdefs"
	"github.com/substratehq/substrate/pkg/kernel"
	"github.com/substratehq/substrate/pkg/log"
	"github.com/substratehq/substrate/pkg/metrics"
	"github.com/substratehq/substrate/pkg/vectordb"
)

// Server is the HTTP surface over the three managers
type Server struct {
	cfg       *config.Config
	kernels   *kernel.Manager
	vectors   *vectordb.Manager
	agents    *agent.Manager
	providers *embedding.Registry

	router *mux.Router
	http   *http.Server
}

// New builds the server and its route table
func New(cfg *config.Config, kernels *kernel.Manager, vectors *vectordb.Manager, agents *agent.Manager, providers *embedding.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		kernels:   kernels,
		vectors:   vectors,
		agents:    agents,
		providers: providers,
		router:    mux.NewRouter(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:    cfg.APIAddr,
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(corsMiddleware, instrumentMiddleware)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	// Kernels
	api.HandleFunc("/kernels", s.handleListKernels).Methods(http.MethodGet)
	api.HandleFunc("/kernels", s.handleCreateKernel).Methods(http.MethodPost)
	api.HandleFunc("/kernels/{id}", s.handleGetKernel).Methods(http.MethodGet)
	api.HandleFunc("/kernels/{id}", s.handleDestroyKernel).Methods(http.MethodDelete)
	api.HandleFunc("/kernels/{id}/info", s.handleKernelInfo).Methods(http.MethodGet)
	api.HandleFunc("/kernels/{id}/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/kernels/{id}/execute/submit", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/kernels/{id}/execute/result/{sid}", s.handleResult).Methods(http.MethodGet)
	api.HandleFunc("/kernels/{id}/execute/stream/{sid}", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/kernels/{id}/ping", s.handlePingKernel).Methods(http.MethodPost)
	api.HandleFunc("/kernels/{id}/restart", s.handleRestartKernel).Methods(http.MethodPost)
	api.HandleFunc("/kernels/{id}/interrupt", s.handleInterruptKernel).Methods(http.MethodPost)

	// Vector DB
	api.HandleFunc("/vectordb/indices", s.handleListIndices).Methods(http.MethodGet)
	api.HandleFunc("/vectordb/indices", s.handleCreateIndex).Methods(http.MethodPost)
	api.HandleFunc("/vectordb/indices/{id}", s.handleDestroyIndex).Methods(http.MethodDelete)
	api.HandleFunc("/vectordb/indices/{id}/info", s.handleIndexInfo).Methods(http.MethodGet)
	api.HandleFunc("/vectordb/indices/{id}/documents", s.handleAddDocuments).Methods(http.MethodPost)
	api.HandleFunc("/vectordb/indices/{id}/documents", s.handleRemoveDocuments).Methods(http.MethodDelete)
	api.HandleFunc("/vectordb/indices/{id}/query", s.handleQuery).Methods(http.MethodPost)
	api.HandleFunc("/vectordb/indices/{id}/ping", s.handlePingIndex).Methods(http.MethodPost)
	api.HandleFunc("/vectordb/indices/{id}/timeout", s.handleIndexTimeout).Methods(http.MethodPost)
	api.HandleFunc("/vectordb/indices/{id}/offload", s.handleOffloadIndex).Methods(http.MethodPost)
	api.HandleFunc("/vectordb/offloaded", s.handleListOffloaded).Methods(http.MethodGet)
	api.HandleFunc("/vectordb/offloaded/{id}", s.handleDeleteOffloaded).Methods(http.MethodDelete)
	api.HandleFunc("/vectordb/indices/{id}/provider", s.handleChangeProvider).Methods(http.MethodPut)

	// Embedding providers
	api.HandleFunc("/vectordb/providers", s.handleListProviders).Methods(http.MethodGet)
	api.HandleFunc("/vectordb/providers", s.handleAddProvider).Methods(http.MethodPost)
	api.HandleFunc("/vectordb/providers/{name}", s.handleUpdateProvider).Methods(http.MethodPut)
	api.HandleFunc("/vectordb/providers/{name}", s.handleRemoveProvider).Methods(http.MethodDelete)

	// Agents
	api.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents", s.handleCreateAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}", s.handleUpdateAgent).Methods(http.MethodPut)
	api.HandleFunc("/agents/{id}", s.handleDestroyAgent).Methods(http.MethodDelete)
	api.HandleFunc("/agents/{id}/chat", s.handleChat).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/chat/stateless", s.handleChatStateless).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/conversation", s.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/conversation", s.handleSetConversation).Methods(http.MethodPut)
	api.HandleFunc("/agents/{id}/conversation", s.handleClearConversation).Methods(http.MethodDelete)
	api.HandleFunc("/agents/{id}/kernel", s.handleAttachKernel).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/kernel", s.handleDetachKernel).Methods(http.MethodDelete)

	s.router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.http.Addr).Msg("API server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// namespaceOf extracts the caller namespace: the X-Namespace header wins
// over the query parameter; absent both, the public namespace.
func namespaceOf(r *http.Request) string {
	if ns := r.Header.Get("X-Namespace"); ns != "" {
		return ns
	}
	return r.URL.Query().Get("namespace")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Namespace")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response code for the request metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.HTTPStatus(err), map[string]string{"error": err.Error()})
}

// actionResponse is the body of lifecycle POSTs (ping, restart, interrupt...)
type actionResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func writeAction(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, actionResponse{
		Success:   true,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.InvalidInput("bad request body: %v", err)
	}
	return nil
}
