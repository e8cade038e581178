package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratehq/substrate/pkg/activity"
	"github.com/substratehq/substrate/pkg/agent"
	"github.com/substratehq/substrate/pkg/config"
	"github.com/substratehq/substrate/pkg/embedding"
	"github.com/substratehq/substrate/pkg/executor"
	"github.com/substratehq/substrate/pkg/kernel"
	"github.com/substratehq/substrate/pkg/offload"
	"github.com/substratehq/substrate/pkg/pool"
	"github.com/substratehq/substrate/pkg/types"
	"github.com/substratehq/substrate/pkg/vectordb"
)

// fakeExec replays a fixed event script instead of running a subprocess
type fakeExec struct {
	mu     sync.Mutex
	status types.KernelStatus
}

func (f *fakeExec) Start(context.Context) error { return nil }

func (f *fakeExec) Execute(context.Context, string) (<-chan types.Event, error) {
	ch := make(chan types.Event, 2)
	ch <- types.Event{Type: types.EventStream, Name: "stdout", Text: "hello\n"}
	ch <- types.Event{Type: types.EventStreamComplete, OutputCount: 1}
	close(ch)
	return ch, nil
}

func (f *fakeExec) Interrupt() error { return nil }

func (f *fakeExec) Status() types.KernelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeExec) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = types.KernelStatusDead
	return nil
}

// fakeModel always answers with a single text completion
type fakeModel struct{}

func (fakeModel) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: "test reply",
			},
		}},
	}, nil
}

func newTestServer(t *testing.T) *Server {
	return newTestServerWith(t, func(context.Context, types.KernelMode, types.KernelLanguage) (executor.Executor, error) {
		return &fakeExec{status: types.KernelStatusIdle}, nil
	})
}

func newTestServerWith(t *testing.T, factory pool.Factory) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.VectorDB.OffloadDirectory = t.TempDir()
	cfg.Agents.DataDirectory = t.TempDir()

	km := kernel.NewManager(cfg.Kernels, nil, activity.NewController(time.Second), nil)
	p := pool.New(config.Pool{
		Enabled:    true,
		Size:       2,
		AutoRefill: true,
		PreloadConfigs: []config.KernelType{
			{Mode: types.KernelModeWorker, Language: types.LanguagePython},
		},
	}, factory)
	p.Preload()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && p.Size(types.KernelModeWorker, types.LanguagePython) < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	km.SetPool(p)

	providers := embedding.NewRegistry()
	vm := vectordb.NewManager(cfg.VectorDB, offload.NewStore(cfg.VectorDB.OffloadDirectory), activity.NewController(time.Second), providers)
	am := agent.NewManager(cfg.Agents, km, func(types.ModelSettings) agent.ModelClient { return fakeModel{} })

	t.Cleanup(func() {
		km.Shutdown()
		p.Shutdown()
	})
	return New(cfg, km, vm, am, providers)
}

// do runs one request against the router with the namespace header set
func do(t *testing.T, s *Server, method, path, ns string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if ns != "" {
		req.Header.Set("X-Namespace", ns)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

func TestHealthAndCORS(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var body map[string]any
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestOptionsPreflight(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodOptions, "/api/kernels", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestKernelLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/kernels", "team-a", map[string]any{"id": "k1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sum types.KernelSummary
	decode(t, rec, &sum)
	assert.Equal(t, "team-a:k1", sum.ID)
	assert.Equal(t, types.LanguagePython, sum.Language)

	rec = do(t, s, http.MethodGet, "/api/kernels/k1", "team-a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The namespace query parameter works when the header is absent
	rec = do(t, s, http.MethodGet, "/api/kernels/k1?namespace=team-a", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Other namespaces get 404, never 403: existence is not leaked
	rec = do(t, s, http.MethodGet, "/api/kernels/k1", "team-b", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/kernels", "team-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []types.KernelSummary
	decode(t, rec, &list)
	assert.Len(t, list, 1)

	rec = do(t, s, http.MethodPost, "/api/kernels/k1/ping", "team-a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/kernels/k1", "team-a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/kernels/k1", "team-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateKernelErrors(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/kernels", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/kernels", "team-a", map[string]any{"language": "cobol"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	do(t, s, http.MethodPost, "/api/kernels", "team-a", map[string]any{"id": "k1"})
	rec = do(t, s, http.MethodPost, "/api/kernels", "team-a", map[string]any{"id": "k1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecuteStreamsNDJSON(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/api/kernels", "team-a", map[string]any{"id": "k1"})

	rec := do(t, s, http.MethodPost, "/api/kernels/k1/execute", "team-a", map[string]any{"code": "print('hello')"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var events []types.Event
	for _, line := range strings.Split(strings.TrimSpace(rec.Body.String()), "\n") {
		var ev types.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev), "line: %s", line)
		events = append(events, ev)
	}
	require.Len(t, events, 2)
	assert.Equal(t, types.EventStream, events[0].Type)
	assert.Equal(t, "hello\n", events[0].Text)
	assert.Equal(t, types.EventStreamComplete, events[1].Type)
}

func TestSubmitAndResult(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/api/kernels", "team-a", map[string]any{"id": "k1"})

	rec := do(t, s, http.MethodPost, "/api/kernels/k1/execute/submit", "team-a", map[string]any{"code": "print(1)"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var submit map[string]string
	decode(t, rec, &submit)
	sid := submit["session_id"]
	require.NotEmpty(t, sid)

	rec = do(t, s, http.MethodGet, "/api/kernels/k1/execute/result/"+sid, "team-a", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var events []types.Event
	decode(t, rec, &events)
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventStreamComplete, events[len(events)-1].Type)

	rec = do(t, s, http.MethodGet, "/api/kernels/k1/execute/result/no-such-session", "team-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// cancelAwareExec interrupts itself when its execution context is canceled,
// the way the process executor does
type cancelAwareExec struct {
	fakeExec
}

func (f *cancelAwareExec) Execute(ctx context.Context, _ string) (<-chan types.Event, error) {
	ch := make(chan types.Event, 2)
	go func() {
		defer close(ch)
		ch <- types.Event{Type: types.EventStream, Name: "stdout", Text: "42\n"}
		select {
		case <-ctx.Done():
			ch <- types.Event{Type: types.EventError, Ename: "KeyboardInterrupt", Evalue: "execution interrupted"}
		case <-time.After(100 * time.Millisecond):
			ch <- types.Event{Type: types.EventStreamComplete, OutputCount: 1}
		}
	}()
	return ch, nil
}

// A submitted execution must keep running after the submit response is
// written, even though http.Server cancels the request context at that
// point.
func TestSubmitOutlivesRequestContext(t *testing.T) {
	s := newTestServerWith(t, func(context.Context, types.KernelMode, types.KernelLanguage) (executor.Executor, error) {
		return &cancelAwareExec{fakeExec{status: types.KernelStatusIdle}}, nil
	})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	send := func(method, path string, body any) *http.Response {
		t.Helper()
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req, err := http.NewRequest(method, ts.URL+path, &buf)
		require.NoError(t, err)
		req.Header.Set("X-Namespace", "team-a")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := send(http.MethodPost, "/api/kernels", map[string]any{"id": "k1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = send(http.MethodPost, "/api/kernels/k1/execute/submit", map[string]any{"code": "6*7"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var submit map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submit))
	resp.Body.Close()
	require.NotEmpty(t, submit["session_id"])

	resp = send(http.MethodGet, "/api/kernels/k1/execute/result/"+submit["session_id"], nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []types.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	resp.Body.Close()

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, types.EventStreamComplete, last.Type, "terminator: %+v", last)
}

func TestVectorIndexLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/vectordb/indices", "team-a", map[string]any{"id": "docs"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var info vectordb.IndexInfo
	decode(t, rec, &info)
	assert.Equal(t, "team-a:docs", info.ID)
	assert.Equal(t, types.OffloadStateLive, info.State)
	assert.Equal(t, types.PermissionPrivate, info.Permission)

	rec = do(t, s, http.MethodPost, "/api/vectordb/indices/docs/documents", "team-a", map[string]any{
		"documents": []map[string]any{
			{"id": "d1", "text": "the quick brown fox"},
			{"id": "d2", "text": "sleepy lazy dogs"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var count map[string]int
	decode(t, rec, &count)
	assert.Equal(t, 2, count["documentCount"])

	rec = do(t, s, http.MethodPost, "/api/vectordb/indices/docs/query", "team-a", map[string]any{
		"query": "the quick brown fox",
		"k":     1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result struct {
		Results []types.QueryResult `json:"results"`
		Count   int                 `json:"count"`
	}
	decode(t, rec, &result)
	require.Equal(t, 1, result.Count)
	assert.Equal(t, "d1", result.Results[0].ID)

	// Offload, observe the state flip, then resume through a query
	rec = do(t, s, http.MethodPost, "/api/vectordb/indices/docs/offload", "team-a", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodGet, "/api/vectordb/indices/docs/info", "team-a", nil)
	decode(t, rec, &info)
	assert.Equal(t, types.OffloadStateOffloaded, info.State)
	assert.Equal(t, 2, info.DocumentCount)

	rec = do(t, s, http.MethodPost, "/api/vectordb/indices/docs/query", "team-a", map[string]any{"query": "fox", "k": 1})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/vectordb/indices/docs", "team-a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/vectordb/indices/docs/info", "team-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVectorPermissionStatuses(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/api/vectordb/indices", "team-a", map[string]any{"id": "secret"})

	// Foreign read of a private index maps to 403
	rec := do(t, s, http.MethodPost, "/api/vectordb/indices/team-a:secret/query", "team-b", map[string]any{"query": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/vectordb/indices/ghost/info", "team-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/vectordb/indices", "team-a", map[string]any{"id": "secret"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestProvidersAPI(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/vectordb/providers", "", map[string]any{
		"name":      "tiny",
		"type":      "mock",
		"dimension": 8,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/vectordb/providers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []embedding.ProviderInfo
	decode(t, rec, &list)
	names := make([]string, 0, len(list))
	for _, p := range list {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, "tiny")
	assert.Contains(t, names, "mock-model")

	// HTTP providers require a dimension
	rec = do(t, s, http.MethodPost, "/api/vectordb/providers", "", map[string]any{"name": "nomic"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/vectordb/providers/tiny", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodDelete, "/api/vectordb/providers/tiny", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// parseSSE extracts the JSON payloads of an SSE body
func parseSSE(t *testing.T, body string) []types.ChatChunk {
	t.Helper()
	var chunks []types.ChatChunk
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk types.ChatChunk
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk))
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestAgentChatSSE(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/agents", "team-a", map[string]any{"id": "helper"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sum types.AgentSummary
	decode(t, rec, &sum)
	assert.Equal(t, "team-a:helper", sum.ID)

	rec = do(t, s, http.MethodPost, "/api/agents/helper/chat", "team-a", map[string]any{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	chunks := parseSSE(t, rec.Body.String())
	require.Len(t, chunks, 2)
	assert.Equal(t, types.ChunkTextChunk, chunks[0].Type)
	assert.Equal(t, "test reply", chunks[0].Text)
	assert.Equal(t, types.ChunkComplete, chunks[1].Type)

	rec = do(t, s, http.MethodGet, "/api/agents/helper/conversation", "team-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var conv []types.Message
	decode(t, rec, &conv)
	require.Len(t, conv, 2)
	assert.Equal(t, "hi", conv[0].Content)
	assert.Equal(t, "test reply", conv[1].Content)

	// Stateless chat leaves the stored conversation alone
	rec = do(t, s, http.MethodPost, "/api/agents/helper/chat/stateless", "team-a", map[string]any{"message": "again"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/agents/helper/conversation", "team-a", nil)
	decode(t, rec, &conv)
	assert.Len(t, conv, 2)
}

func TestAgentUpdateAndConversation(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/api/agents", "team-a", map[string]any{"id": "a1", "name": "before"})

	rec := do(t, s, http.MethodPut, "/api/agents/a1", "team-a", map[string]any{"name": "after"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sum types.AgentSummary
	rec = do(t, s, http.MethodGet, "/api/agents/a1", "team-a", nil)
	decode(t, rec, &sum)
	assert.Equal(t, "after", sum.Name)

	rec = do(t, s, http.MethodPut, "/api/agents/a1/conversation", "team-a", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "q"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/agents/a1/conversation", "team-a", nil)
	var conv []types.Message
	decode(t, rec, &conv)
	assert.Len(t, conv, 1)

	rec = do(t, s, http.MethodDelete, "/api/agents/a1/conversation", "team-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/agents/a1/conversation", "team-a", nil)
	decode(t, rec, &conv)
	assert.Empty(t, conv)

	rec = do(t, s, http.MethodDelete, "/api/agents/a1", "team-a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/agents/a1", "team-a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentAttachKernelAPI(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/api/agents", "team-a", map[string]any{"id": "a1"})

	rec := do(t, s, http.MethodPost, "/api/agents/a1/kernel", "team-a", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sum types.AgentSummary
	rec = do(t, s, http.MethodGet, "/api/agents/a1", "team-a", nil)
	decode(t, rec, &sum)
	assert.NotEmpty(t, sum.KernelID)

	rec = do(t, s, http.MethodPost, "/api/agents/a1/kernel", "team-a", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/agents/a1/kernel", "team-a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
