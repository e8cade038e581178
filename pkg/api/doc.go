/*
Package api implements the substrate HTTP API: the REST surface over the
kernel, vector DB and agent managers.

# Architecture

	┌───────────────────────── API SERVER ─────────────────────────┐
	│                                                               │
	│  ┌─────────────────────────────────────────────┐             │
	│  │            gorilla/mux Router                │             │
	│  │  - CORS middleware (permissive)              │             │
	│  │  - Request metrics by route template         │             │
	│  └──────┬───────────┬───────────┬──────────────┘             │
	│         │           │           │                             │
	│  ┌──────▼─────┐ ┌───▼──────┐ ┌──▼─────────┐                  │
	│  │ /api/      │ │ /api/    │ │ /api/      │                  │
	│  │ kernels    │ │ vectordb │ │ agents     │                  │
	│  └────────────┘ └──────────┘ └────────────┘                  │
	│                                                               │
	│  /health    liveness probe                                    │
	│  /metrics   Prometheus exposition                             │
	└──────────────────────────────────────────────────────────────┘

# Namespacing

The caller namespace comes from the X-Namespace header, falling back to the
namespace query parameter, falling back to the public namespace (""). Path
references may embed a namespace prefix ("team-a:docs") for the resources
that allow cross-namespace access.

# Streaming

Three endpoints stream instead of returning a single body:

  - POST /api/kernels/{id}/execute streams NDJSON: one JSON event per
    line, terminator last. A client that disconnects mid-stream
    interrupts the execution.
  - GET /api/kernels/{id}/execute/stream/{sid} replays and follows a
    session over SSE ("data: <json>" frames).
  - POST /api/agents/{id}/chat (and /chat/stateless) streams chat chunks
    over SSE. A disconnect does not abort the turn; the engine finishes
    it and persists the conversation.

# Errors

Handlers map the error taxonomy onto HTTP statuses: NotFound 404,
PermissionDenied 403, QuotaExceeded 429, InvalidInput 400, Conflict 409,
Timeout 504, everything else 500. Error bodies are {"error": "<message>"}.

# Usage

	srv := api.New(cfg, kernels, vectors, agents, providers)
	go srv.Start()
	...
	srv.Shutdown(ctx)
*/
package api
