/*
Package embedding turns text into vectors and manages the provider
registry.

Three provider kinds are supported: mock (deterministic hash-based
vectors, no network, any dimension), ollama (local Ollama server), and
http (any OpenAI-compatible /v1/embeddings endpoint). The registry maps
model names to providers and starts with mock-model pre-registered so a
fresh engine can embed without configuration.

Providers are reference-counted by the indices bound to them: Update and
Remove refuse while any index, live or offloaded, still references the
model. The reference check is injected by the vectordb manager; the
registry itself stays storage-agnostic.

Embed calls are batch-in, batch-out and preserve input order. A provider
whose upstream fails returns an embedding-provider error so callers can
distinguish infrastructure failures from bad input.
*/
package embedding
