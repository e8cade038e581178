/*
Package vectordb implements the substrate vector index manager: per-tenant
in-memory similarity indices with transparent disk offload and resume.

Each index is owned by a namespace, bound to an embedding provider, and
carries a permission that governs cross-namespace access. Idle indices are
snapshotted to disk in the binary_v1 offload format and dropped from memory;
the next access loads them back with identical contents.

# Architecture

	┌────────────────────── VECTOR DB MANAGER ─────────────────────┐
	│                                                               │
	│  ┌─────────────────────────────────────────────┐             │
	│  │              Manager                         │             │
	│  │  - Live instance registry                    │             │
	│  │  - Permission checks (owner / public_*)      │             │
	│  │  - Single-flight resume gate                 │             │
	│  │  - Live-instance quota                       │             │
	│  └──────┬──────────────────┬───────────────────┘             │
	│         │                  │                                  │
	│  ┌──────▼────────┐  ┌──────▼─────────────┐                   │
	│  │ vector.Index  │  │  offload.Store      │                  │
	│  │ - cosine      │  │  - metadata.json    │                  │
	│  │   similarity  │  │  - documents.json   │                  │
	│  │ - frozen      │  │  - vectors.bin      │                  │
	│  │   dimension   │  │  - atomic saves     │                  │
	│  └───────────────┘  └────────────────────┘                   │
	│         │                                                     │
	│  ┌──────▼──────────────────────────────────────┐             │
	│  │        embedding.Registry                    │             │
	│  │  - mock-model builtin                        │             │
	│  │  - HTTP providers (Ollama-compatible)        │             │
	│  │  - reference-checked removal                 │             │
	│  └─────────────────────────────────────────────┘             │
	└──────────────────────────────────────────────────────────────┘

# Permissions

Access from a foreign namespace is decided by the index permission:

	permission          read    add     write
	private             no      no      no
	public_read         yes     no      no
	public_read_add     yes     yes     no
	public_read_write   yes     yes     yes

The owner namespace passes every check. Query is a read, AddDocuments is an
add; removal, destruction, ping, timeout changes and provider changes are
writes. Offloaded indices enforce the same table from their stored metadata.

# Offload and Resume

An index is offloaded when its inactivity timeout elapses, when Offload is
called, or on engine shutdown. The snapshot is three files per index:
metadata.json, documents.json, and vectors.bin (little-endian float32 rows
in document order). Saves go through a staging directory and rename into
place, so a crash mid-save never corrupts the previous image.

Resume is transparent: any access to an offloaded index loads it back.
Concurrent accesses collapse into a single disk load. A corrupt image fails
with CorruptOffload and the files are left on disk for inspection.

# Usage

	m := vectordb.NewManager(cfg.VectorDB, store, act, providers)

	id, err := m.CreateIndex(vectordb.CreateOptions{
		ID:         "docs",
		Namespace:  "team-a",
		Permission: types.PermissionPublicRead,
	})

	_, err = m.AddDocuments(ctx, "team-a", "docs", []types.Document{
		{ID: "d1", Text: "the quick brown fox"},
	})

	results, err := m.Query(ctx, "team-a", "docs", vectordb.QueryRequest{
		Text: "quick fox",
		K:    5,
	})

# Integration Points

  - pkg/vector: the in-memory cosine-similarity index
  - pkg/offload: binary_v1 snapshot store
  - pkg/embedding: text-to-vector providers
  - pkg/activity: idle-offload sweeps
*/
package vectordb
