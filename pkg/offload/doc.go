/*
Package offload persists vector index snapshots to disk in the binary_v1
layout and loads them back.

Each offloaded index is a directory named by the SHA-256 of its qualified
id, holding three files:

	metadata.json    index metadata, provider binding, permission, dimension
	documents.json   documents in insertion order, vectors stripped
	vectors.bin      float32 little-endian rows, row i belongs to document i

Writes go to a staging directory first and are renamed into place, so a
crash mid-save leaves the previous snapshot intact. Load verifies the
layout and the row count against the metadata; a snapshot that fails
verification returns a corrupt-offload error and the files are left on
disk for inspection rather than deleted.

The store never interprets vectors. Snapshot and restore semantics live in
the vector package; this package owns only the on-disk format and the
hash-addressed directory scheme.
*/
package offload
