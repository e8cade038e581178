/*
Package vector implements the in-memory similarity index: documents with
float32 vectors, queried by cosine similarity.

The index dimension is frozen by the first document added; every later
vector must match. Add is batch-atomic (a batch with one bad vector inserts
nothing) and re-adding an id overwrites in place without changing insertion
order. Queries return the top-K results, filtered by an optional score
threshold, ordered by descending score with ties broken by ascending id; a
zero-magnitude vector
scores 0 against everything rather than dividing by zero.

Snapshot and Restore convert an index to and from its offload image:
documents in insertion order with vectors row-aligned, so a
snapshot/restore round trip is bit-exact.
*/
package vector
