// Package metrics defines the engine's Prometheus collectors: kernel and
// execution counts, pool hit rates, vector index and offload activity, and
// agent chat and tool-call totals. Register installs them on the default registry and Handler
// serves the scrape endpoint. All metrics are package-level vars so any
// package can record without plumbing a registry through constructors.
package metrics
