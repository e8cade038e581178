// Package storage archives completed executions so kernel history survives
// an engine restart. The default implementation is a single bbolt file with
// one bucket per kernel; records are keyed by a monotonic sequence so
// completion order is preserved. A nil Store disables archiving entirely.
package storage
