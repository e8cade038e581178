// Package types holds the wire and domain types shared across the engine:
// kernel modes and languages, execution events and records, vector
// documents and query results, agent configuration and chat chunks. It
// imports nothing from the rest of the module so every package can depend
// on it.
package types
