// Package log wraps zerolog behind a package-level logger configured once
// at startup. Components get scoped loggers via WithComponent and the
// WithKernelID / WithIndexID / WithAgentID helpers, which stamp the
// matching field on every line so a resource's lifetime can be grepped out
// of the stream. Output is JSON by default, console format when
// configured for development.
package log
