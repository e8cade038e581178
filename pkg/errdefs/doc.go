// Package errdefs defines the engine's error taxonomy: typed constructors
// (NotFound, Conflict, QuotaExceeded...), matching Is* predicates that see
// through wrapping, and HTTPStatus for mapping any error to a response
// code. Every user-visible failure in the engine is classified here so the
// API layer and the client agree on status codes without string matching.
package errdefs
