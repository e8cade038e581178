// Package namespace handles qualified resource names of the form
// "<namespace>:<local-id>". Resolve turns a caller-relative reference into
// a qualified name; Split and Join convert between the two forms. A bare
// reference always resolves into the caller's own namespace, so a caller
// can only reach foreign resources by naming them explicitly.
package namespace
