package namespace

import (
	"strings"
)

// Public is the implicit namespace of resources named without a colon
const Public = ""

// Split breaks a qualified resource name "<namespace>:<local-id>" into its
// namespace and local id. A name with no colon belongs to the public
// namespace.
func Split(name string) (ns, id string) {
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return Public, name
}

// Join builds a qualified resource name. Public-namespace resources keep
// their bare local id.
func Join(ns, id string) string {
	if ns == Public {
		return id
	}
	return ns + ":" + id
}

// Owns reports whether the qualified name belongs to the given namespace
func Owns(ns, name string) bool {
	owner, _ := Split(name)
	return owner == ns
}

// Resolve canonicalizes a resource reference. A bare id is scoped to the
// caller namespace; a qualified "<ns>:<id>" reference names the resource
// namespace explicitly, which may differ from the caller's (the permission
// layer decides whether the cross-namespace access is admitted).
func Resolve(callerNS, ref string) string {
	embedded, id := Split(ref)
	if embedded == Public {
		return Join(callerNS, id)
	}
	return Join(embedded, id)
}
