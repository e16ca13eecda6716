// Package registry defines the boundary to the host process's management registry:
// the service that exposes system thread counters and per-connector thread-pool
// attributes by queryable handle.
//
// The registry is treated as untrusted and possibly unavailable. Adapters translate
// their transport failures into the sentinel errors below so callers can tell an
// unreachable registry from a pool that simply does not expose an attribute.
package registry

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrAttributeNotFound reports that a handle exists but does not expose the
	// requested attribute. Collectors use it to fall back to alternative names.
	ErrAttributeNotFound = errors.New("attribute not found")

	// ErrUnavailable reports that the registry could not be reached.
	ErrUnavailable = errors.New("registry unavailable")

	// ErrMalformed reports a reply that could not be interpreted as the expected type.
	ErrMalformed = errors.New("malformed registry reply")
)

// Attribute names exposed by connector thread pools.
const (
	AttrMaxThreads         = "maxThreads"
	AttrCurrentThreadsBusy = "currentThreadsBusy"
	AttrCurrentThreadCount = "currentThreadCount"
)

// ThreadCounts holds the system-wide thread counters.
type ThreadCounts struct {
	Total  int
	Peak   int
	Daemon int
}

// Registry is the capability interface consumed by the snapshot collector.
type Registry interface {
	// SystemThreads reads the mandatory system-wide thread counters.
	SystemThreads(ctx context.Context) (ThreadCounts, error)

	// QueryPools returns handles of thread pools whose name contains pattern,
	// compared case-insensitively. Order is stable for a given registry state.
	QueryPools(ctx context.Context, pattern string) ([]string, error)

	// Attribute reads a numeric attribute of the pool identified by handle.
	Attribute(ctx context.Context, handle, name string) (int64, error)
}

// MatchesPattern reports whether a pool name contains pattern, ignoring case.
// An empty pattern matches nothing.
func MatchesPattern(name, pattern string) bool {
	if pattern == "" {
		return false
	}
	return strings.Contains(strings.ToLower(name), strings.ToLower(pattern))
}
