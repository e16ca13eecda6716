package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// StaticRegistry serves canned values. It backs tests and dry runs where no real
// application server is available.
type StaticRegistry struct {
	mu sync.Mutex

	// Threads is returned by SystemThreads unless ThreadsErr is set.
	Threads    ThreadCounts
	ThreadsErr error

	// Pools maps a pool handle to its attributes.
	Pools map[string]map[string]int64

	// QueryErrs forces QueryPools to fail for a given pattern.
	QueryErrs map[string]error

	// AttrErrs forces Attribute to fail for handle+"/"+name.
	AttrErrs map[string]error

	attributeReads []string
}

// NewStaticRegistry creates a StaticRegistry with the given system counters and no pools.
func NewStaticRegistry(total, peak, daemon int) *StaticRegistry {
	return &StaticRegistry{
		Threads: ThreadCounts{Total: total, Peak: peak, Daemon: daemon},
		Pools:   make(map[string]map[string]int64),
	}
}

// AddPool registers a pool handle with the given attributes.
func (s *StaticRegistry) AddPool(handle string, attrs map[string]int64) *StaticRegistry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Pools == nil {
		s.Pools = make(map[string]map[string]int64)
	}
	s.Pools[handle] = attrs
	return s
}

func (s *StaticRegistry) SystemThreads(ctx context.Context) (ThreadCounts, error) {
	if err := ctx.Err(); err != nil {
		return ThreadCounts{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ThreadsErr != nil {
		return ThreadCounts{}, s.ThreadsErr
	}
	return s.Threads, nil
}

func (s *StaticRegistry) QueryPools(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.QueryErrs[pattern]; ok {
		return nil, err
	}

	var handles []string
	for handle := range s.Pools {
		if MatchesPattern(handle, pattern) {
			handles = append(handles, handle)
		}
	}
	sort.Strings(handles)
	return handles, nil
}

func (s *StaticRegistry) Attribute(ctx context.Context, handle, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attributeReads = append(s.attributeReads, handle+"/"+name)

	if err, ok := s.AttrErrs[handle+"/"+name]; ok {
		return 0, err
	}
	attrs, ok := s.Pools[handle]
	if !ok {
		return 0, fmt.Errorf("pool %q: %w", handle, ErrUnavailable)
	}
	v, ok := attrs[name]
	if !ok {
		return 0, fmt.Errorf("pool %q attribute %q: %w", handle, name, ErrAttributeNotFound)
	}
	return v, nil
}

// AttributeReads returns the handle/name pairs read so far, in call order.
func (s *StaticRegistry) AttributeReads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]string, len(s.attributeReads))
	copy(result, s.attributeReads)
	return result
}
