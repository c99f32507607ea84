package llm

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultMaxInFlight bounds concurrent calls when no limit is configured.
const DefaultMaxInFlight = 64

type inflightCall struct {
	info   CallInfo
	cancel context.CancelFunc
}

// registry tracks accepted calls so they can be listed and cancelled.
type registry struct {
	mu    sync.Mutex
	limit int
	calls map[string]inflightCall
}

func newRegistry(limit int) *registry {
	if limit <= 0 {
		limit = DefaultMaxInFlight
	}
	return &registry{limit: limit, calls: make(map[string]inflightCall)}
}

// add registers a call. It fails with ErrTooManyCalls at capacity and
// with a ValidationError when id is already in flight.
func (r *registry) add(id string, p Provider, model string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.calls[id]; dup {
		return &ValidationError{Provider: p, Field: "id", Reason: fmt.Sprintf("call %q already in flight", id)}
	}
	if len(r.calls) >= r.limit {
		return ErrTooManyCalls
	}
	r.calls[id] = inflightCall{
		info: CallInfo{
			ID:        id,
			Provider:  p.String(),
			Model:     model,
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	return nil
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, id)
}

// cancel cancels the call's context. It reports whether id was found.
func (r *registry) cancel(id string) bool {
	r.mu.Lock()
	c, ok := r.calls[id]
	r.mu.Unlock()
	if ok {
		c.cancel()
	}
	return ok
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// list returns in-flight calls, oldest first.
func (r *registry) list() []CallInfo {
	r.mu.Lock()
	out := make([]CallInfo, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.info)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b CallInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
