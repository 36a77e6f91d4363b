package hub

import (
	"context"
	"sync"

	gohttp "github.com/panyam/collabws/http"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Member is what the registry and the heartbeat need from a connection.
// *gohttp.Handle implements it.
type Member interface {
	ConnId() string
	RemoteAddr() string
	Liveness() *gohttp.Liveness
	Ping() error
	Close(code int, reason string) error
	Terminate() error
}

var _ Member = (*gohttp.Handle)(nil)

// Registry is the set of live connections. It is shared by the accept path,
// the per-connection close observers, the heartbeat sweep and shutdown, and
// does its own locking.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Member
	drained chan struct{}
	metrics *Metrics
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(metrics *Metrics) *Registry {
	drained := make(chan struct{})
	close(drained)
	return &Registry{
		members: make(map[string]Member),
		drained: drained,
		metrics: metrics,
	}
}

// Add inserts m. Adding an identity that is already present is an invariant
// violation and returns an AlreadyExists status error.
func (r *Registry) Add(m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := m.ConnId()
	if _, exists := r.members[id]; exists {
		return status.Errorf(codes.AlreadyExists, "connection %s already registered", id)
	}
	if len(r.members) == 0 {
		r.drained = make(chan struct{})
	}
	r.members[id] = m
	r.metrics.connected()
	return nil
}

// Remove deletes m and reports whether it was present. Removing an absent
// member is a no-op.
func (r *Registry) Remove(m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := m.ConnId()
	cur, ok := r.members[id]
	if !ok || cur != m {
		return false
	}
	delete(r.members, id)
	r.metrics.disconnected()
	if len(r.members) == 0 {
		close(r.drained)
	}
	return true
}

// Size returns the number of registered connections.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Contains reports whether a connection with id is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

// Snapshot returns the current members in no particular order.
func (r *Registry) Snapshot() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// ForEach calls visit for every member of a snapshot taken under the lock.
// visit runs without the lock held, so it may Add or Remove freely; members
// removed mid-iteration are still visited once.
func (r *Registry) ForEach(visit func(Member)) {
	for _, m := range r.Snapshot() {
		visit(m)
	}
}

// WaitEmpty blocks until the registry is empty or ctx is done.
func (r *Registry) WaitEmpty(ctx context.Context) error {
	for {
		r.mu.RLock()
		drained, empty := r.drained, len(r.members) == 0
		r.mu.RUnlock()
		if empty {
			return nil
		}
		select {
		case <-drained:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
