package registry

import (
	"sync"

	"github.com/perchlabs/perch/internal/types"
)

// Local is the single-process registry: a keyed directory guarded by a
// mutex, so claims are atomic check-and-set operations.
type Local struct {
	mu      sync.Mutex
	entries map[types.Ref]Handle
}

// NewLocal creates an empty local registry.
func NewLocal() *Local {
	return &Local{entries: make(map[types.Ref]Handle)}
}

func (r *Local) Locate(ref types.Ref) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[ref]
	return h, ok
}

func (r *Local) Claim(ref types.Ref, h Handle) (Handle, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[ref]; ok {
		return existing, false, nil
	}
	r.entries[ref] = h
	return h, true, nil
}

func (r *Local) Release(ref types.Ref, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[ref]; ok && existing == h {
		delete(r.entries, ref)
	}
}

func (r *Local) List() []types.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Ref, 0, len(r.entries))
	for ref := range r.entries {
		out = append(out, ref)
	}
	return out
}

func (r *Local) Close() error {
	return nil
}

var _ Registry = (*Local)(nil)
