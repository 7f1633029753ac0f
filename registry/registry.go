// Package registry is the process-wide directory of runs. The orchestrator
// goroutine that owns a run mutates it through Handle.Update; every other
// reader gets a consistent snapshot through Handle.Snapshot. No run's
// pipeline ever blocks on another run's lock: locking is per entry.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/qaweaverhq/qaweaver/run"
	"github.com/qaweaverhq/qaweaver/types"
)

// Handle wraps one run's state with a single-writer/many-reader lock.
type Handle struct {
	mu    sync.RWMutex
	state *run.State
}

// Update applies a mutation under the write lock. Only the owning
// orchestrator goroutine calls this.
func (h *Handle) Update(fn func(*run.State)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.state)
}

// Snapshot returns a consistent read-only copy of the run.
func (h *Handle) Snapshot() types.RunSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Snapshot()
}

type Registry struct {
	mu    sync.RWMutex
	runs  map[string]*Handle
	order []string // registration order, oldest first
}

func New() *Registry {
	return &Registry{runs: map[string]*Handle{}}
}

// Register adds a run. Duplicate ids are rejected.
func (r *Registry) Register(state *run.State) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := state.RunID()
	if _, exists := r.runs[id]; exists {
		return nil, fmt.Errorf("run %q already registered", id)
	}
	h := &Handle{state: state}
	r.runs[id] = h
	r.order = append(r.order, id)
	return h, nil
}

// Get looks a run up by id.
func (r *Registry) Get(runID string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.runs[runID]
	if !ok {
		return nil, run.ErrUnknownRun
	}
	return h, nil
}

// Snapshot is a convenience for Get followed by Handle.Snapshot.
func (r *Registry) Snapshot(runID string) (types.RunSnapshot, error) {
	h, err := r.Get(runID)
	if err != nil {
		return types.RunSnapshot{}, err
	}
	return h.Snapshot(), nil
}

// ListRecent returns snapshots of up to n runs, most recently created first.
func (r *Registry) ListRecent(n int) []types.RunSnapshot {
	r.mu.RLock()
	handles := make([]*Handle, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		handles = append(handles, r.runs[r.order[i]])
		if n > 0 && len(handles) == n {
			break
		}
	}
	r.mu.RUnlock()

	out := make([]types.RunSnapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of registered runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
