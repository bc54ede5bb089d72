package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wagate/internal/ports"
	"wagate/internal/types"
)

// Handle is a live engine client for one device. The Manager owns it; the Registry only
// indexes it.
type Handle struct {
	id        string
	client    ports.EngineClient
	state     atomic.Int32
	createdAt time.Time
}

func newHandle(id string, client ports.EngineClient) *Handle {
	h := &Handle{id: id, client: client, createdAt: time.Now()}
	h.state.Store(int32(types.StateInitializing))
	return h
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) State() types.ConnState { return types.ConnState(h.state.Load()) }

func (h *Handle) CreatedAt() time.Time { return h.createdAt }

func (h *Handle) setState(s types.ConnState) { h.state.Store(int32(s)) }

// Registry indexes live handles by device id. It also remembers devices whose last handle
// disconnected so "disconnected" can be told apart from "never initialized".
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	dropped map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		handles: map[string]*Handle{},
		dropped: map[string]struct{}{},
	}
}

func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

func (r *Registry) Put(id string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = h
	delete(r.dropped, id)
}

// Remove drops the handle for id and returns it, if any. When disconnected is true the id is
// remembered as disconnected; otherwise any such memory is cleared.
func (r *Registry) Remove(id string, disconnected bool) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	switch {
	case !disconnected:
		delete(r.dropped, id)
	case ok:
		r.dropped[id] = struct{}{}
	}
	return h, ok
}

// State returns the connection state for id as seen by callers: the live handle's state,
// disconnected for a dropped device, or uninitialized.
func (r *Registry) State(id string) types.ConnState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handles[id]; ok {
		return h.State()
	}
	if _, ok := r.dropped[id]; ok {
		return types.StateDisconnected
	}
	return types.StateUninitialized
}

// Entry is one (id, handle) pair from List.
type Entry struct {
	ID     string
	Handle *Handle
}

// List returns all live handles ordered by device id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, Entry{ID: id, Handle: h})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
