package manager

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/lo"

	"github.com/wafleet/wafleet/pkg/config"
	"github.com/wafleet/wafleet/pkg/provider"
)

// ---------------------------------------------------------------------------
// Connection handle
// ---------------------------------------------------------------------------

// handle is the unit of ownership for one tenant's connection. The registry
// holds at most one handle per tenant; a handle outlives individual
// connections across reconnects, and its identity is what lets a stale retry
// goroutine detect that the tenant was stopped or restarted underneath it.
type handle struct {
	tenant config.Tenant

	mu   sync.Mutex
	conn provider.Conn // nil while connecting or between retries
}

func (h *handle) setConn(c provider.Conn) {
	h.mu.Lock()
	h.conn = c
	h.mu.Unlock()
}

func (h *handle) current() provider.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

var errNotOpen = errors.New("connection not open")

// send satisfies dispatch.SendFunc against whatever connection is live now.
func (h *handle) send(ctx context.Context, recipient, text string) error {
	conn := h.current()
	if conn == nil {
		return errNotOpen
	}
	return conn.Send(ctx, recipient, text)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry maps tenant IDs to their single live handle. Claim is the only
// way in, and it refuses to overwrite: whoever claims first owns the tenant
// until Release. This is what makes concurrent start requests safe.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*handle)}
}

// Claim registers h as the tenant's handle. Returns false when the tenant
// already has one.
func (r *Registry) Claim(tenantID string, h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.handles[tenantID]; taken {
		return false
	}
	r.handles[tenantID] = h
	return true
}

// Current returns the tenant's handle, if any.
func (r *Registry) Current(tenantID string) (*handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[tenantID]
	return h, ok
}

// IsCurrent reports whether h still owns the tenant. Retry goroutines check
// this after every wait so a Stop or restart during the backoff window wins.
func (r *Registry) IsCurrent(tenantID string, h *handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[tenantID] == h
}

// Release removes the tenant's handle, but only if h still owns it.
func (r *Registry) Release(tenantID string, h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[tenantID] != h {
		return false
	}
	delete(r.handles, tenantID)
	return true
}

// IDs returns the tenants that currently hold a handle.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.handles)
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
