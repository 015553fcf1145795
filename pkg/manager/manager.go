// Package manager owns the tenant connection lifecycle: it starts sessions,
// pumps their event streams, decides reconnects through the backoff tracker
// and exposes the send/status surface the HTTP layer calls into. One
// goroutine pumps each live connection; retry waits run on their own
// goroutines and re-check registry ownership before acting, so a stop or
// restart during a backoff window always wins.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/wafleet/wafleet/pkg/bus"
	"github.com/wafleet/wafleet/pkg/config"
	"github.com/wafleet/wafleet/pkg/dispatch"
	"github.com/wafleet/wafleet/pkg/logger"
	"github.com/wafleet/wafleet/pkg/provider"
	"github.com/wafleet/wafleet/pkg/reconnect"
	"github.com/wafleet/wafleet/pkg/store"
)

const component = "manager"

// ---------------------------------------------------------------------------
// Operation outcomes
// ---------------------------------------------------------------------------

// StartOutcome is the result of a start request.
type StartOutcome string

const (
	StartStarted        StartOutcome = "started"
	StartAlreadyRunning StartOutcome = "alreadyRunning"
	StartNotFound       StartOutcome = "notFound"
	StartError          StartOutcome = "error"
)

// SendOutcome is the result of an outbound send request.
type SendOutcome string

const (
	SendSent       SendOutcome = "sent"
	SendNotRunning SendOutcome = "notRunning"
	SendError      SendOutcome = "error"
)

// Status is one tenant's lifecycle snapshot.
type Status struct {
	ID                string `json:"empresaId"`
	Name              string `json:"nombre"`
	Running           bool   `json:"running"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Manager orchestrates every tenant session.
type Manager struct {
	provider   provider.Provider
	store      *store.SessionStore
	dispatcher *dispatch.Dispatcher
	tracker    *reconnect.Tracker
	registry   *Registry
	events     *bus.Bus

	tenants map[string]config.Tenant
	order   []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// wait is swapped out by tests so backoff windows do not slow them down.
	wait func(ctx context.Context, d time.Duration) bool
}

// New builds a manager for a fixed tenant roster. events may be nil.
func New(p provider.Provider, st *store.SessionStore, d *dispatch.Dispatcher, events *bus.Bus, tenants []config.Tenant) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		provider:   p,
		store:      st,
		dispatcher: d,
		tracker:    reconnect.NewTracker(),
		registry:   NewRegistry(),
		events:     events,
		tenants:    make(map[string]config.Tenant, len(tenants)),
		ctx:        ctx,
		cancel:     cancel,
		wait:       sleep,
	}
	for _, t := range tenants {
		m.tenants[t.ID] = t
		m.order = append(m.order, t.ID)
	}
	return m
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Tenants returns the configured roster in file order.
func (m *Manager) Tenants() []config.Tenant {
	out := make([]config.Tenant, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tenants[id])
	}
	return out
}

// ---------------------------------------------------------------------------
// Lifecycle operations
// ---------------------------------------------------------------------------

// StartAll starts every configured tenant concurrently. One tenant failing
// to come up never blocks or aborts the others.
func (m *Manager) StartAll(ctx context.Context) map[string]StartOutcome {
	outcomes := make(map[string]StartOutcome, len(m.order))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range m.order {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			out := m.StartOne(ctx, id)
			mu.Lock()
			outcomes[id] = out
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	logger.InfoCF(component, "Fleet start finished", map[string]interface{}{
		"tenants": len(m.order),
		"running": m.registry.Len(),
	})
	return outcomes
}

// StartOne starts a single tenant session. A tenant that already holds a
// handle — live, connecting or waiting out a retry — is reported as
// alreadyRunning and left untouched.
func (m *Manager) StartOne(ctx context.Context, tenantID string) StartOutcome {
	tenant, ok := m.tenants[tenantID]
	if !ok {
		return StartNotFound
	}

	h := &handle{tenant: tenant}
	if !m.registry.Claim(tenantID, h) {
		return StartAlreadyRunning
	}

	// A missing namespace degrades the session to a fresh pairing, it does
	// not block the start.
	if err := m.store.EnsureNamespace(tenant.SessionPath); err != nil {
		logger.WarnCF(component, "Namespace setup failed", map[string]interface{}{
			"tenant": tenantID,
			"error":  err.Error(),
		})
	}

	m.tracker.Connecting(tenantID)
	if err := m.dial(h); err != nil {
		return StartError
	}
	return StartStarted
}

// Stop tears down a tenant's session and clears its retry state. Returns
// false when the tenant was not running.
func (m *Manager) Stop(tenantID string) bool {
	h, ok := m.registry.Current(tenantID)
	if !ok {
		return false
	}
	m.registry.Release(tenantID, h)
	m.tracker.Forget(tenantID)
	if conn := h.current(); conn != nil {
		conn.Close("stopped by operator")
	}
	logger.InfoC(component, "Session stopped: "+tenantID)
	m.publish(bus.EventBotStopped, tenantID, nil)
	return true
}

// SendAs delivers a text message through a tenant's live connection.
func (m *Manager) SendAs(ctx context.Context, tenantID, recipient, text string) (SendOutcome, error) {
	h, ok := m.registry.Current(tenantID)
	if !ok {
		return SendNotRunning, nil
	}
	conn := h.current()
	if conn == nil {
		return SendNotRunning, nil
	}
	if err := conn.Send(ctx, recipient, text); err != nil {
		logger.ErrorCF(component, "Outbound send failed", map[string]interface{}{
			"tenant":    tenantID,
			"recipient": recipient,
			"error":     err.Error(),
		})
		return SendError, err
	}
	return SendSent, nil
}

// ReceiveExternalReply delivers a reply produced by the downstream processor
// back to the end user. Same transport as SendAs; kept separate so the two
// flows stay distinguishable in logs.
func (m *Manager) ReceiveExternalReply(ctx context.Context, tenantID, recipient, text string) (SendOutcome, error) {
	out, err := m.SendAs(ctx, tenantID, recipient, text)
	if out == SendSent {
		logger.DebugCF(component, "External reply delivered", map[string]interface{}{
			"tenant":    tenantID,
			"recipient": recipient,
		})
	}
	return out, err
}

// Status reports one tenant's lifecycle snapshot. The second return is
// false for unknown tenants.
func (m *Manager) Status(tenantID string) (Status, bool) {
	tenant, ok := m.tenants[tenantID]
	if !ok {
		return Status{}, false
	}
	running := false
	if h, ok := m.registry.Current(tenantID); ok && h.current() != nil {
		running = true
	}
	return Status{
		ID:                tenantID,
		Name:              tenant.Name,
		Running:           running,
		ReconnectAttempts: m.tracker.Attempts(tenantID),
	}, true
}

// StatusAll reports every configured tenant in roster order.
func (m *Manager) StatusAll() []Status {
	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		s, _ := m.Status(id)
		out = append(out, s)
	}
	return out
}

// Shutdown stops every session and waits for the event pumps to drain.
func (m *Manager) Shutdown() {
	m.cancel()
	for _, id := range m.registry.IDs() {
		m.Stop(id)
	}
	m.wg.Wait()
}

// ---------------------------------------------------------------------------
// Connection internals
// ---------------------------------------------------------------------------

// dial opens a connection for h and hands it to the event pump. On open
// failure it consults the tracker: retries reuse the same handle after a
// fixed wait, exhaustion releases the tenant.
func (m *Manager) dial(h *handle) error {
	tenantID := h.tenant.ID
	conn, err := m.provider.Open(m.ctx, h.tenant.SessionPath)
	if err != nil {
		logger.ErrorCF(component, "Connection open failed", map[string]interface{}{
			"tenant": tenantID,
			"error":  err.Error(),
		})
		decision := m.tracker.OnOpenFailure(tenantID)
		if decision.Action == reconnect.ActionAbandon {
			m.abandon(h, decision.Attempt)
			return err
		}
		m.publish(bus.EventBotReconnecting, tenantID, map[string]interface{}{
			"attempt": decision.Attempt,
			"delayMs": decision.Delay.Milliseconds(),
		})
		m.retryAfter(h, decision.Delay)
		return err
	}

	h.setConn(conn)
	m.wg.Add(1)
	go m.pump(h, conn)
	return nil
}

// pump consumes one connection's event stream in delivery order. It exits
// when the connection reports close or its channel is torn down.
func (m *Manager) pump(h *handle, conn provider.Conn) {
	defer m.wg.Done()
	tenantID := h.tenant.ID

	for ev := range conn.Events() {
		switch ev.Type {
		case provider.EventConnectionUpdate:
			u := ev.Update
			if u == nil {
				continue
			}
			if u.QR != "" {
				logger.InfoC(component, "Pairing code issued: "+tenantID)
				m.publish(bus.EventBotQR, tenantID, map[string]interface{}{"qr": u.QR})
			}
			switch u.State {
			case provider.StateOpen:
				m.tracker.Opened(tenantID)
				logger.InfoC(component, "Session open: "+tenantID)
				m.publish(bus.EventBotConnected, tenantID, nil)
			case provider.StateClose:
				m.onClose(h, conn, u.CloseReason)
				return
			}

		case provider.EventCredsUpdate:
			c := ev.Creds
			if c == nil {
				continue
			}
			m.tracker.Paired(tenantID)
			name := store.ArtifactName(c.ChatKey, c.Seq)
			if err := m.store.Write(h.tenant.SessionPath, name, c.Blob); err != nil {
				logger.ErrorCF(component, "Credential write failed", map[string]interface{}{
					"tenant":   tenantID,
					"artifact": name,
					"error":    err.Error(),
				})
			}

		case provider.EventMessageUpsert:
			if ev.Message == nil {
				continue
			}
			m.dispatcher.Dispatch(m.ctx, h.tenant, *ev.Message, h.send)
		}
	}

	// Stream torn down without a close update: treat it as an anonymous drop
	// so the reconnect policy still applies.
	m.onClose(h, conn, nil)
}

// onClose reacts to a post-open disconnect per the tracker's verdict.
func (m *Manager) onClose(h *handle, conn provider.Conn, reason *provider.CloseReason) {
	tenantID := h.tenant.ID
	h.setConn(nil)
	conn.Close("connection dropped")

	// A Stop or restart that raced this close already owns the aftermath.
	if !m.registry.IsCurrent(tenantID, h) {
		return
	}

	decision := m.tracker.OnClose(tenantID, reason)
	switch decision.Action {
	case reconnect.ActionLogout:
		logger.WarnCF(component, "Session logged out, wiping credentials", map[string]interface{}{
			"tenant": tenantID,
			"reason": reason.String(),
		})
		m.wipeSession(h.tenant.SessionPath)
		m.registry.Release(tenantID, h)
		m.publish(bus.EventBotLoggedOut, tenantID, nil)

	case reconnect.ActionAbandon:
		m.abandon(h, decision.Attempt)

	case reconnect.ActionRetry:
		logger.WarnCF(component, "Connection dropped, scheduling reconnect", map[string]interface{}{
			"tenant":  tenantID,
			"reason":  reason.String(),
			"attempt": decision.Attempt,
			"delayMs": decision.Delay.Milliseconds(),
		})
		m.publish(bus.EventBotReconnecting, tenantID, map[string]interface{}{
			"attempt": decision.Attempt,
			"delayMs": decision.Delay.Milliseconds(),
		})
		m.retryAfter(h, decision.Delay)
	}
}

// retryAfter waits out the backoff window on its own goroutine and redials
// only if h still owns the tenant.
func (m *Manager) retryAfter(h *handle, delay time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if !m.wait(m.ctx, delay) {
			return
		}
		if !m.registry.IsCurrent(h.tenant.ID, h) {
			return
		}
		m.tracker.Connecting(h.tenant.ID)
		// dial schedules its own follow-up on failure.
		_ = m.dial(h)
	}()
}

func (m *Manager) abandon(h *handle, attempts int) {
	tenantID := h.tenant.ID
	logger.ErrorCF(component, "Retries exhausted, abandoning session", map[string]interface{}{
		"tenant":   tenantID,
		"attempts": attempts,
	})
	m.registry.Release(tenantID, h)
	m.publish(bus.EventBotAbandoned, tenantID, map[string]interface{}{"attempts": attempts})
}

// wipeSession deletes every artifact in a namespace after a logout so the
// next start walks the fresh pairing flow instead of replaying dead
// credentials.
func (m *Manager) wipeSession(namespace string) {
	names, err := m.store.List(namespace)
	if err != nil {
		logger.ErrorCF(component, "Session wipe failed", map[string]interface{}{
			"namespace": namespace,
			"error":     err.Error(),
		})
		return
	}
	for _, name := range names {
		if err := m.store.Delete(namespace, name); err != nil {
			logger.ErrorCF(component, "Artifact delete failed", map[string]interface{}{
				"namespace": namespace,
				"artifact":  name,
				"error":     err.Error(),
			})
		}
	}
	logger.InfoCF(component, "Session wiped", map[string]interface{}{
		"namespace": namespace,
		"deleted":   len(names),
	})
}

func (m *Manager) publish(eventType, tenantID string, data map[string]interface{}) {
	if m.events == nil {
		return
	}
	m.events.Publish(bus.SystemEvent{Type: eventType, Source: tenantID, Data: data})
}
