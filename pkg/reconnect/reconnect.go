// Package reconnect tracks per-tenant retry state and decides what to do
// when a connection fails. Two failure modes get two independent counters:
// open failures (the provider never came up) retry on a short fixed delay,
// post-open drops back off exponentially. Both cap at MaxAttempts, after
// which the tenant is abandoned until manually restarted.
package reconnect

import (
	"sync"
	"time"

	"github.com/wafleet/wafleet/pkg/provider"
)

// ---------------------------------------------------------------------------
// Policy constants
// ---------------------------------------------------------------------------

const (
	// MaxAttempts bounds both retry counters. A tenant exceeding it is
	// abandoned so an unreachable account cannot loop forever.
	MaxAttempts = 5

	// OpenRetryDelay is the fixed wait between open-failure retries. Open
	// failures are usually environmental (DNS, proxy, cold store) and do
	// not benefit from exponential growth.
	OpenRetryDelay = 5 * time.Second

	baseDelay = time.Second
	maxDelay  = 30 * time.Second
)

// Backoff computes the wait before reconnect attempt n (1-based):
// min(1000 * 2^n, 30000) milliseconds.
func Backoff(attempt int) time.Duration {
	d := baseDelay << uint(attempt)
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

// State is a tenant's position in the connection lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateAbandoned  State = "abandoned"
)

// Action is the machine's verdict on a failure event.
type Action int

const (
	// ActionRetry schedules a new connection attempt after Decision.Delay.
	ActionRetry Action = iota
	// ActionAbandon drops the tenant: attempts exhausted.
	ActionAbandon
	// ActionLogout drops the tenant terminally: the user unpaired, only a
	// fresh pairing flow can bring the session back.
	ActionLogout
)

// Decision tells the orchestrator how to react to a close or open failure.
type Decision struct {
	Action  Action
	Delay   time.Duration
	Attempt int
}

type tenantState struct {
	state        State
	dropAttempts int
	openFailures int
}

// Tracker holds reconnect state for every tenant. It is one of only two
// cross-tenant shared structures (the registry being the other) and
// serializes all mutation behind a single mutex; tenant counts are tens,
// not millions.
type Tracker struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{tenants: make(map[string]*tenantState)}
}

func (t *Tracker) get(tenantID string) *tenantState {
	ts, ok := t.tenants[tenantID]
	if !ok {
		ts = &tenantState{state: StateIdle}
		t.tenants[tenantID] = ts
	}
	return ts
}

// Connecting marks an open attempt in flight.
func (t *Tracker) Connecting(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(tenantID).state = StateConnecting
}

// Opened records a successful open (or a fresh pairing): both counters
// reset and the per-tenant record is cleared.
func (t *Tracker) Opened(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tenants, tenantID)
}

// Paired records receipt of a fresh pairing code. Counters reset so the
// new pairing starts clean, but the tenant stays in its current phase.
func (t *Tracker) Paired(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.get(tenantID)
	ts.dropAttempts = 0
	ts.openFailures = 0
}

// OnClose decides the reaction to a post-open disconnect.
func (t *Tracker) OnClose(tenantID string, reason *provider.CloseReason) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	if reason.LoggedOut() {
		delete(t.tenants, tenantID)
		return Decision{Action: ActionLogout}
	}

	ts := t.get(tenantID)
	ts.state = StateClosing
	ts.dropAttempts++

	if ts.dropAttempts > MaxAttempts {
		delete(t.tenants, tenantID)
		return Decision{Action: ActionAbandon, Attempt: ts.dropAttempts}
	}

	ts.state = StateConnecting
	return Decision{
		Action:  ActionRetry,
		Delay:   Backoff(ts.dropAttempts),
		Attempt: ts.dropAttempts,
	}
}

// OnOpenFailure decides the reaction to a failed connection open.
func (t *Tracker) OnOpenFailure(tenantID string) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.get(tenantID)
	ts.openFailures++

	if ts.openFailures > MaxAttempts {
		delete(t.tenants, tenantID)
		return Decision{Action: ActionAbandon, Attempt: ts.openFailures}
	}

	ts.state = StateConnecting
	return Decision{
		Action:  ActionRetry,
		Delay:   OpenRetryDelay,
		Attempt: ts.openFailures,
	}
}

// Attempts returns the current drop-retry count for status reporting.
func (t *Tracker) Attempts(tenantID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, ok := t.tenants[tenantID]; ok {
		return ts.dropAttempts
	}
	return 0
}

// Forget clears a tenant's state, e.g. on explicit stop.
func (t *Tracker) Forget(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tenants, tenantID)
}
