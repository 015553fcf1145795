package manager

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafleet/wafleet/pkg/bus"
	"github.com/wafleet/wafleet/pkg/config"
	"github.com/wafleet/wafleet/pkg/dispatch"
	"github.com/wafleet/wafleet/pkg/provider"
	"github.com/wafleet/wafleet/pkg/store"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type sentMsg struct {
	recipient, text string
}

type fakeConn struct {
	events chan provider.Event

	mu     sync.Mutex
	sent   []sentMsg
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan provider.Event, 16)}
}

func (c *fakeConn) Events() <-chan provider.Event { return c.events }

func (c *fakeConn) Send(ctx context.Context, recipient, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMsg{recipient, text})
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) open() {
	c.events <- provider.Event{
		Type:   provider.EventConnectionUpdate,
		Update: &provider.ConnectionUpdate{State: provider.StateOpen},
	}
}

func (c *fakeConn) drop(code int) {
	c.events <- provider.Event{
		Type: provider.EventConnectionUpdate,
		Update: &provider.ConnectionUpdate{
			State:       provider.StateClose,
			CloseReason: &provider.CloseReason{Code: code, Message: "test close"},
		},
	}
}

// fakeProvider scripts Open: the dial function sees the namespace and the
// global attempt number and decides what that open gets. Every connection it
// hands out is recorded so tests can drive its event stream.
type fakeProvider struct {
	mu    sync.Mutex
	opens int
	conns []*fakeConn
	dial  func(namespace string, attempt int) (provider.Conn, error)
}

func (p *fakeProvider) Open(ctx context.Context, namespace string) (provider.Conn, error) {
	p.mu.Lock()
	p.opens++
	n := p.opens
	p.mu.Unlock()

	conn, err := p.dial(namespace, n)
	if fc, ok := conn.(*fakeConn); ok && fc != nil {
		p.mu.Lock()
		p.conns = append(p.conns, fc)
		p.mu.Unlock()
	}
	return conn, err
}

func (p *fakeProvider) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

func (p *fakeProvider) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *fakeProvider) lastConn() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[len(p.conns)-1]
}

func alwaysConn(c *fakeConn) func(string, int) (provider.Conn, error) {
	return func(string, int) (provider.Conn, error) { return c, nil }
}

func freshConns() func(string, int) (provider.Conn, error) {
	return func(string, int) (provider.Conn, error) { return newFakeConn(), nil }
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

var fleetTenants = []config.Tenant{
	{ID: "acme", Name: "Acme SA", WhatsApp: "+51911111111", SessionPath: "acme"},
	{ID: "globex", Name: "Globex", WhatsApp: "+51922222222", SessionPath: "globex"},
}

func newTestManager(t *testing.T, p provider.Provider, webhookURL string) (*Manager, *store.SessionStore) {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewWithDB(db)

	d := dispatch.New(webhookURL, time.Second, nil, nil)
	m := New(p, st, d, bus.New(), fleetTenants)
	m.wait = func(ctx context.Context, d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t.Cleanup(m.Shutdown)
	return m, st
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestStartOneHappyPath(t *testing.T) {
	conn := newFakeConn()
	p := &fakeProvider{dial: alwaysConn(conn)}
	m, _ := newTestManager(t, p, "http://127.0.0.1:1")

	require.Equal(t, StartStarted, m.StartOne(context.Background(), "acme"))
	conn.open()

	eventually(t, func() bool {
		s, _ := m.Status("acme")
		return s.Running
	}, "session should report running after the open update")

	s, ok := m.Status("acme")
	require.True(t, ok)
	assert.Zero(t, s.ReconnectAttempts)

	out, err := m.SendAs(context.Background(), "acme", "+519", "hola")
	require.NoError(t, err)
	assert.Equal(t, SendSent, out)
	assert.Equal(t, 1, conn.sentCount())
}

func TestStartOneGuards(t *testing.T) {
	p := &fakeProvider{dial: alwaysConn(newFakeConn())}
	m, _ := newTestManager(t, p, "http://127.0.0.1:1")

	assert.Equal(t, StartNotFound, m.StartOne(context.Background(), "nadie"))
	assert.Equal(t, StartStarted, m.StartOne(context.Background(), "acme"))
	assert.Equal(t, StartAlreadyRunning, m.StartOne(context.Background(), "acme"))
	assert.Equal(t, 1, p.openCount(), "second start must not dial again")
}

func TestConcurrentStartsClaimOnce(t *testing.T) {
	p := &fakeProvider{dial: alwaysConn(newFakeConn())}
	m, _ := newTestManager(t, p, "http://127.0.0.1:1")

	var started int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.StartOne(context.Background(), "acme") == StartStarted {
				atomic.AddInt32(&started, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), started, "exactly one start wins")
	assert.Equal(t, 1, p.openCount())
}

func TestStartAllIsolatesFailures(t *testing.T) {
	p := &fakeProvider{dial: func(namespace string, attempt int) (provider.Conn, error) {
		if namespace == "globex" {
			return nil, errors.New("no route")
		}
		return newFakeConn(), nil
	}}
	m, _ := newTestManager(t, p, "http://127.0.0.1:1")

	outcomes := m.StartAll(context.Background())

	require.Len(t, outcomes, 2)
	assert.Equal(t, StartStarted, outcomes["acme"], "healthy tenant unaffected by its neighbor")
	assert.Equal(t, StartError, outcomes["globex"])
}

func TestOpenFailureRetriesThenConnects(t *testing.T) {
	p := &fakeProvider{dial: func(namespace string, attempt int) (provider.Conn, error) {
		if attempt <= 2 {
			return nil, errors.New("store cold")
		}
		return newFakeConn(), nil
	}}
	m, _ := newTestManager(t, p, "http://127.0.0.1:1")

	assert.Equal(t, StartError, m.StartOne(context.Background(), "acme"))

	eventually(t, func() bool { return p.connCount() == 1 }, "two retries then success")
	assert.Equal(t, 3, p.openCount())

	p.lastConn().open()
	eventually(t, func() bool {
		s, _ := m.Status("acme")
		return s.Running
	}, "session recovers after open retries")
}

func TestOpenFailureExhaustionAbandons(t *testing.T) {
	p := &fakeProvider{dial: func(string, int) (provider.Conn, error) {
		return nil, errors.New("unreachable")
	}}
	m, _ := newTestManager(t, p, "http://127.0.0.1:1")

	m.StartOne(context.Background(), "acme")

	// Initial dial plus five retries, then the tenant is released.
	eventually(t, func() bool { return p.openCount() == 6 }, "six opens total")
	eventually(t, func() bool { return m.registry.Len() == 0 }, "tenant abandoned")

	// A fresh start is allowed and begins a clean cycle.
	assert.Equal(t, StartError, m.StartOne(context.Background(), "acme"))
	eventually(t, func() bool { return p.openCount() == 12 }, "fresh cycle gets its own six")
}

func TestDropRetriesThenAbandons(t *testing.T) {
	p := &fakeProvider{dial: freshConns()}
	m, _ := newTestManager(t, p, "http://127.0.0.1:1")

	require.Equal(t, StartStarted, m.StartOne(context.Background(), "acme"))

	// Every connection drops without ever opening, so the drop counter
	// never resets. Five redials, then abandonment on the sixth drop.
	for i := 0; i < 6; i++ {
		eventually(t, func() bool { return p.connCount() == i+1 }, "connection handed out")
		p.lastConn().drop(500)
	}

	eventually(t, func() bool { return m.registry.Len() == 0 }, "abandoned after sixth drop")
	assert.Equal(t, 6, p.openCount(), "no redial past the attempt ceiling")
}

func TestOpenResetsDropCounter(t *testing.T) {
	p := &fakeProvider{dial: freshConns()}
	m, _ := newTestManager(t, p, "http://127.0.0.1:1")

	m.StartOne(context.Background(), "acme")
	eventually(t, func() bool { return p.connCount() == 1 }, "first connection")
	p.lastConn().drop(500)

	eventually(t, func() bool { return p.connCount() == 2 }, "redial after drop")
	p.lastConn().open()

	eventually(t, func() bool {
		s, _ := m.Status("acme")
		return s.Running && s.ReconnectAttempts == 0
	}, "successful open clears the counter")
}

func TestLogoutWipesSessionAndStops(t *testing.T) {
	conn := newFakeConn()
	p := &fakeProvider{dial: alwaysConn(conn)}
	m, st := newTestManager(t, p, "http://127.0.0.1:1")

	m.StartOne(context.Background(), "acme")
	conn.open()
	require.NoError(t, st.Write("acme", store.ArtifactName("c1", 1), []byte("blob")))

	conn.drop(provider.CodeLoggedOut)

	eventually(t, func() bool { return m.registry.Len() == 0 }, "logout releases the tenant")
	assert.Equal(t, 1, p.openCount(), "logout never redials")
	eventually(t, func() bool {
		names, err := st.List("acme")
		return err == nil && len(names) == 0
	}, "credentials wiped after logout")
}

func TestStopWinsOverPendingRetry(t *testing.T) {
	gate := make(chan struct{})
	p := &fakeProvider{dial: freshConns()}
	m, _ := newTestManager(t, p, "http://127.0.0.1:1")
	m.wait = func(ctx context.Context, d time.Duration) bool {
		select {
		case <-gate:
			return true
		case <-ctx.Done():
			return false
		}
	}

	m.StartOne(context.Background(), "acme")
	eventually(t, func() bool { return p.connCount() == 1 }, "first connection")
	first := p.lastConn()
	first.open()
	eventually(t, func() bool {
		s, _ := m.Status("acme")
		return s.Running
	}, "running before the drop")

	first.drop(500)
	eventually(t, func() bool {
		s, _ := m.Status("acme")
		return !s.Running
	}, "drop observed")

	require.True(t, m.Stop("acme"))
	close(gate)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.openCount(), "retry aborted: ownership moved")
	assert.Equal(t, 0, m.registry.Len())
}

func TestSendAsWhenNotRunning(t *testing.T) {
	p := &fakeProvider{dial: func(string, int) (provider.Conn, error) {
		return nil, errors.New("down")
	}}
	m, _ := newTestManager(t, p, "http://127.0.0.1:1")

	out, err := m.SendAs(context.Background(), "acme", "+519", "hola")
	require.NoError(t, err)
	assert.Equal(t, SendNotRunning, out)

	out, err = m.ReceiveExternalReply(context.Background(), "acme", "+519", "hola")
	require.NoError(t, err)
	assert.Equal(t, SendNotRunning, out)
}

func TestCredsEventsPersistArtifacts(t *testing.T) {
	conn := newFakeConn()
	p := &fakeProvider{dial: alwaysConn(conn)}
	m, st := newTestManager(t, p, "http://127.0.0.1:1")

	m.StartOne(context.Background(), "acme")
	conn.open()
	conn.events <- provider.Event{
		Type:  provider.EventCredsUpdate,
		Creds: &provider.CredsUpdate{ChatKey: "c1", Seq: 7, Blob: []byte("keys")},
	}

	eventually(t, func() bool {
		blobs, err := st.ReadAll("acme")
		return err == nil && string(blobs[store.ArtifactName("c1", 7)]) == "keys"
	}, "credential blob written under the canonical artifact name")
}

func TestInboundMessagesReachWebhook(t *testing.T) {
	type payload struct {
		Mensaje   string `json:"mensaje"`
		EmpresaID string `json:"empresaId"`
	}
	received := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var pl payload
		json.NewDecoder(r.Body).Decode(&pl)
		received <- pl
	}))
	defer srv.Close()

	conn := newFakeConn()
	p := &fakeProvider{dial: alwaysConn(conn)}
	m, _ := newTestManager(t, p, srv.URL)

	m.StartOne(context.Background(), "acme")
	conn.open()
	conn.events <- provider.Event{
		Type:    provider.EventMessageUpsert,
		Message: &provider.Message{Sender: "+519", Text: "hola", ReceivedAt: time.Now()},
	}

	select {
	case pl := <-received:
		assert.Equal(t, "hola", pl.Mensaje)
		assert.Equal(t, "acme", pl.EmpresaID)
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never received the inbound message")
	}
}
