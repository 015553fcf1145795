package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wafleet/wafleet/pkg/config"
	"github.com/wafleet/wafleet/pkg/provider"
)

var testTenant = config.Tenant{
	ID:       "acme",
	Name:     "Acme SA",
	WhatsApp: "+51911111111",
}

func inbound(text string) provider.Message {
	return provider.Message{
		Sender:     "+51987654321",
		Text:       text,
		ReceivedAt: time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC),
	}
}

func TestDispatchForwardsToWebhook(t *testing.T) {
	var got webhookPayload
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var sends int32
	d := New(srv.URL, time.Second, nil, nil)
	d.Dispatch(context.Background(), testTenant, inbound("hola"), func(ctx context.Context, recipient, text string) error {
		atomic.AddInt32(&sends, 1)
		return nil
	})

	assert.Equal(t, "/empresa-acme", path)
	assert.Equal(t, "hola", got.Mensaje)
	assert.Equal(t, "+51987654321", got.Telefono)
	assert.Equal(t, "acme", got.EmpresaID)
	assert.Equal(t, inbound("").ReceivedAt.UnixMilli(), got.Timestamp)
	assert.Zero(t, sends, "no fallback when the webhook succeeds")
}

func TestDispatchFallsBackOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var sends int32
	var reply string
	d := New(srv.URL, time.Second, nil, nil)
	d.Dispatch(context.Background(), testTenant, inbound("!ayuda"), func(ctx context.Context, recipient, text string) error {
		atomic.AddInt32(&sends, 1)
		reply = text
		return nil
	})

	assert.Equal(t, int32(1), sends, "exactly one fallback attempt")
	assert.Contains(t, reply, "Acme SA")
}

func TestDispatchFallsBackWhenUnreachable(t *testing.T) {
	var sends int32
	d := New("http://127.0.0.1:1", time.Second, nil, nil)
	d.Dispatch(context.Background(), testTenant, inbound("!info"), func(ctx context.Context, recipient, text string) error {
		atomic.AddInt32(&sends, 1)
		return nil
	})
	assert.Equal(t, int32(1), sends)
}

func TestDispatchDropsSelfAndEmpty(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	d := New(srv.URL, time.Second, nil, nil)

	self := inbound("hola")
	self.FromSelf = true
	d.Dispatch(context.Background(), testTenant, self, nil)
	d.Dispatch(context.Background(), testTenant, inbound(""), nil)

	assert.Zero(t, hits)
}

func TestFallbackErrorsNeverEscape(t *testing.T) {
	d := New("http://127.0.0.1:1", time.Second, nil, nil)

	require.NotPanics(t, func() {
		// Failing reply send.
		d.Dispatch(context.Background(), testTenant, inbound("!ayuda"),
			func(ctx context.Context, recipient, text string) error {
				return errors.New("connection gone")
			})
		// No connection at all.
		d.Dispatch(context.Background(), testTenant, inbound("!ayuda"), nil)
		// Panicking send.
		d.Dispatch(context.Background(), testTenant, inbound("!ayuda"),
			func(ctx context.Context, recipient, text string) error {
				panic("boom")
			})
	})
}

func TestInterpreterCommands(t *testing.T) {
	var i Interpreter

	tests := []struct {
		text      string
		wantReply bool
		contains  string
	}{
		{"!ayuda", true, "Acme SA"},
		{"!help", true, "!info"},
		{"!INFO", true, "+51911111111"},
		{"!loquesea", true, "Comando no reconocido"},
		{"  !ayuda  ", true, "Acme SA"},
		{"hola buenas", false, ""},
		{"ayuda", false, ""},
	}

	for _, tt := range tests {
		reply, ok := i.Reply(testTenant, tt.text)
		assert.Equal(t, tt.wantReply, ok, tt.text)
		if tt.wantReply {
			assert.Contains(t, reply, tt.contains, tt.text)
		}
	}
}

func TestHistoryRecordAndRecent(t *testing.T) {
	h, err := OpenHistory(t.TempDir() + "/history.db")
	require.NoError(t, err)
	defer h.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Record(ctx, Entry{
			TenantID: "acme",
			Sender:   "+519",
			Text:     "hola",
			Outcome:  OutcomeWebhook,
			At:       base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, h.Record(ctx, Entry{
		TenantID: "globex", Sender: "+511", Text: "x", Outcome: OutcomeFallback, At: base,
	}))

	entries, err := h.Recent(ctx, "acme", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].At.After(entries[1].At), "newest first")
	assert.Equal(t, "acme", entries[0].TenantID)
}
