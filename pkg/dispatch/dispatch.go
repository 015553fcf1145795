// Package dispatch routes inbound messages to the downstream processor.
// The happy path is an HTTP POST to the tenant's webhook; when that is
// unreachable the dispatcher falls back to a small local command
// interpreter so end users still get an answer. Nothing in this package
// may panic or propagate past the dispatch boundary: a failing fallback
// for one message must not disturb any other tenant or message.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wafleet/wafleet/pkg/bus"
	"github.com/wafleet/wafleet/pkg/config"
	"github.com/wafleet/wafleet/pkg/logger"
	"github.com/wafleet/wafleet/pkg/provider"
)

// WebhookTimeout bounds the downstream call so one slow tenant's backend
// cannot starve the others' dispatch workers.
const WebhookTimeout = 10 * time.Second

// SendFunc delivers a reply through the tenant's live connection.
type SendFunc func(ctx context.Context, recipient, text string) error

// Dispatcher forwards inbound messages and falls back locally.
type Dispatcher struct {
	webhookBase string
	client      *http.Client
	interp      Interpreter
	history     *History
	events      *bus.Bus
}

// New creates a dispatcher. history and events may be nil.
func New(webhookBase string, timeout time.Duration, history *History, events *bus.Bus) *Dispatcher {
	if timeout <= 0 {
		timeout = WebhookTimeout
	}
	return &Dispatcher{
		webhookBase: webhookBase,
		client:      &http.Client{Timeout: timeout},
		history:     history,
		events:      events,
	}
}

type webhookPayload struct {
	Mensaje   string `json:"mensaje"`
	Telefono  string `json:"telefono"`
	EmpresaID string `json:"empresaId"`
	Timestamp int64  `json:"timestamp"`
}

// Dispatch handles one inbound message for a tenant. send is used for the
// local fallback reply and may be nil when the connection is gone.
func (d *Dispatcher) Dispatch(ctx context.Context, tenant config.Tenant, msg provider.Message, send SendFunc) {
	if msg.FromSelf || msg.Text == "" {
		return
	}

	err := d.forward(ctx, tenant.ID, msg)
	if err == nil {
		d.record(ctx, tenant.ID, msg, OutcomeWebhook, "")
		d.publish(bus.EventMessageDispatched, tenant.ID, msg.Sender)
		return
	}

	logger.WarnCF("dispatch", "Webhook unreachable, using local fallback", map[string]interface{}{
		"tenant": tenant.ID,
		"error":  err.Error(),
	})
	d.fallback(ctx, tenant, msg, send)
	d.record(ctx, tenant.ID, msg, OutcomeFallback, err.Error())
	d.publish(bus.EventMessageFallback, tenant.ID, msg.Sender)
}

// forward POSTs the message to <base>/empresa-<tenantID>. Any non-2xx
// status counts as a failure.
func (d *Dispatcher) forward(ctx context.Context, tenantID string, msg provider.Message) error {
	payload := webhookPayload{
		Mensaje:   msg.Text,
		Telefono:  msg.Sender,
		EmpresaID: tenantID,
		Timestamp: msg.ReceivedAt.UnixMilli(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	url := fmt.Sprintf("%s/empresa-%s", d.webhookBase, tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// fallback runs the local interpreter. All errors end here.
func (d *Dispatcher) fallback(ctx context.Context, tenant config.Tenant, msg provider.Message, send SendFunc) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("dispatch", "Fallback panicked", map[string]interface{}{
				"tenant": tenant.ID,
				"panic":  fmt.Sprint(r),
			})
		}
	}()

	reply, ok := d.interp.Reply(tenant, msg.Text)
	if !ok {
		return
	}
	if send == nil {
		logger.WarnCF("dispatch", "No live connection for fallback reply", map[string]interface{}{
			"tenant": tenant.ID,
		})
		return
	}
	if err := send(ctx, msg.Sender, reply); err != nil {
		logger.ErrorCF("dispatch", "Fallback reply failed", map[string]interface{}{
			"tenant": tenant.ID,
			"error":  err.Error(),
		})
	}
}

func (d *Dispatcher) record(ctx context.Context, tenantID string, msg provider.Message, outcome, detail string) {
	if d.history == nil {
		return
	}
	if err := d.history.Record(ctx, Entry{
		TenantID: tenantID,
		Sender:   msg.Sender,
		Text:     msg.Text,
		Outcome:  outcome,
		Detail:   detail,
		At:       msg.ReceivedAt,
	}); err != nil {
		logger.ErrorCF("dispatch", "History write failed", map[string]interface{}{
			"tenant": tenantID,
			"error":  err.Error(),
		})
	}
}

func (d *Dispatcher) publish(eventType, tenantID, sender string) {
	if d.events == nil {
		return
	}
	d.events.Publish(bus.SystemEvent{
		Type:   eventType,
		Source: tenantID,
		Data:   map[string]interface{}{"telefono": sender},
	})
}
