// Event bridge — wires the fleet event bus into the WebSocket hub so
// dashboards see lifecycle transitions (connects, reconnects, logouts,
// dispatch outcomes) as they happen.
package api

import (
	"context"

	"github.com/wafleet/wafleet/pkg/bus"
	"github.com/wafleet/wafleet/pkg/logger"
)

// EventBridge connects the event bus to the WebSocket hub for live updates.
type EventBridge struct {
	bus *bus.Bus
	hub *WSHub
}

// NewEventBridge creates a bridge that forwards bus events to WebSocket clients.
func NewEventBridge(b *bus.Bus, hub *WSHub) *EventBridge {
	return &EventBridge{bus: b, hub: hub}
}

// Run forwards bus events until ctx is cancelled. Call in a goroutine.
func (eb *EventBridge) Run(ctx context.Context) {
	if eb.bus == nil {
		return
	}
	logger.InfoC("events", "Event bridge started — forwarding bus events to WebSocket")

	tap := eb.bus.Subscribe("event-bridge")
	for {
		select {
		case <-ctx.Done():
			logger.InfoC("events", "Event bridge stopped")
			return
		case evt, ok := <-tap:
			if !ok {
				return
			}
			data := map[string]interface{}{"empresaId": evt.Source}
			for k, v := range evt.Data {
				data[k] = v
			}
			eb.hub.Broadcast(evt.Type, data)
		}
	}
}
