package handler

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/edvin/certmgr/internal/events"
	"github.com/edvin/certmgr/internal/model"
)

const eventWriteTimeout = 5 * time.Second

// Events serves the push channel: a WebSocket carrying every bus topic as
// JSON {topic, payload} messages. Delivery is best-effort; clients reconcile
// by re-listing after a reconnect.
type Events struct {
	bus     *events.Bus
	logger  zerolog.Logger
	clients atomic.Int64
}

func NewEvents(logger zerolog.Logger, bus *events.Bus) *Events {
	return &Events{bus: bus, logger: logger}
}

// ClientCount is the number of connected push clients.
func (h *Events) ClientCount() int {
	return int(h.clients.Load())
}

// Connect upgrades to WebSocket and streams events until the client leaves.
func (h *Events) Connect(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin differs from Host when proxied through an admin UI.
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	count := int(h.clients.Add(1))
	h.bus.Publish(model.TopicServerStatus, model.ServerStatusEvent{Status: "client-connected", Clients: count})
	defer func() {
		remaining := int(h.clients.Add(-1))
		h.bus.Publish(model.TopicServerStatus, model.ServerStatusEvent{Status: "client-disconnected", Clients: remaining})
	}()

	sub := h.bus.SubscribeAll()
	defer h.bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames to notice the close handshake.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	greeting := model.Event{
		Topic:   model.TopicServerStatus,
		Payload: model.ServerStatusEvent{Status: "connected", Clients: count},
	}
	if err := h.write(ctx, ws, greeting); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			ev, ok := raw.(model.Event)
			if !ok {
				continue
			}
			if err := h.write(ctx, ws, ev); err != nil {
				return
			}
		}
	}
}

func (h *Events) write(ctx context.Context, ws *websocket.Conn, ev model.Event) error {
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, ws, ev)
}
