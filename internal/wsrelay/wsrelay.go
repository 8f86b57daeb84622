// Package wsrelay implements the websocket side of the listener: a
// non-storing Nostr relay that accepts EVENT frames, runs them through the
// notification engine, and always answers "blocked". It never serves REQ
// subscriptions — this relay has no events to hand back.
package wsrelay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/damus-io/notepush/internal/engine"
)

// maxConsecutiveErrors is the per-connection error budget before the
// relay gives up on a misbehaving client.
const maxConsecutiveErrors = 10

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// IsUpgradeRequest reports whether r carries the standard websocket
// upgrade headers, so the listener can route it here instead of to the
// HTTP API.
func IsUpgradeRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Handler serves one upgraded connection to completion.
type Handler struct {
	engine *engine.Engine
	logger *zap.Logger
}

func NewHandler(e *engine.Engine, logger *zap.Logger) *Handler {
	return &Handler{engine: e, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	consecutiveErrors := 0
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return // client closed, or a transport-level error; nothing left to do.
		}
		if msgType != websocket.TextMessage {
			continue // binary frames, pings and pongs follow gorilla's defaults.
		}

		if ok := h.handleText(ctx, conn, data); !ok {
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveErrors {
				h.logger.Warn("closing connection after too many consecutive errors")
				return
			}
			continue
		}
		consecutiveErrors = 0
	}
}

// handleText decodes and dispatches one text frame. It returns false on any
// decode or processing error so the caller can track the consecutive-error
// counter; in every case (including errors) a reply has already been
// written to the client.
func (h *Handler) handleText(ctx context.Context, conn *websocket.Conn, data []byte) bool {
	var envelope []json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope) == 0 {
		h.notice(conn, "could not parse command")
		return false
	}

	var label string
	if err := json.Unmarshal(envelope[0], &label); err != nil {
		h.notice(conn, "could not parse command")
		return false
	}

	switch label {
	case "EVENT":
		return h.handleEvent(ctx, conn, envelope)
	default:
		// A well-formed envelope carrying a variant we don't implement
		// (REQ, CLOSE, ...) is not a protocol error: it gets a NOTICE but
		// does not count against the consecutive-error budget.
		h.notice(conn, "Unsupported message: "+label)
		return true
	}
}

func (h *Handler) handleEvent(ctx context.Context, conn *websocket.Conn, envelope []json.RawMessage) bool {
	if len(envelope) < 2 {
		h.notice(conn, "EVENT message missing its payload")
		return false
	}

	var event nostr.Event
	if err := json.Unmarshal(envelope[1], &event); err != nil {
		h.notice(conn, "EVENT payload is not a valid note")
		return false
	}

	err := h.engine.ProcessEvent(ctx, &event)
	if err != nil {
		h.logger.Error("process_event failed", zap.String("event_id", event.ID), zap.Error(err))
	}

	h.okBlocked(conn, event.ID)
	return err == nil
}

func (h *Handler) okBlocked(conn *websocket.Conn, eventID string) {
	h.write(conn, []any{"OK", eventID, false, "blocked: This relay does not store events"})
}

func (h *Handler) notice(conn *websocket.Conn, message string) {
	h.write(conn, []any{"NOTICE", message})
}

func (h *Handler) write(conn *websocket.Conn, envelope []any) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("failed to marshal relay reply", zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		h.logger.Debug("failed to write relay reply", zap.Error(err))
	}
}
