package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/carevault/internal/ledger"
	"github.com/onnwee/carevault/internal/middleware"
	"github.com/onnwee/carevault/internal/stream"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

// StreamBroker is the broker surface used by the audit stream endpoint.
type StreamBroker interface {
	SubscribeAs(subscriber string, f ledger.Filter) (*stream.Subscription, error)
}

// StreamHandlers serves the live audit event stream over WebSocket.
type StreamHandlers struct {
	broker   StreamBroker
	upgrader websocket.Upgrader
}

// NewStreamHandlers creates a stream handler. With no allowed origins the
// upgrader accepts same-origin requests only.
func NewStreamHandlers(broker StreamBroker, allowedOrigins []string) *StreamHandlers {
	h := &StreamHandlers{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if len(allowedOrigins) > 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, origin)
		}
	}
	return h
}

// Subscribe handles GET /audit/stream. Query parameters are the same filter
// criteria as GET /audit/entries; each matching entry is sent as one JSON
// text message in append order. A subscriber that falls behind is closed
// with code 1013.
func (h *StreamHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f, err := parseFilter(r)
	if err != nil {
		WriteValidationError(w, ctx, err)
		return
	}

	actor := middleware.GetActor(ctx)
	sub, err := h.broker.SubscribeAs(actor, f)
	if err != nil {
		if errors.Is(err, stream.ErrTooManySubscribers) || errors.Is(err, stream.ErrBrokerClosed) {
			WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeUnavailable, "Audit stream unavailable")
			return
		}
		slog.ErrorContext(ctx, "failed to subscribe to audit stream", "error", err)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to subscribe")
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(ctx, "failed to upgrade audit stream connection", "error", err)
		return
	}
	defer conn.Close()

	requestID := middleware.GetRequestID(ctx)
	slog.InfoContext(ctx, "audit stream subscriber connected",
		"subscription_id", sub.ID().String(),
		"actor", actor,
		"request_id", requestID)

	closed := make(chan struct{})
	go readPump(conn, closed)

	reason := writePump(conn, sub, closed)
	slog.InfoContext(ctx, "audit stream subscriber disconnected",
		"subscription_id", sub.ID().String(),
		"actor", actor,
		"reason", reason)
}

// readPump consumes control frames so pongs and close frames are handled,
// and closes done when the peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump forwards entries and pings until the subscription or the
// connection ends, and returns why it stopped.
func writePump(conn *websocket.Conn, sub *stream.Subscription, peerGone <-chan struct{}) string {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return closeForSubscription(conn, sub.Err())
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return "write_error"
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return "ping_failed"
			}
		case <-peerGone:
			return "client_closed"
		}
	}
}

func closeForSubscription(conn *websocket.Conn, err error) string {
	code, text, reason := websocket.CloseNormalClosure, "subscription closed", "closed"
	switch {
	case errors.Is(err, stream.ErrSlowConsumer):
		code, text, reason = websocket.CloseTryAgainLater, "slow consumer", "slow_consumer"
	case errors.Is(err, stream.ErrBrokerClosed):
		code, text, reason = websocket.CloseGoingAway, "server shutting down", "shutdown"
	}
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
	return reason
}
