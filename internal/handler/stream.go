package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Almenon/AREPL-backend/internal/events"
	"github.com/Almenon/AREPL-backend/internal/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// The token authorizes a stream, not the page it was opened from.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type sessionGetter interface {
	Get(id string) (*service.Session, error)
}

// StreamHandler relays a session's events to a websocket as JSON messages,
// one per event, in publish order.
type StreamHandler struct {
	sessions sessionGetter
	bus      events.Bus
	logger   *slog.Logger
}

func NewStreamHandler(sessions sessionGetter, bus events.Bus, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{sessions: sessions, bus: bus, logger: logger}
}

func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.sessions.Get(id); err != nil {
		writeError(w, err)
		return
	}

	// the request context outlives a hijacked connection, so the read loop
	// cancels this one on disconnect
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// subscribe before upgrading so nothing published after the handshake
	// is missed
	evs, err := h.bus.Subscribe(ctx, id)
	if err != nil {
		h.logger.Error("failed to subscribe to session events",
			slog.String("sessionID", id),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   "unavailable",
			Message: "event stream is unavailable",
		})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	h.logger.Info("stream client connected",
		slog.String("sessionID", id),
		slog.String("remoteAddr", conn.RemoteAddr().String()),
	)

	go readUntilClosed(conn, cancel)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("stream client disconnected", slog.String("sessionID", id))
			return

		case ev, ok := <-evs:
			if !ok {
				closeStream(conn, websocket.CloseGoingAway, "server shutting down")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Warn("failed to write event",
					slog.String("sessionID", id),
					slog.String("error", err.Error()),
				)
				return
			}
			if ev.Type == events.TypeClosed {
				closeStream(conn, websocket.CloseNormalClosure, "session closed")
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readUntilClosed discards client messages and calls done once the client
// goes away or stops answering pings.
func readUntilClosed(conn *websocket.Conn, done context.CancelFunc) {
	defer done()
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
