package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/baresipbridge/internal/bridge/events"
	"github.com/sebas/baresipbridge/internal/bridge/model"
)

const wsWriteTimeout = 10 * time.Second

// handleWebSocket streams the init snapshot followed by every broadcast.
// Observers that stop draining are dropped by the hub, which closes the
// subscription channel and ends this handler.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] WebSocket upgrade failed", "remote", remoteAddr(r), "error", err)
		return
	}
	defer conn.Close()

	var (
		initEvent events.Event
		sub       *events.Subscription
	)
	s.state.Subscribe(func(snap model.Snapshot) {
		initEvent = s.build.Init(snap)
		sub = s.hub.Subscribe()
	})
	defer sub.Close()

	slog.Info("[API] Observer connected", "remote", remoteAddr(r), "observers", s.hub.Count())
	defer slog.Info("[API] Observer disconnected", "remote", remoteAddr(r))

	// Inbound frames are ignored; reading is only needed to notice the
	// peer going away and to process control frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeEvent(conn, initEvent); err != nil {
		return
	}

	ping := time.NewTicker(s.pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				slog.Warn("[API] Dropping slow observer", "remote", remoteAddr(r))
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				slog.Debug("[API] Observer write failed", "remote", remoteAddr(r), "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ev)
}
