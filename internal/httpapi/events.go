package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"greennanny-dashboard/internal/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsBuffer     = 64
)

type wsMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// handleEvents streams engine events over a WebSocket. The current view is
// sent on connect and again after every cycle.
func (c *dashboardControllerImpl) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("events: websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	events, unsubscribe := c.dashboard.Subscribe(wsBuffer)
	defer unsubscribe()

	// Reads only serve pongs and close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(m wsMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m)
	}
	writeView := func() error {
		vm, ok := c.dashboard.View()
		if !ok {
			return nil
		}
		return write(wsMessage{Type: "view", Payload: vm})
	}

	if err := writeView(); err != nil {
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
				return
			}
			if err := write(wsMessage{Type: "event", Payload: ev}); err != nil {
				c.logger.Debug("events: write failed", "error", err)
				return
			}
			switch ev.Type {
			case engine.CycleSucceeded, engine.CycleFailed, engine.HistoryCleared:
				if err := writeView(); err != nil {
					c.logger.Debug("events: write failed", "error", err)
					return
				}
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
