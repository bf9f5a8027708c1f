package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 45 * time.Second
	wsPingPeriod = 15 * time.Second
	wsMaxMessage = 1 << 20
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventsWS upgrades the connection and relays run events as JSON
// text frames, one event per frame. The feed is one-way; inbound frames
// beyond pong control traffic are discarded.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "provider_unconfigured", "event hub is not configured")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := s.hub.Subscribe(r.URL.Query().Get("conversationId"))
	feed := &wsEventFeed{
		conn:   conn,
		sub:    sub,
		logger: s.logger,
	}
	feed.run()
}

// wsEventFeed owns one upgraded connection. writeLoop is the only
// writer and readLoop the only reader, per gorilla's concurrency rules.
type wsEventFeed struct {
	conn   *websocket.Conn
	sub    *Subscription
	logger *slog.Logger
}

func (f *wsEventFeed) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		f.writeLoop()
	}()

	f.readLoop()

	// Client is gone or misbehaved. Ending the subscription closes the
	// event channel, which lets writeLoop send its close frame and exit.
	f.sub.Close()
	<-writerDone
	_ = f.conn.Close()
}

func (f *wsEventFeed) readLoop() {
	f.conn.SetReadLimit(wsMaxMessage)
	_ = f.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	f.conn.SetPongHandler(func(string) error {
		return f.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *wsEventFeed) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-f.sub.Events():
			_ = f.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = f.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				f.logger.Error("marshal event for websocket", "error", err, "run_id", ev.RunID)
				continue
			}
			if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Unblock readLoop as well; the deferred close in run
				// has not happened yet.
				_ = f.conn.Close()
				return
			}
		case <-ticker.C:
			_ = f.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := f.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = f.conn.Close()
				return
			}
		}
	}
}
