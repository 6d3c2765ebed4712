package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"
)

const (
	// maxFrameSize bounds inbound frames; signaling events are small.
	maxFrameSize = 64 * 1024

	writeWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary app origins; auth belongs
	// to a gateway in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler upgrades signaling connections and runs them to completion.
func (s *Server) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			util.Log(r.Context()).WithError(err).Error("websocket upgrade failed")
			return
		}
		s.serveConn(r.Context(), conn)
	})
}

// StatsHandler reports registry sizes as JSON.
func (s *Server) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Stats())
	})
}

// serveConn owns one websocket for its lifetime: a write pump draining
// the peer's outbound queue, and a read pump feeding HandleMessage.
// Either pump failing tears the peer down through the cleanup path.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	p := s.RegisterPeer("")
	log := util.Log(ctx).WithField("peer_id", p.ID())
	log.Info("peer connected", "remote", conn.RemoteAddr().String())

	go s.writePump(p, conn)

	pongWait := s.opts.PingInterval + s.opts.PingInterval/2
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("peer read failed")
			}
			break
		}
		s.HandleMessage(ctx, p, raw)
	}

	s.DisconnectPeer(p)
	_ = conn.Close()
	log.Info("peer disconnected")
}

// writePump serializes all writes to the socket: queued events plus the
// liveness pings. Exits when the peer is dropped or a write fails.
func (s *Server) writePump(p *Peer, conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-p.Outbound():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
