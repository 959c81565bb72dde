package apiserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type websocketEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
	TS   int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleSnapshotStream pushes every published valuation snapshot to the
// client. The current snapshot, if any, is sent immediately on connect.
func (s *Service) handleSnapshotStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	snapshots, unsubscribe := s.engine.Subscribe()
	defer unsubscribe()

	readErrCh := make(chan error, 1)
	go s.snapshotStreamReadLoop(conn, readErrCh)

	if current, ok := s.engine.Current(); ok {
		if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "snapshot", Data: current, TS: time.Now().Unix()}); err != nil {
			return
		}
	}

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case snapshot, ok := <-snapshots:
			if !ok {
				return
			}
			if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "snapshot", Data: snapshot, TS: time.Now().Unix()}); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// The stream is push-only; the read loop exists to notice the peer closing.
func (s *Service) snapshotStreamReadLoop(conn *websocket.Conn, readErrCh chan<- error) {
	conn.SetReadLimit(4096)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			readErrCh <- err
			return
		}
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}
