package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/framecache"
)

const socketWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	// viewers are served from other local origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

type socketMessage struct {
	Type      string  `json:"type"`
	Message   string  `json:"message,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Data      string  `json:"data,omitempty"`
}

// snapshotSocket serializes writes; gorilla connections allow one writer at a time
type snapshotSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (ss *snapshotSocket) send(msg socketMessage) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_ = ss.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return ss.conn.WriteJSON(msg)
}

// handleSnapshotSocket pushes low-quality snapshots over a websocket and
// answers pings. The camera stays in use until the client goes away.
func (s *Server) handleSnapshotSocket(c *gin.Context) {
	if s.deps.Scheduler == nil || s.deps.Snapshots == nil {
		unavailable(c, "Snapshot service")
		return
	}

	id := c.Param("id")
	if err := s.deps.Scheduler.MarkInUse(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	defer s.deps.Scheduler.Release(id)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.LogWarn("Websocket upgrade failed", "camera_id", id, "error", err)
		return
	}
	defer conn.Close()

	sock := &snapshotSocket{conn: conn}
	if err := sock.send(socketMessage{Type: "info", Message: "Snapshot connection established"}); err != nil {
		return
	}
	s.LogDebug("Snapshot socket opened", "camera_id", id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg socketMessage
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			if msg.Type == "ping" {
				if err := sock.send(socketMessage{Type: "pong"}); err != nil {
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.LogDebug("Snapshot socket closed", "camera_id", id)
			return
		case now := <-ticker.C:
			data := s.deps.Snapshots.GetEncodedFrame(id, framecache.QualityLow)
			msg := socketMessage{
				Type:      "snapshot",
				Timestamp: float64(now.UnixNano()) / float64(time.Second),
				Data:      base64.StdEncoding.EncodeToString(data),
			}
			if err := sock.send(msg); err != nil {
				return
			}
		}
	}
}
