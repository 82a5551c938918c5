package httpapi

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// statusTopicSuffix mirrors the suffix the harness appends to a
// simulation's topic prefix when publishing its 1Hz status ticker.
const statusTopicSuffix = "/status"

// upgrader mirrors the teacher's origin-checking posture generalized
// from the chat hub to this read-only stream: when CORS_ALLOWED_ORIGINS
// is set, only the origins it lists are accepted; when it is unset, every
// origin is accepted outside ENVIRONMENT=production and none inside it.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		allowedEnv := os.Getenv("CORS_ALLOWED_ORIGINS")
		if allowedEnv == "" {
			return os.Getenv("ENVIRONMENT") != "production"
		}
		for _, allowed := range strings.Split(allowedEnv, ",") {
			if strings.TrimSpace(allowed) == origin {
				return true
			}
		}
		return false
	},
}

// statusWebSocket upgrades the connection and fans out every message
// published on the simulation's status topic (§7's 1Hz ticker) until
// either side closes. There is no client->server traffic on this
// stream; it exists purely to push StatusMessage payloads.
func (s *Server) statusWebSocket(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	if s.broker == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("status stream unavailable", "server error", nil))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	topic := rec.TopicPrefix + statusTopicSuffix
	msgs, closeSub, err := s.broker.Subscribe(ctx, topic)
	if err != nil {
		s.log.Warn("status subscribe failed", zap.Error(err))
		return
	}
	defer closeSub()

	// Detect peer disconnects: gorilla has no read deadline by default,
	// so a dedicated reader goroutine drains (and discards) incoming
	// frames and signals closure the moment ReadMessage errors.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, open := <-msgs:
			if !open {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
				return
			}
		}
	}
}
