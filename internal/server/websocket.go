package server

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

func upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// EventStream upgrades to a WebSocket that receives every normalized event,
// or only those of the conversations named in ?conversation_id=a,b. The
// subscriber can change its filter with subscribe/unsubscribe frames.
func (s *Server) EventStream() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		var ids []string
		for _, id := range strings.Split(conn.Query("conversation_id"), ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}

		client, err := s.deps.Hub.Register(conn, ids...)
		if err != nil {
			s.log.Warn(s.shutdownCtx, "event subscriber rejected", "error", err.Error())
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
			_ = conn.Close()
			return
		}

		// The conn is recycled once this handler returns, so wait for both pumps.
		done := make(chan struct{})
		go func() {
			defer close(done)
			client.WritePump()
		}()
		client.ReadPump()
		<-done
	})
}
