package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"marketsync/internal/models"
	"marketsync/internal/realtime"
)

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports ready while at least one transport is live and the
// relay, when configured, answers.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	session := s.deps.Session
	socketStatus := "down"
	if session.Client().Connected() {
		socketStatus = "connected"
	}
	pollingStatus := "stopped"
	if session.Poller().Enabled() {
		pollingStatus = "running"
	}

	redisStatus := "disabled"
	if s.deps.Redis != nil {
		redisStatus = "healthy"
		if err := s.deps.Redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	status := fiber.StatusOK
	overallStatus := "ready"
	if !session.Ready() || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unavailable"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"mode":   session.Mode(),
		"checks": fiber.Map{
			"websocket": socketStatus,
			"polling":   pollingStatus,
			"redis":     redisStatus,
		},
		"time": time.Now(),
	})
}

// Status returns the session snapshot plus inbox totals.
func (s *Server) Status(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"session":      s.deps.Session.Status(),
			"unread_total": s.deps.Store.TotalUnread(),
			"subscribers":  s.deps.Hub.Count(),
		},
	})
}

// ListConversations returns the local inbox, most recent first.
func (s *Server) ListConversations(c *fiber.Ctx) error {
	convs := s.deps.Store.Conversations()
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"conversations": convs,
			"total":         len(convs),
			"unread_total":  s.deps.Store.TotalUnread(),
		},
	})
}

// ListMessages returns retained messages of a conversation. An empty local
// history is fetched from the API first.
func (s *Server) ListMessages(c *fiber.Ctx) error {
	id := c.Params("id")
	msgs := s.deps.Store.Messages(id)
	if len(msgs) == 0 && s.deps.API != nil {
		hist, err := s.deps.API.GetConversationHistory(c.UserContext(), id, 1, s.config.HistorySize)
		if err != nil {
			return respondError(c, err)
		}
		s.deps.Store.SeedHistory(hist)
		msgs = s.deps.Store.Messages(id)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"messages": msgs,
			"unread":   s.deps.Store.Unread(id),
			"typing":   s.deps.Store.Typing(id),
		},
	})
}

// SendMessage posts a message through the API and records it locally.
func (s *Server) SendMessage(c *fiber.Ctx) error {
	if s.deps.API == nil {
		return respondError(c, &models.AppError{Status: fiber.StatusServiceUnavailable, Code: "API_UNAVAILABLE", Message: "Messaging API is not configured"})
	}
	var req models.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}

	msg, err := s.deps.API.SendMessage(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return respondError(c, err)
	}
	// The echo from the socket or poller is de-duplicated by the store.
	s.deps.Store.Apply(realtime.NewMessageEvent{Message: *msg, At: msg.CreatedAt})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"success": true, "data": msg})
}

// MarkRead marks the conversation read locally and acknowledges each message
// to the API.
func (s *Server) MarkRead(c *fiber.Ctx) error {
	id := c.Params("id")
	ids := s.deps.Store.MarkConversationRead(id)
	if s.deps.API != nil {
		for _, mid := range ids {
			if err := s.deps.API.MarkMessageAsRead(c.UserContext(), mid); err != nil {
				return respondError(c, err)
			}
		}
	}
	return c.JSON(fiber.Map{"success": true, "data": fiber.Map{"marked": len(ids)}})
}

// Track starts following a conversation.
func (s *Server) Track(c *fiber.Ctx) error {
	id := c.Params("id")
	s.deps.Session.Track(id)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true, "data": fiber.Map{"conversation_id": id, "tracked": true}})
}

// Untrack stops following a conversation.
func (s *Server) Untrack(c *fiber.Ctx) error {
	id := c.Params("id")
	s.deps.Session.Untrack(id)
	return c.JSON(fiber.Map{"success": true, "data": fiber.Map{"conversation_id": id, "tracked": false}})
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// Typing forwards the viewer's typing state.
func (s *Server) Typing(c *fiber.Ctx) error {
	var req typingRequest
	if err := c.BodyParser(&req); err != nil {
		return respondError(c, models.NewValidationError("Invalid request body"))
	}
	s.deps.Session.SendTyping(c.Params("id"), req.IsTyping)
	return c.SendStatus(fiber.StatusNoContent)
}
