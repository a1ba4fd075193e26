// Package server exposes the sync agent over HTTP: health probes, session
// status, the local inbox, Prometheus metrics and a WebSocket event stream.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"marketsync/internal/inbox"
	"marketsync/internal/models"
	"marketsync/internal/notifications"
	"marketsync/internal/observability"
	"marketsync/internal/realtime"
)

// MessagingAPI is the part of the REST client the server calls.
type MessagingAPI interface {
	GetConversationHistory(ctx context.Context, conversationID string, page, pageSize int) (*models.ConversationHistory, error)
	SendMessage(ctx context.Context, conversationID string, req models.SendMessageRequest) (*models.Message, error)
	MarkMessageAsRead(ctx context.Context, messageID string) error
}

// Deps are the collaborators a Server serves. Session, Store and Hub are
// required; API, Notifier and Redis may be nil.
type Deps struct {
	Session  *realtime.Session
	Store    *inbox.Store
	Hub      *notifications.Hub
	API      MessagingAPI
	Notifier *notifications.Notifier
	Redis    *redis.Client
}

// Config configures a Server.
type Config struct {
	Addr        string
	HistorySize int
}

// Server is the agent's status and control surface.
type Server struct {
	config Config
	deps   Deps
	app    *fiber.App
	log    *observability.SyncLogger

	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	detach      []func()
}

var (
	promOnce sync.Once
	prom     *fiberprometheus.FiberPrometheus
)

// promMiddleware registers the HTTP collectors in the default registry once
// per process, so /metrics also serves the sync collectors.
func promMiddleware() *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		prom = fiberprometheus.NewWithRegistry(prometheus.DefaultRegisterer, "marketsync", "marketsync", "http", nil)
	})
	return prom
}

// New builds the fiber app and attaches the inbox, and the hub or the relay,
// to the session's events.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Session == nil || deps.Store == nil || deps.Hub == nil {
		return nil, errors.New("server: session, store and hub are required")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      cfg,
		deps:        deps,
		log:         observability.NewSyncLogger("server").ForUser(deps.Session.UserID()),
		shutdownCtx: ctx,
		shutdownFn:  cancel,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "marketsync",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Success: false, Error: fe.Message})
			}
			s.log.Error(c.UserContext(), "unhandled request error", err, "path", c.Path())
			return respondError(c, models.NewInternalError(err))
		},
	})
	s.setupMiddleware(s.app)
	s.setupRoutes(s.app)

	s.detach = append(s.detach, deps.Store.Attach(deps.Session.Dispatcher))
	// With a relay the hub is fed from Redis in Listen.
	if deps.Notifier != nil {
		s.detach = append(s.detach, deps.Notifier.Relay(ctx, deps.Session.Dispatcher))
	} else {
		s.detach = append(s.detach, deps.Hub.Attach(deps.Session.Dispatcher))
	}
	return s, nil
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) setupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(correlationMiddleware())
	app.Use(promMiddleware().Middleware)
	app.Use(s.requestLogger())
}

func (s *Server) setupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	promMiddleware().RegisterAt(app, "/metrics")

	app.Get("/status", s.Status)

	convs := app.Group("/conversations")
	convs.Get("/", s.ListConversations)
	convs.Get("/:id/messages", s.ListMessages)
	convs.Post("/:id/messages", s.SendMessage)
	convs.Post("/:id/read", s.MarkRead)
	convs.Post("/:id/track", s.Track)
	convs.Delete("/:id/track", s.Untrack)
	convs.Post("/:id/typing", s.Typing)

	app.Use("/ws", upgradeRequired)
	app.Get("/ws/events", s.EventStream())
}

// Listen serves on ln until Shutdown. The Redis relay, when configured, is
// wired into the hub first.
func (s *Server) Listen(ln net.Listener) error {
	if s.deps.Notifier != nil {
		if err := s.deps.Hub.StartWiring(s.shutdownCtx, s.deps.Notifier); err != nil {
			s.log.Warn(s.shutdownCtx, "relay wiring failed", "error", err.Error())
		}
	}
	s.log.Info(s.shutdownCtx, "status server listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Start listens on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Listen(ln)
}

// Shutdown stops the HTTP server and closes subscribers. The session itself
// is owned by the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownFn()
	for _, fn := range s.detach {
		fn()
	}

	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.deps.Hub.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.log.Info(ctx, "status server stopped")
	return errors.Join(errs...)
}

func correlationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get("X-Correlation-ID")
		if id == "" {
			if rid, ok := c.Locals(requestid.ConfigDefault.ContextKey).(string); ok && rid != "" {
				id = rid
			} else {
				id = observability.GenerateCorrelationID()
			}
		}
		c.Set("X-Correlation-ID", id)
		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))
		return c.Next()
	}
}

func (s *Server) requestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		s.log.Debug(c.UserContext(), "request",
			"method", c.Method(),
			"path", c.Path(),
			"status", c.Response().StatusCode(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return err
	}
}

// respondError writes err in the shared error envelope.
func respondError(c *fiber.Ctx, err error) error {
	appErr, ok := models.AsAppError(err)
	if !ok {
		appErr = models.NewInternalError(err)
	}
	status := appErr.Status
	if status == 0 {
		status = fiber.StatusBadGateway
	}
	return c.Status(status).JSON(models.ErrorResponse{
		Success: false,
		Error:   appErr.Message,
		Code:    appErr.Code,
	})
}
