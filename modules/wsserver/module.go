// Package wsserver is the Fiber-based HTTP and WebSocket transport for
// the relay core in modules/relay: room creation and token endpoints,
// health/readiness/metrics, and the /ws socket surface.
package wsserver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/example/ciphertext-relay/modules/relay"
)

// Module implements the WebSocket/HTTP transport module using Fiber.
type Module struct {
	app         *fiber.App
	handlers    *Handlers
	addr        string
	relayModule *relay.Module
	corsOrigins string
	logger      types.Logger
}

// NewModule creates a new transport module.
func NewModule(addr string, relayModule *relay.Module, corsOrigins string, moduleLogger types.Logger) *Module {
	return &Module{
		addr:        addr,
		relayModule: relayModule,
		corsOrigins: corsOrigins,
		logger:      moduleLogger,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "ws-server"
}

// Start initializes and starts the Fiber server.
func (m *Module) Start(ctx context.Context) error {
	m.app = fiber.New(fiber.Config{
		AppName:               "ciphertext relay",
		DisableStartupMessage: true,
		ErrorHandler:          m.errorHandler,
	})

	m.app.Use(recover.New())
	m.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} ${method} ${path} ${latency}\n",
	}))
	m.app.Use(cors.New(cors.Config{
		AllowOrigins: m.corsOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type",
	}))

	m.handlers = NewHandlers(m.relayModule, m.logger)
	m.registerRoutes()

	errCh := make(chan error, 1)
	go func() {
		if err := m.app.Listen(m.addr); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("transport server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	m.logger.Info("transport server started", "addr", m.addr)
	return nil
}

// Stop gracefully shuts down the Fiber server.
func (m *Module) Stop(ctx context.Context) error {
	if m.app != nil {
		if err := m.app.ShutdownWithContext(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	m.logger.Info("transport server stopped")
	return nil
}

func (m *Module) registerRoutes() {
	m.app.Get("/health", m.handlers.Health)
	m.app.Get("/ready", m.handlers.Ready)
	m.app.Get("/live", m.handlers.Live)
	m.app.Get("/metrics", m.handlers.Metrics)

	m.app.Post("/rooms", m.handlers.CreateRoom)
	m.app.Get("/rooms/:room_id/token", m.handlers.MintToken)

	m.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("client_ip", c.IP())
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	m.app.Get("/ws", websocket.New(m.handlers.HandleWebSocket))
}

func (m *Module) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	m.logger.Error("http error", "code", code, "error", err)

	return c.Status(code).JSON(fiber.Map{"error": message})
}
