package wsserver

import (
	"context"
	"time"

	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/example/ciphertext-relay/internal/protocol"
	"github.com/example/ciphertext-relay/internal/roomstore"
	"github.com/example/ciphertext-relay/internal/tokencodec"
	"github.com/example/ciphertext-relay/modules/relay"
)

// healthTimeout bounds every Room Store reachability check the HTTP
// surface performs; it must never hang a health probe indefinitely.
const healthTimeout = 2 * time.Second

// Handlers holds the HTTP and WebSocket route bodies for the transport
// module, all delegating to the relay core.
type Handlers struct {
	relayModule *relay.Module
	logger      types.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(relayModule *relay.Module, moduleLogger types.Logger) *Handlers {
	return &Handlers{relayModule: relayModule, logger: moduleLogger}
}

// Health reports Room Store reachability and connection pressure.
func (h *Handlers) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), healthTimeout)
	defer cancel()

	if err := h.relayModule.HealthCheck(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"status":           "healthy",
		"open_connections": h.relayModule.Metrics().Snapshot().ConnectionsOpen,
	})
}

// Ready mirrors Health: readiness flips with Room Store reachability.
func (h *Handlers) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), healthTimeout)
	defer cancel()

	if err := h.relayModule.HealthCheck(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"ready": false})
	}
	return c.JSON(fiber.Map{"ready": true})
}

// Live always reports OK while the process is running; it never
// consults the Room Store.
func (h *Handlers) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"live": true})
}

// Metrics renders the aggregate counters as Prometheus-style text, or as
// JSON when the client asks for it via Accept.
func (h *Handlers) Metrics(c *fiber.Ctx) error {
	snap := h.relayModule.Metrics().Snapshot()
	if c.Accepts("application/json") == "application/json" && c.Accepts("text/plain") == "" {
		return c.JSON(snap)
	}
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4")
	return c.SendString(snap.RenderText())
}

type createRoomResponse struct {
	RoomID      string `json:"room_id"`
	Fingerprint string `json:"fingerprint"`
	NetworkIP   string `json:"network_ip,omitempty"`
}

// Per-IP ceiling on room creation over the HTTP surface.
const (
	createRoomLimit  = 10
	createRoomWindow = time.Minute
)

// CreateRoom handles POST /rooms: creates an empty room and returns its
// id and human-facing fingerprint. Rate-limited per caller IP.
func (h *Handlers) CreateRoom(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), healthTimeout)
	defer cancel()

	allowed, err := h.relayModule.Store().AllowRoomCreate(ctx, c.IP(), createRoomLimit, createRoomWindow)
	if err != nil {
		h.logger.Error("create_room: rate limit check failure", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create room"})
	}
	if !allowed {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "rate limit exceeded"})
	}

	rid, err := tokencodec.NewRoomID()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to allocate room id"})
	}

	if err := h.relayModule.Store().CreateEmpty(ctx, rid); err != nil {
		h.logger.Error("create_room: store failure", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create room"})
	}
	h.relayModule.Metrics().IncRoomsCreated()

	return c.Status(fiber.StatusCreated).JSON(createRoomResponse{
		RoomID:      rid,
		Fingerprint: roomstore.Fingerprint(rid),
		NetworkIP:   c.IP(),
	})
}

type tokenResponse struct {
	RoomID    string `json:"room_id"`
	Token     string `json:"token"`
	ExpUnixMS int64  `json:"exp_unix_ms"`
}

// rotationTokenTTL is the fixed expiry of tokens minted over HTTP,
// independent of ROOM_KEY_TTL_MS.
const rotationTokenTTL = 60 * time.Second

// MintToken handles GET /rooms/{room_id}/token.
func (h *Handlers) MintToken(c *fiber.Ctx) error {
	rid := c.Params("room_id")
	if rid == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "room_id is required"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), healthTimeout)
	defer cancel()
	exists, err := h.relayModule.Store().Exists(ctx, rid)
	if err != nil {
		h.logger.Error("mint_token: store failure", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to check room"})
	}
	if !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "room not found"})
	}

	token, claims, err := h.relayModule.Tokens().Mint(rid, rotationTokenTTL)
	if err != nil {
		h.logger.Error("mint_token: mint failure", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to mint token"})
	}

	return c.JSON(tokenResponse{RoomID: rid, Token: token, ExpUnixMS: claims.Exp.UnixMilli()})
}

// HandleWebSocket is the Admission Front-Door entry point: it admits the
// socket, runs its read loop through the Protocol Engine, and guarantees
// exactly-once cleanup on every exit path.
func (h *Handlers) HandleWebSocket(conn *websocket.Conn) {
	ip, _ := conn.Locals("client_ip").(string)
	if ip == "" {
		ip = conn.RemoteAddr().String()
	}

	c, err := h.relayModule.AdmitConnection(ip, conn)
	if err != nil {
		closeFrame := websocket.FormatCloseMessage(int(protocol.ClosePolicyViolation), err.Error())
		conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	defer h.relayModule.ReleaseConnection(c)

	conn.SetPongHandler(func(string) error {
		c.MarkPongReceived()
		return nil
	})

	c.Enqueue(protocol.Hello(), 1<<20)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		outcome := h.relayModule.Engine().HandleFrame(c, raw)
		if outcome.CloseCode != 0 {
			closeFrame := websocket.FormatCloseMessage(int(outcome.CloseCode), outcome.CloseReason)
			conn.WriteControl(websocket.CloseMessage, closeFrame, time.Now().Add(time.Second))
			return
		}
	}
}
