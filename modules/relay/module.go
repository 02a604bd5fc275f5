// Package relay wires the room store, room router, protocol engine,
// admission gate, keep-alive driver, and metrics registry into a single
// mono.Module: the relay core the transport module drives.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/contrib/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/example/ciphertext-relay/internal/admission"
	"github.com/example/ciphertext-relay/internal/connctx"
	"github.com/example/ciphertext-relay/internal/keepalive"
	"github.com/example/ciphertext-relay/internal/metrics"
	"github.com/example/ciphertext-relay/internal/protocol"
	"github.com/example/ciphertext-relay/internal/ratebucket"
	"github.com/example/ciphertext-relay/internal/roomstore"
	"github.com/example/ciphertext-relay/internal/router"
	"github.com/example/ciphertext-relay/internal/tokencodec"
)

// Compile-time interface check.
var _ mono.Module = (*Module)(nil)

// Config carries every tunable the relay core needs, sourced from
// internal/config.Config by the process entry point.
type Config struct {
	KVURL              string
	KVConnectTimeout   time.Duration
	KVMaxRetriesPerReq int

	JoinTokenSecret []byte

	RoomMaxParticipants int
	RoomKeyTTL          time.Duration
	QRRotationInterval  time.Duration

	MaxWSFrameBytes    int
	MaxCiphertextBytes int

	MaxMsgsPer10s  int
	MaxBytesPer10s int

	MaxConnsPerIP       int
	MaxTotalConnections int

	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Module is the mono.Module wrapping the relay core.
type Module struct {
	cfg    Config
	logger types.Logger

	client    *redis.Client
	store     *roomstore.Store
	tokens    *tokencodec.Manager
	router    *router.Router
	engine    *protocol.Engine
	admission *admission.Gate
	keepalive *keepalive.Driver
	metrics   *metrics.Registry
}

// NewModule builds a relay Module. moduleLogger is the mono-injected
// structured logger; every non-bootstrap log line in this module and its
// owned packages goes through it rather than the standard library
// logger.
func NewModule(cfg Config, moduleLogger types.Logger) *Module {
	return &Module{cfg: cfg, logger: moduleLogger}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "relay"
}

// Init constructs the Redis client and every relay component, but starts
// nothing that runs on its own goroutine yet (that is Start's job).
func (m *Module) Init(_ mono.ServiceContainer) error {
	m.client = redis.NewClient(&redis.Options{
		Addr:         m.cfg.KVURL,
		MaxRetries:   m.cfg.KVMaxRetriesPerReq,
		DialTimeout:  m.cfg.KVConnectTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.KVConnectTimeout)
	defer cancel()
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("relay: connect to KV store: %w", err)
	}

	m.store = roomstore.New(roomstore.Config{
		Client:  m.client,
		RoomTTL: m.cfg.RoomKeyTTL,
	})
	m.tokens = tokencodec.NewManager(tokencodec.Config{Secret: m.cfg.JoinTokenSecret})

	m.admission = admission.New(admission.Config{
		MaxConnsPerIP:       m.cfg.MaxConnsPerIP,
		MaxTotalConnections: m.cfg.MaxTotalConnections,
	})
	m.metrics = metrics.New(func() uint64 { return uint64(m.admission.GlobalCount()) })

	m.router = router.New(router.Config{
		Tokens:           m.tokens,
		Store:            m.store,
		RotationInterval: m.cfg.QRRotationInterval,
		QRTokenTTL:       m.cfg.QRRotationInterval,
		MaxBufferedBytes: int64(4 * m.cfg.MaxWSFrameBytes),
		OnRotate:         protocol.RotationFrame,
		Logger:           m.logger,
		Metrics:          m.metrics,
	})

	m.engine = protocol.New(protocol.Config{
		Store:  m.store,
		Router: m.router,
		Tokens: m.tokens,
		Limits: protocol.Limits{
			MaxWSFrameBytes:     m.cfg.MaxWSFrameBytes,
			MaxCiphertextBytes:  m.cfg.MaxCiphertextBytes,
			MaxMediaTotalBytes:  14 << 20,
			MaxMediaChunks:      128,
			RoomMaxParticipants: m.cfg.RoomMaxParticipants,
			RoomKeyTTL:          m.cfg.RoomKeyTTL,
		},
		Logger:  m.logger,
		Metrics: m.metrics,
	})

	m.keepalive = keepalive.New(keepalive.Config{
		PingInterval: m.cfg.PingInterval,
		PingTimeout:  m.cfg.PingTimeout,
		Logger:       m.logger,
		Metrics:      m.metrics,
	})

	return nil
}

// Start begins the Keep-Alive Driver's sweep goroutine.
func (m *Module) Start(_ context.Context) error {
	m.keepalive.Start()
	m.logger.Info("relay: started", "kv_addr", m.cfg.KVURL)
	return nil
}

// Stop sends a going-away close to every open socket, halts the
// Keep-Alive Driver, and closes the KV client.
func (m *Module) Stop(ctx context.Context) error {
	for _, c := range m.keepalive.Snapshot() {
		c.CloseWithCode(int(protocol.CloseGoingAway), "going away")
	}
	m.keepalive.Stop()
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			return fmt.Errorf("relay: close KV client: %w", err)
		}
	}
	m.logger.Info("relay: stopped")
	return nil
}

// HealthCheck reflects Room Store reachability.
func (m *Module) HealthCheck(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("relay: KV store unreachable: %w", err)
	}
	return nil
}

// AdmitConnection is the single entry point the transport module calls on
// a new socket: it couples the admission gate, builds the Connection
// Context and its rate buckets, and registers it with the Keep-Alive
// Driver. It returns nil and a reason on rejection without having
// consumed any meter slot or connection id.
func (m *Module) AdmitConnection(ip string, conn *websocket.Conn) (*connctx.Context, error) {
	if err := m.admission.Admit(ip); err != nil {
		m.metrics.IncConnectionsRejected()
		return nil, err
	}

	id, err := tokencodec.NewConnectionID()
	if err != nil {
		m.admission.Release(ip)
		return nil, fmt.Errorf("relay: generate connection id: %w", err)
	}

	buckets := ratebucket.NewPair(m.cfg.MaxMsgsPer10s, m.cfg.MaxBytesPer10s, 10*time.Second)
	c := connctx.New(id, ip, conn, buckets, 64)
	m.keepalive.Register(c)
	m.metrics.IncConnectionsAdmitted()
	return c, nil
}

// ReleaseConnection is the single disconnect path: it releases admission
// slots, unregisters from keep-alive, and removes any room membership.
// Callers MUST invoke it exactly once per connection, typically guarded
// by the connection's own close-once flag.
func (m *Module) ReleaseConnection(c *connctx.Context) {
	c.Close()
	m.engine.Disconnect(c)
	m.keepalive.Unregister(c.ID)
	m.admission.Release(c.IP)
	m.metrics.IncConnectionsTerminated()
}

// Engine, Store, Tokens, and Metrics expose the components the transport
// module needs direct access to (dispatch, HTTP room endpoints, /metrics).
func (m *Module) Engine() *protocol.Engine    { return m.engine }
func (m *Module) Store() *roomstore.Store     { return m.store }
func (m *Module) Tokens() *tokencodec.Manager { return m.tokens }
func (m *Module) Metrics() *metrics.Registry  { return m.metrics }
