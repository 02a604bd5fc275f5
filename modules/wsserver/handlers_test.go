package wsserver

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-monolith/mono/pkg/types"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/example/ciphertext-relay/modules/relay"
)

type discardLogger struct{}

func (discardLogger) Debug(string, ...any)           {}
func (discardLogger) Info(string, ...any)            {}
func (discardLogger) Warn(string, ...any)            {}
func (discardLogger) Error(string, ...any)           {}
func (discardLogger) With(...any) types.Logger       { return discardLogger{} }
func (discardLogger) WithModule(string) types.Logger { return discardLogger{} }
func (discardLogger) WithError(error) types.Logger   { return discardLogger{} }

// setupTestApp builds a real fiber.App over a real relay module; skip as
// an integration test when no local Redis is reachable.
func setupTestApp(t *testing.T) (*fiber.App, *Handlers, func()) {
	t.Helper()

	probe := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		probe.Close()
		t.Skip("Redis not available, skipping integration test")
	}
	probe.Close()

	relayModule := relay.NewModule(relay.Config{
		KVURL:               "localhost:6379",
		KVConnectTimeout:    2 * time.Second,
		KVMaxRetriesPerReq:  1,
		JoinTokenSecret:     []byte(strings.Repeat("k", 32)),
		RoomMaxParticipants: 10,
		RoomKeyTTL:          time.Minute,
		QRRotationInterval:  time.Hour,
		MaxWSFrameBytes:     262_144,
		MaxCiphertextBytes:  65_536,
		MaxMsgsPer10s:       100,
		MaxBytesPer10s:      1 << 20,
		MaxConnsPerIP:       3,
		MaxTotalConnections: 100,
		PingInterval:        time.Minute,
		PingTimeout:         time.Minute,
	}, discardLogger{})

	if err := relayModule.Init(nil); err != nil {
		t.Fatalf("relay Init() error = %v", err)
	}
	if err := relayModule.Start(context.Background()); err != nil {
		t.Fatalf("relay Start() error = %v", err)
	}

	handlers := NewHandlers(relayModule, discardLogger{})
	app := fiber.New()
	app.Get("/health", handlers.Health)
	app.Get("/ready", handlers.Ready)
	app.Get("/live", handlers.Live)
	app.Get("/metrics", handlers.Metrics)
	app.Post("/rooms", handlers.CreateRoom)
	app.Get("/rooms/:room_id/token", handlers.MintToken)

	cleanup := func() {
		relayModule.Stop(context.Background())
		flush := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
		flush.FlushDB(context.Background())
		flush.Close()
	}
	return app, handlers, cleanup
}

func TestLiveAlwaysReportsOK(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	resp, err := app.Test(httptest.NewRequest("GET", "/live", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
}

func TestHealthAndReadyReflectKVReachability(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	for _, path := range []string{"/health", "/ready"} {
		resp, err := app.Test(httptest.NewRequest("GET", path, nil))
		if err != nil {
			t.Fatalf("app.Test(%s) error = %v", path, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("%s status = %d, want %d", path, resp.StatusCode, fiber.StatusOK)
		}
	}
}

func TestCreateRoomThenMintToken(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	resp, err := app.Test(httptest.NewRequest("POST", "/rooms", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("create room status = %d, want %d", resp.StatusCode, fiber.StatusCreated)
	}

	var created createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode create room response: %v", err)
	}
	if created.RoomID == "" {
		t.Fatal("create room response has empty room_id")
	}
	if created.Fingerprint == "" {
		t.Error("create room response has empty fingerprint")
	}

	tokenResp, err := app.Test(httptest.NewRequest("GET", "/rooms/"+created.RoomID+"/token", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if tokenResp.StatusCode != fiber.StatusOK {
		t.Fatalf("mint token status = %d, want %d", tokenResp.StatusCode, fiber.StatusOK)
	}

	var minted tokenResponse
	if err := json.NewDecoder(tokenResp.Body).Decode(&minted); err != nil {
		t.Fatalf("decode mint token response: %v", err)
	}
	if minted.Token == "" {
		t.Error("mint token response has empty token")
	}
	if minted.RoomID != created.RoomID {
		t.Errorf("minted token room_id = %q, want %q", minted.RoomID, created.RoomID)
	}
}

func TestCreateRoomRateLimitPerIP(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	var lastStatus int
	for i := 0; i < createRoomLimit+1; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/rooms", nil))
		if err != nil {
			t.Fatalf("app.Test() error = %v", err)
		}
		lastStatus = resp.StatusCode
	}
	if lastStatus != fiber.StatusTooManyRequests {
		t.Errorf("request %d status = %d, want %d", createRoomLimit+1, lastStatus, fiber.StatusTooManyRequests)
	}
}

func TestMintTokenForUnknownRoomIsNotFound(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	resp, err := app.Test(httptest.NewRequest("GET", "/rooms/does-not-exist/token", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
	}
}

func TestMetricsRendersPrometheusTextForTextAccept(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Accept", "text/plain")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
	if ct := resp.Header.Get(fiber.HeaderContentType); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain prefix", ct)
	}
}
