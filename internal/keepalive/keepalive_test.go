package keepalive

import (
	"testing"
	"time"

	"github.com/example/ciphertext-relay/internal/connctx"
)

func TestSweepPingsIdleConnection(t *testing.T) {
	d := New(Config{PingInterval: time.Hour, PingTimeout: time.Minute})
	c := connctx.ForTest("conn-1")
	d.Register(c)

	d.sweep()

	awaiting, _ := c.PongStatus()
	if !awaiting {
		t.Error("expected sweep to dispatch a ping and mark awaiting-pong")
	}
}

func TestSweepTerminatesUnansweredPingPastTimeout(t *testing.T) {
	d := New(Config{PingInterval: time.Hour, PingTimeout: time.Millisecond})
	c := connctx.ForTest("conn-1")
	d.Register(c)

	// First sweep dispatches the ping.
	d.sweep()
	time.Sleep(5 * time.Millisecond)

	// Second sweep finds the ping still unanswered, past the timeout.
	d.sweep()

	select {
	case <-c.Done():
	default:
		t.Error("expected connection to be closed once its ping timeout elapsed")
	}
}

func TestSweepClearsAwaitingOnPong(t *testing.T) {
	d := New(Config{PingInterval: time.Hour, PingTimeout: time.Minute})
	c := connctx.ForTest("conn-1")
	d.Register(c)

	d.sweep()
	c.MarkPongReceived()

	awaiting, _ := c.PongStatus()
	if awaiting {
		t.Error("expected MarkPongReceived to clear the awaiting-pong flag")
	}

	// A subsequent sweep re-pings rather than treating the connection as
	// still owing an earlier pong.
	d.sweep()
	awaiting, _ = c.PongStatus()
	if !awaiting {
		t.Error("expected the next sweep to dispatch a fresh ping")
	}
}

func TestUnregisterRemovesFromSweep(t *testing.T) {
	d := New(Config{PingInterval: time.Hour, PingTimeout: time.Minute})
	c := connctx.ForTest("conn-1")
	d.Register(c)
	d.Unregister(c.ID)

	d.sweep()

	awaiting, _ := c.PongStatus()
	if awaiting {
		t.Error("expected an unregistered connection to be skipped by the sweep")
	}
}

func TestClosedConnectionIsDroppedDuringSweep(t *testing.T) {
	d := New(Config{PingInterval: time.Hour, PingTimeout: time.Minute})
	c := connctx.ForTest("conn-1")
	d.Register(c)
	c.Close()

	// Must not panic when it encounters an already-closed connection.
	d.sweep()

	d.mu.Lock()
	_, stillTracked := d.conns[c.ID]
	d.mu.Unlock()
	if stillTracked {
		t.Error("expected a closed connection to be dropped from the registry")
	}
}
