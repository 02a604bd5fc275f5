package router

import (
	"strings"
	"testing"
	"time"

	"github.com/example/ciphertext-relay/internal/connctx"
	"github.com/example/ciphertext-relay/internal/ratebucket"
	"github.com/example/ciphertext-relay/internal/tokencodec"
)

func testManager(t *testing.T) *tokencodec.Manager {
	t.Helper()
	return tokencodec.NewManager(tokencodec.Config{Secret: []byte(strings.Repeat("k", 32))})
}

func newConn(t *testing.T, id string) *connctx.Context {
	t.Helper()
	// Router-level tests only exercise the entry bookkeeping
	// (Join/Leave/LocalCount/CurrentToken), which never touches Conn, so
	// connctx.ForTest's nil-backed Context (whose writer pump skips the
	// socket write) is sufficient and avoids standing up a real connection
	// in unit tests.
	return connctx.ForTest(id)
}

func TestJoinCreatesEntryAndMintsToken(t *testing.T) {
	r := New(Config{
		Tokens:           testManager(t),
		RotationInterval: time.Hour,
		QRTokenTTL:       time.Minute,
		MaxBufferedBytes: 1 << 20,
	})

	c := newConn(t, "conn-1")
	token, exp, err := r.Join("room-1", c)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if token == "" {
		t.Error("expected a non-empty rotating token on first join")
	}
	if !exp.After(time.Now()) {
		t.Error("expected rotating token expiry to be in the future")
	}
	if got := r.LocalCount("room-1"); got != 1 {
		t.Errorf("LocalCount() = %d, want 1", got)
	}
}

func TestJoinTwiceReusesSameToken(t *testing.T) {
	r := New(Config{
		Tokens:           testManager(t),
		RotationInterval: time.Hour,
		QRTokenTTL:       time.Minute,
		MaxBufferedBytes: 1 << 20,
	})

	c1 := newConn(t, "conn-1")
	c2 := newConn(t, "conn-2")

	token1, _, err := r.Join("room-1", c1)
	if err != nil {
		t.Fatalf("Join(c1) error = %v", err)
	}
	token2, _, err := r.Join("room-1", c2)
	if err != nil {
		t.Fatalf("Join(c2) error = %v", err)
	}
	if token1 != token2 {
		t.Error("expected the second local joiner to see the same rotating token, not a freshly minted one")
	}
	if got := r.LocalCount("room-1"); got != 2 {
		t.Errorf("LocalCount() = %d, want 2", got)
	}
}

func TestLeaveEvictsEmptyEntry(t *testing.T) {
	r := New(Config{
		Tokens:           testManager(t),
		RotationInterval: time.Hour,
		QRTokenTTL:       time.Minute,
		MaxBufferedBytes: 1 << 20,
	})

	c := newConn(t, "conn-1")
	if _, _, err := r.Join("room-1", c); err != nil {
		t.Fatalf("Join() error = %v", err)
	}

	r.Leave("room-1", "conn-1")

	if got := r.LocalCount("room-1"); got != 0 {
		t.Errorf("LocalCount() after last leave = %d, want 0", got)
	}
	if _, _, ok := r.CurrentToken("room-1"); ok {
		t.Error("expected CurrentToken to report no entry once the room is evicted")
	}
}

func TestLeaveUnknownConnIsNoop(t *testing.T) {
	r := New(Config{
		Tokens:           testManager(t),
		RotationInterval: time.Hour,
		QRTokenTTL:       time.Minute,
		MaxBufferedBytes: 1 << 20,
	})
	// Leave on a room the router has never heard of must not panic.
	r.Leave("room-ghost", "conn-x")
}
