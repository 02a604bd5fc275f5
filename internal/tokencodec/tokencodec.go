// Package tokencodec mints and verifies the MAC-signed capability tokens
// that authorize a single join of a specific room. The wire format is
// bespoke (base64url(payload).base64url(mac) over a small JSON struct),
// so it's hand-rolled on crypto/hmac rather than golang-jwt/jwt, which
// enforces a different three-part wire shape.
package tokencodec

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the only version currently accepted by Verify.
const ProtocolVersion = 1

// Sentinel error kinds; their messages double as the wire-level error codes.
var (
	ErrTokenFormat       = errors.New("TOKEN_FORMAT")
	ErrTokenMAC          = errors.New("TOKEN_MAC")
	ErrTokenExpired      = errors.New("TOKEN_EXPIRED")
	ErrTokenRoomMismatch = errors.New("TOKEN_ROOM_MISMATCH")
)

// Claims is the decoded payload of a verified capability token.
type Claims struct {
	RoomID string
	Exp    time.Time
	JTI    string
}

// payload is the canonical on-wire struct. Field order is fixed by Go's
// struct-field marshaling order, making the serialization deterministic
// for MAC purposes.
type payload struct {
	V   int    `json:"v"`
	RID string `json:"rid"`
	Exp int64  `json:"exp"`
	JTI string `json:"jti"`
}

// Config configures a Manager.
type Config struct {
	// Secret is the process-wide MAC key. Must be at least 32 bytes.
	Secret []byte
}

// Manager mints and verifies capability tokens.
type Manager struct {
	secret []byte
}

// NewManager builds a Manager from cfg. It panics if the secret is too
// short, since an undersized MAC key is a deployment bug, not a runtime
// condition the codec should quietly tolerate.
func NewManager(cfg Config) *Manager {
	if len(cfg.Secret) < 32 {
		panic(fmt.Sprintf("tokencodec: secret must be at least 32 bytes, got %d", len(cfg.Secret)))
	}
	return &Manager{secret: cfg.Secret}
}

// Mint serializes {v:1, rid, exp, jti}, MACs it, and returns
// base64url(payload).base64url(mac) along with the claims that were
// embedded, so callers don't need to re-parse their own output.
func (m *Manager) Mint(roomID string, ttl time.Duration) (string, Claims, error) {
	jti, err := newRandomID(16)
	if err != nil {
		return "", Claims{}, fmt.Errorf("tokencodec: generate jti: %w", err)
	}

	// Truncate to the millisecond precision the payload carries, so the
	// claims returned here match what Verify will later reconstruct.
	exp := time.Now().Add(ttl).Truncate(time.Millisecond)
	p := payload{
		V:   ProtocolVersion,
		RID: roomID,
		Exp: exp.UnixMilli(),
		JTI: jti,
	}

	body, err := json.Marshal(p)
	if err != nil {
		return "", Claims{}, fmt.Errorf("tokencodec: marshal payload: %w", err)
	}

	mac := m.sign(body)

	token := base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString(mac)
	return token, Claims{RoomID: roomID, Exp: exp, JTI: jti}, nil
}

// Verify splits the token on its separator, recomputes the MAC in
// constant time, then validates the decoded payload against roomID.
func (m *Manager) Verify(token, roomID string) (Claims, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Claims{}, ErrTokenFormat
	}

	body, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrTokenFormat
	}
	mac, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrTokenFormat
	}

	expectedMAC := m.sign(body)
	if !hmac.Equal(mac, expectedMAC) {
		return Claims{}, ErrTokenMAC
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Claims{}, ErrTokenFormat
	}
	if p.V != ProtocolVersion || p.RID == "" || p.JTI == "" || p.Exp == 0 {
		return Claims{}, ErrTokenFormat
	}
	if p.RID != roomID {
		return Claims{}, ErrTokenRoomMismatch
	}

	exp := time.UnixMilli(p.Exp)
	if time.Now().After(exp) {
		return Claims{}, ErrTokenExpired
	}

	return Claims{RoomID: p.RID, Exp: exp, JTI: p.JTI}, nil
}

func (m *Manager) sign(body []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(body)
	return h.Sum(nil)
}

func newRandomID(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewConnectionID mints a fresh connection id, never derived from
// client input.
func NewConnectionID() (string, error) {
	return uuid.New().String(), nil
}

// NewRoomID mints a fresh, URL-safe room identifier.
func NewRoomID() (string, error) {
	return uuid.New().String(), nil
}
