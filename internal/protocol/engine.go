// Package protocol is the relay's frame engine: it parses the wire
// envelope, enforces the connection state machine, and orchestrates the
// room store, room router, and token codec.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/ciphertext-relay/internal/connctx"
	"github.com/example/ciphertext-relay/internal/metrics"
	"github.com/example/ciphertext-relay/internal/roomstore"
	"github.com/example/ciphertext-relay/internal/router"
	"github.com/example/ciphertext-relay/internal/tokencodec"
)

// maxLabelLen bounds the client-supplied display label; anything longer
// falls back to the server-assigned P<n>.
const maxLabelLen = 32

// jtiMarkerGrace is the additional lifetime, beyond a token's own
// remaining validity, given to its consumed-jti marker.
const jtiMarkerGrace = 5 * time.Second

// kvTimeout bounds the Room Store calls a single frame handler makes,
// taken together (a join's mark_jti and try_join share one deadline); it
// is not a client-visible timeout, only a guard against a
// wedged external store hanging a connection's read loop forever.
const kvTimeout = 3 * time.Second

// Limits carries the size and capacity ceilings the engine enforces.
type Limits struct {
	MaxWSFrameBytes     int
	MaxCiphertextBytes  int
	MaxMediaTotalBytes  int64
	MaxMediaChunks      int
	RoomMaxParticipants int
	RoomKeyTTL          time.Duration
}

// Config configures an Engine.
type Config struct {
	Store   *roomstore.Store
	Router  *router.Router
	Tokens  *tokencodec.Manager
	Limits  Limits
	Logger  types.Logger
	Metrics *metrics.Registry
}

// Engine dispatches inbound frames for every connection sharing the same
// Room Store, Router, and Token Codec.
type Engine struct {
	store   *roomstore.Store
	router  *router.Router
	tokens  *tokencodec.Manager
	limits  Limits
	logger  types.Logger
	metrics *metrics.Registry
}

// New builds an Engine.
func New(cfg Config) *Engine {
	e := &Engine{
		store:   cfg.Store,
		router:  cfg.Router,
		tokens:  cfg.Tokens,
		limits:  cfg.Limits,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	return e
}

// Outcome tells the transport loop what to do after a frame has been
// handled. CloseCode of zero means keep the connection open.
type Outcome struct {
	CloseCode   CloseCode
	CloseReason string
}

func closeOutcome(code CloseCode, reason string) Outcome {
	return Outcome{CloseCode: code, CloseReason: reason}
}

// Hello builds the HELLO frame sent on admission.
func Hello() []byte {
	return encode(TagHello, "", helloBody{ServerTimeUnixMS: nowMS()})
}

// HandleFrame is the single entry point the transport loop calls for
// every inbound text frame. It rejects oversized frames, then charges the
// frame against the connection's rate buckets itself before parsing (the
// transport owns only the socket read; bucket accounting happens here so
// every dispatch path, not just this one call site, is covered uniformly).
func (e *Engine) HandleFrame(c *connctx.Context, raw []byte) Outcome {
	if len(raw) > e.limits.MaxWSFrameBytes {
		return closeOutcome(ClosePolicyViolation, "frame too large")
	}

	if c.Buckets != nil {
		if !c.Buckets.Messages.Take(1) || !c.Buckets.Bytes.Take(int64(len(raw))) {
			e.metrics.IncRateLimitCloses()
			return closeOutcome(ClosePolicyViolation, "rate limit exceeded")
		}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.V != 1 || env.T == "" {
		return closeOutcome(CloseUnsupportedData, "schema invalid")
	}

	switch env.T {
	case TagPing:
		c.Enqueue(encode(TagPong, env.ID, nil), e.maxBuffered())
		return Outcome{}
	case TagRoomCreate:
		return e.handleRoomCreate(c, env)
	case TagJoinRequest:
		return e.handleJoinRequest(c, env)
	case TagLeave:
		return e.handleLeave(c, env)
	case TagAppMsg:
		return e.handleAppMsg(c, env)
	case TagMediaMsg:
		return e.handleMediaMsg(c, env)
	default:
		return closeOutcome(CloseUnsupportedData, "schema invalid")
	}
}

func (e *Engine) maxBuffered() int64 {
	return int64(4 * e.limits.MaxWSFrameBytes)
}

func (e *Engine) handleRoomCreate(c *connctx.Context, env Envelope) Outcome {
	if c.Room() != "" {
		c.Enqueue(encodeError(env.ID, CodeAlreadyInRoom), e.maxBuffered())
		return Outcome{}
	}

	rid, err := tokencodec.NewRoomID()
	if err != nil {
		e.logErr("room_create: id generation failed", "", err)
		return closeOutcome(CloseInternalError, "internal error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()
	if err := e.store.CreateWith(ctx, rid, c.ID); err != nil {
		e.metrics.IncStoreErrors()
		e.logErr("room_create: store failure", rid, err)
		c.Enqueue(encodeError(env.ID, CodeStoreUnavailable), e.maxBuffered())
		return Outcome{}
	}

	token, exp, err := e.router.Join(rid, c)
	if err != nil {
		e.logErr("room_create: router join failed", rid, err)
		return closeOutcome(CloseInternalError, "internal error")
	}
	c.SetRoom(rid)
	c.SetLabel("P1")

	e.metrics.IncRoomsCreated()

	c.Enqueue(encode(TagRoomCreated, env.ID, roomCreatedBody{
		RID:     rid,
		QRToken: token,
		QRExpMS: exp.UnixMilli(),
		Max:     e.limits.RoomMaxParticipants,
	}), e.maxBuffered())

	e.router.Broadcast(rid, encode(TagRoomStats, "", roomStatsBody{
		RID: rid, Participants: 1, Max: e.limits.RoomMaxParticipants,
	}))

	return Outcome{}
}

func (e *Engine) handleJoinRequest(c *connctx.Context, env Envelope) Outcome {
	if c.Room() != "" {
		c.Enqueue(encodeError(env.ID, CodeAlreadyInRoom), e.maxBuffered())
		return Outcome{}
	}

	var body joinRequestBody
	if err := json.Unmarshal(env.Body, &body); err != nil || body.RID == "" || body.Token == "" {
		return closeOutcome(CloseUnsupportedData, "schema invalid")
	}

	claims, err := e.tokens.Verify(body.Token, body.RID)
	if err != nil {
		e.metrics.IncJoinsRejected()
		code := tokenErrorCode(err)
		c.Enqueue(encodeError(env.ID, code), e.maxBuffered())
		return Outcome{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()

	remaining := time.Until(claims.Exp)
	if remaining < 0 {
		remaining = 0
	}
	fresh, err := e.store.MarkJTI(ctx, body.RID, claims.JTI, remaining+jtiMarkerGrace)
	if err != nil {
		e.metrics.IncStoreErrors()
		e.logErr("join_request: mark_jti failure", body.RID, err)
		c.Enqueue(encodeError(env.ID, CodeStoreUnavailable), e.maxBuffered())
		return Outcome{}
	}
	if !fresh {
		e.metrics.IncJoinsRejected()
		c.Enqueue(encodeError(env.ID, CodeTokenReplay), e.maxBuffered())
		return Outcome{}
	}

	outcome, err := e.store.TryJoin(ctx, body.RID, c.ID, e.limits.RoomMaxParticipants)
	if err != nil {
		switch err {
		case roomstore.ErrNoRoom:
			e.metrics.IncJoinsRejected()
			c.Enqueue(encodeError(env.ID, CodeNoRoom), e.maxBuffered())
		case roomstore.ErrRoomFull:
			e.metrics.IncJoinsRejected()
			c.Enqueue(encodeError(env.ID, CodeRoomFull), e.maxBuffered())
		default:
			e.metrics.IncStoreErrors()
			e.logErr("join_request: try_join failure", body.RID, err)
			c.Enqueue(encodeError(env.ID, CodeStoreUnavailable), e.maxBuffered())
		}
		return Outcome{}
	}

	label := body.Label
	if label == "" || len(label) > maxLabelLen {
		label = fmt.Sprintf("P%d", outcome.Count)
	}
	c.SetRoom(body.RID)
	c.SetLabel(label)

	if _, _, err := e.router.Join(body.RID, c); err != nil {
		e.logErr("join_request: router join failed", body.RID, err)
		return closeOutcome(CloseInternalError, "internal error")
	}

	nextToken, nextClaims, err := e.tokens.Mint(body.RID, e.limits.RoomKeyTTL)
	if err != nil {
		e.logErr("join_request: mint next token failed", body.RID, err)
		return closeOutcome(CloseInternalError, "internal error")
	}

	e.metrics.IncJoinsSucceeded()

	c.Enqueue(encode(TagJoined, env.ID, joinedBody{
		RID:            body.RID,
		Participants:   outcome.Count,
		Max:            e.limits.RoomMaxParticipants,
		Label:          label,
		NextToken:      nextToken,
		NextTokenExpMS: nextClaims.Exp.UnixMilli(),
	}), e.maxBuffered())

	e.router.BroadcastExcept(body.RID, c.ID, encode(TagSystemMsg, "", systemMsgBody{
		Text: fmt.Sprintf("this person has entered the chat with the name %s", label),
		Type: SystemInfo,
	}))
	e.router.Broadcast(body.RID, encode(TagRoomStats, "", roomStatsBody{
		RID: body.RID, Participants: outcome.Count, Max: e.limits.RoomMaxParticipants,
	}))

	return Outcome{}
}

func (e *Engine) handleLeave(c *connctx.Context, env Envelope) Outcome {
	var body leaveBody
	if err := json.Unmarshal(env.Body, &body); err != nil || body.RID == "" {
		return closeOutcome(CloseUnsupportedData, "schema invalid")
	}

	rid := c.Room()
	if rid == "" || body.RID != rid {
		c.Enqueue(encodeError(env.ID, CodeNotInRoom), e.maxBuffered())
		return Outcome{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()
	remaining, err := e.store.Leave(ctx, rid, c.ID)
	if err != nil {
		e.metrics.IncStoreErrors()
		e.logErr("leave: store failure", rid, err)
		c.Enqueue(encodeError(env.ID, CodeStoreUnavailable), e.maxBuffered())
		return Outcome{}
	}
	e.router.Leave(rid, c.ID)
	c.SetRoom("")

	c.Enqueue(encode(TagLeft, env.ID, leftBody{RID: rid}), e.maxBuffered())

	if remaining > 0 {
		e.router.Broadcast(rid, encode(TagSystemMsg, "", systemMsgBody{
			Text: fmt.Sprintf("%s has left the chat", c.Label()),
			Type: SystemInfo,
		}))
		e.router.Broadcast(rid, encode(TagRoomStats, "", roomStatsBody{
			RID: rid, Participants: remaining, Max: e.limits.RoomMaxParticipants,
		}))
	}

	return Outcome{}
}

func (e *Engine) handleAppMsg(c *connctx.Context, env Envelope) Outcome {
	var body appMsgBody
	if err := json.Unmarshal(env.Body, &body); err != nil || body.RID == "" {
		return closeOutcome(CloseUnsupportedData, "schema invalid")
	}

	if c.Room() == "" || body.RID != c.Room() {
		c.Enqueue(encodeError(env.ID, CodeNotInRoom), e.maxBuffered())
		return Outcome{}
	}

	if len(body.CiphertextB64) > e.limits.MaxCiphertextBytes {
		c.Enqueue(encodeError(env.ID, CodeCiphertextTooLarge), e.maxBuffered())
		return Outcome{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()
	if err := e.store.Touch(ctx, body.RID); err != nil {
		e.metrics.IncStoreErrors()
		e.logErr("app_msg: touch failure", body.RID, err)
	}

	e.metrics.IncAppMsgsRelayed()
	e.router.BroadcastExcept(body.RID, c.ID, encode(TagAppMsg, "", body))
	return Outcome{}
}

func (e *Engine) handleMediaMsg(c *connctx.Context, env Envelope) Outcome {
	var body mediaMsgBody
	if err := json.Unmarshal(env.Body, &body); err != nil || body.RID == "" {
		return closeOutcome(CloseUnsupportedData, "schema invalid")
	}

	if c.Room() == "" || body.RID != c.Room() {
		c.Enqueue(encodeError(env.ID, CodeNotInRoom), e.maxBuffered())
		return Outcome{}
	}

	if len(body.Chunks) < 1 || len(body.Chunks) > e.limits.MaxMediaChunks {
		c.Enqueue(encodeError(env.ID, CodeMediaTooLarge), e.maxBuffered())
		return Outcome{}
	}
	var total int64
	for _, chunk := range body.Chunks {
		total += int64(len(chunk))
	}
	if total > e.limits.MaxMediaTotalBytes {
		c.Enqueue(encodeError(env.ID, CodeMediaTooLarge), e.maxBuffered())
		return Outcome{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()
	if err := e.store.Touch(ctx, body.RID); err != nil {
		e.metrics.IncStoreErrors()
		e.logErr("media_msg: touch failure", body.RID, err)
	}

	e.metrics.IncMediaMsgsRelayed()
	e.router.BroadcastExcept(body.RID, c.ID, encode(TagMediaMsg, "", body))
	return Outcome{}
}

// Disconnect releases room membership on socket close: router and store
// removal happen exactly once regardless of which path (client close,
// error, keep-alive termination) triggered it.
func (e *Engine) Disconnect(c *connctx.Context) {
	rid := c.Room()
	if rid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
	defer cancel()
	remaining, err := e.store.Leave(ctx, rid, c.ID)
	if err != nil {
		e.metrics.IncStoreErrors()
		e.logErr("disconnect: store leave failure", rid, err)
	}
	e.router.Leave(rid, c.ID)
	c.SetRoom("")

	if err == nil && remaining > 0 {
		e.router.Broadcast(rid, encode(TagSystemMsg, "", systemMsgBody{
			Text: fmt.Sprintf("%s has left the chat", c.Label()),
			Type: SystemInfo,
		}))
		e.router.Broadcast(rid, encode(TagRoomStats, "", roomStatsBody{
			RID: rid, Participants: remaining, Max: e.limits.RoomMaxParticipants,
		}))
	}
}

// RotationFrame builds the QR_ROTATED frame the Room Router broadcasts on
// every rotation tick; it is injected into router.Config.OnRotate so the
// router package never needs to know this envelope shape.
func RotationFrame(rid, token string, exp time.Time) []byte {
	return encode(TagQRRotated, "", qrRotatedBody{RID: rid, QRToken: token, QRExpMS: exp.UnixMilli()})
}

func tokenErrorCode(err error) string {
	switch err {
	case tokencodec.ErrTokenFormat:
		return CodeTokenFormat
	case tokencodec.ErrTokenMAC:
		return CodeTokenMAC
	case tokencodec.ErrTokenExpired:
		return CodeTokenExpired
	case tokencodec.ErrTokenRoomMismatch:
		return CodeTokenRoomMismatch
	default:
		return CodeTokenFormat
	}
}

func (e *Engine) logErr(msg, rid string, err error) {
	if e.logger == nil {
		return
	}
	e.logger.Error(msg, "room_fingerprint", roomstore.Fingerprint(rid), "error", err)
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}
