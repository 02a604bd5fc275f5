// Package router implements the Room Router: the in-process map from
// room id to the set of local connection ids, the QR-token rotation
// timer, and the fan-out algorithm. Each room gets its own mutex rather
// than one global hub lock, so fan-out into one room never blocks
// membership changes in another.
package router

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/ciphertext-relay/internal/connctx"
	"github.com/example/ciphertext-relay/internal/metrics"
	"github.com/example/ciphertext-relay/internal/roomstore"
	"github.com/example/ciphertext-relay/internal/tokencodec"
)

const batchSize = 50

// closePolicyViolation is the WebSocket close code sent to an evicted
// slow consumer.
const closePolicyViolation = 1008

// RotationFrameFunc builds the serialized QR_ROTATED frame broadcast to a
// room's members whenever its rotating token is refreshed. Kept as an
// injected function so this package never needs to know the Protocol
// Engine's envelope shape.
type RotationFrameFunc func(rid, token string, exp time.Time) []byte

// entry is a room's in-process bookkeeping: its local membership set and
// its current rotating token, guarded by its own mutex so one busy room
// never blocks fan-out or rotation in any other room.
type entry struct {
	mu         sync.Mutex
	conns      map[string]*connctx.Context
	qrToken    string
	qrExp      time.Time
	stopRotate chan struct{}
}

// Config configures a Router.
type Config struct {
	Tokens           *tokencodec.Manager
	Store            *roomstore.Store
	RotationInterval time.Duration
	QRTokenTTL       time.Duration
	MaxBufferedBytes int64
	OnRotate         RotationFrameFunc
	Logger           types.Logger
	Metrics          *metrics.Registry
}

// Router owns every room this process currently has local members for.
type Router struct {
	mu    sync.Mutex
	rooms map[string]*entry

	tokens           *tokencodec.Manager
	store            *roomstore.Store
	rotationInterval time.Duration
	qrTokenTTL       time.Duration
	maxBufferedBytes int64
	onRotate         RotationFrameFunc
	logger           types.Logger
	metrics          *metrics.Registry
}

// New builds a Router.
func New(cfg Config) *Router {
	return &Router{
		rooms:            make(map[string]*entry),
		tokens:           cfg.Tokens,
		store:            cfg.Store,
		rotationInterval: cfg.RotationInterval,
		qrTokenTTL:       cfg.QRTokenTTL,
		maxBufferedBytes: cfg.MaxBufferedBytes,
		onRotate:         cfg.OnRotate,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
	}
}

// Join registers conn as a local member of rid, creating the room's
// in-process entry (and minting its initial rotating token) if this is
// the first local connection to join it. It returns the room's current
// rotating token and expiry, for the ROOM_CREATED reply; QR_ROTATED frames
// carry the tokens rotateLoop mints.
func (r *Router) Join(rid string, conn *connctx.Context) (token string, exp time.Time, err error) {
	e, created, err := r.entryFor(rid)
	if err != nil {
		return "", time.Time{}, err
	}

	e.mu.Lock()
	e.conns[conn.ID] = conn
	token, exp = e.qrToken, e.qrExp
	e.mu.Unlock()

	if created {
		go r.rotateLoop(rid, e)
	}

	return token, exp, nil
}

func (r *Router) entryFor(rid string) (*entry, bool, error) {
	r.mu.Lock()
	if e, ok := r.rooms[rid]; ok {
		r.mu.Unlock()
		return e, false, nil
	}
	e := &entry{conns: make(map[string]*connctx.Context), stopRotate: make(chan struct{})}
	r.rooms[rid] = e
	r.mu.Unlock()

	token, claims, err := r.tokens.Mint(rid, r.qrTokenTTL)
	if err != nil {
		r.mu.Lock()
		delete(r.rooms, rid)
		r.mu.Unlock()
		return nil, false, err
	}
	e.mu.Lock()
	e.qrToken, e.qrExp = token, claims.Exp
	e.mu.Unlock()

	return e, true, nil
}

// Leave removes connID from rid's local membership. When that was the
// room's last local connection, the entry (and its rotation loop) is
// evicted.
func (r *Router) Leave(rid, connID string) {
	r.mu.Lock()
	e, ok := r.rooms[rid]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	e.mu.Lock()
	delete(e.conns, connID)
	empty := len(e.conns) == 0
	e.mu.Unlock()

	if !empty {
		return
	}

	r.mu.Lock()
	// Re-check under the top-level lock: another Join may have landed
	// between the emptiness check above and acquiring this lock.
	if e, ok := r.rooms[rid]; ok {
		e.mu.Lock()
		stillEmpty := len(e.conns) == 0
		e.mu.Unlock()
		if stillEmpty {
			delete(r.rooms, rid)
			close(e.stopRotate)
		}
	}
	r.mu.Unlock()
}

// CurrentToken returns rid's current rotating token and expiry, if the
// room has any local members.
func (r *Router) CurrentToken(rid string) (token string, exp time.Time, ok bool) {
	r.mu.Lock()
	e, found := r.rooms[rid]
	r.mu.Unlock()
	if !found {
		return "", time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.qrToken, e.qrExp, true
}

// LocalCount returns the number of local connections this process tracks
// for rid.
func (r *Router) LocalCount(rid string) int {
	r.mu.Lock()
	e, ok := r.rooms[rid]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Broadcast delivers frame (already serialized once) to every local
// member of rid.
func (r *Router) Broadcast(rid string, frame []byte) {
	r.BroadcastExcept(rid, "", frame)
}

// BroadcastExcept is Broadcast minus one connection — the relay path for
// APP_MSG and MEDIA_MSG, where the sender must never receive its own
// echo. Fan-out snapshots the
// membership under the room's own lock, release, then walk it in batches
// of up to 50, yielding between batches so one busy room cannot starve
// fan-out in every other room. A recipient whose outbound backlog would
// exceed the buffered-bytes threshold is closed as a slow consumer
// instead of blocking the broadcast.
func (r *Router) BroadcastExcept(rid, exceptConnID string, frame []byte) {
	r.mu.Lock()
	e, ok := r.rooms[rid]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	snapshot := make([]*connctx.Context, 0, len(e.conns))
	for id, c := range e.conns {
		if id == exceptConnID {
			continue
		}
		snapshot = append(snapshot, c)
	}
	e.mu.Unlock()

	for start := 0; start < len(snapshot); start += batchSize {
		end := start + batchSize
		if end > len(snapshot) {
			end = len(snapshot)
		}
		for _, c := range snapshot[start:end] {
			select {
			case <-c.Done():
				continue
			default:
			}
			if !c.Enqueue(frame, r.maxBufferedBytes) {
				if r.metrics != nil {
					r.metrics.IncSlowConsumerCloses()
				}
				c.CloseWithCode(closePolicyViolation, "slow consumer")
			}
		}
		if end < len(snapshot) {
			runtime.Gosched()
		}
	}
}

func (r *Router) rotateLoop(rid string, e *entry) {
	ticker := time.NewTicker(r.rotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopRotate:
			return
		case <-ticker.C:
			token, claims, err := r.tokens.Mint(rid, r.qrTokenTTL)
			if err != nil {
				if r.logger != nil {
					r.logger.Error("router: rotation mint failed", "room_fingerprint", roomstore.Fingerprint(rid), "error", err)
				}
				continue
			}

			e.mu.Lock()
			e.qrToken, e.qrExp = token, claims.Exp
			e.mu.Unlock()

			if r.onRotate != nil {
				r.Broadcast(rid, r.onRotate(rid, token, claims.Exp))
			}

			if r.store != nil {
				touchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := r.store.Touch(touchCtx, rid); err != nil && r.logger != nil {
					r.logger.Error("router: touch on rotation failed", "room_fingerprint", roomstore.Fingerprint(rid), "error", err)
				}
				cancel()
			}
		}
	}
}
