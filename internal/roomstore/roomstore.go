// Package roomstore owns authoritative room membership, participant
// counts, and single-use jti markers in Redis, all TTL'd. Capacity
// checks and membership mutations run as Lua scripts so they cannot
// interleave.
package roomstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sentinel errors surfaced by TryJoin.
var (
	ErrNoRoom   = errors.New("NO_ROOM")
	ErrRoomFull = errors.New("ROOM_FULL")
)

// JoinOutcome reports the result of a successful TryJoin (new or already a
// member); NoRoom and Full are reported as errors instead.
type JoinOutcome struct {
	Count         int
	AlreadyMember bool
}

// Store is the Redis-backed Room Store.
type Store struct {
	client  *redis.Client
	prefix  string
	roomTTL time.Duration
}

// Config configures a Store.
type Config struct {
	Client  *redis.Client
	Prefix  string
	RoomTTL time.Duration
}

// New builds a Store. Prefix defaults to "relay:" if empty.
func New(cfg Config) *Store {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "relay:"
	}
	return &Store{client: cfg.Client, prefix: prefix, roomTTL: cfg.RoomTTL}
}

func (s *Store) metaKey(rid string) string    { return s.prefix + "meta:" + rid }
func (s *Store) membersKey(rid string) string { return s.prefix + "members:" + rid }
func (s *Store) countKey(rid string) string   { return s.prefix + "count:" + rid }
func (s *Store) jtisKey(rid string) string    { return s.prefix + "jtis:" + rid }
func (s *Store) jtiKeyPrefix(rid string) string {
	return s.prefix + "jti:" + rid + ":"
}
func (s *Store) jtiKey(rid, jti string) string {
	return s.jtiKeyPrefix(rid) + jti
}

// CreateEmpty sets meta + count=0 with TTL. Calling it again on an
// existing room id just refreshes the TTL.
func (s *Store) CreateEmpty(ctx context.Context, rid string) error {
	ttl := s.roomTTL
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.metaKey(rid), time.Now().UnixMilli(), ttl)
	pipe.Set(ctx, s.countKey(rid), 0, ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("roomstore: create_empty %s: %w", rid, err)
	}
	return nil
}

// CreateWith sets meta, members={conn}, count=1, and clears jtis, all with
// TTL. It must only be called on a room id that has not already had
// CreateEmpty applied to it as a populated room.
func (s *Store) CreateWith(ctx context.Context, rid, conn string) error {
	ttl := s.roomTTL
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.metaKey(rid), time.Now().UnixMilli(), ttl)
	pipe.Del(ctx, s.membersKey(rid))
	pipe.SAdd(ctx, s.membersKey(rid), conn)
	pipe.Expire(ctx, s.membersKey(rid), ttl)
	pipe.Set(ctx, s.countKey(rid), 1, ttl)
	pipe.Del(ctx, s.jtisKey(rid))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("roomstore: create_with %s: %w", rid, err)
	}
	return nil
}

// TryJoin atomically checks capacity and membership and, if admitted,
// adds conn to the room. It returns ErrNoRoom if the room does not exist
// and ErrRoomFull if count >= max; otherwise it returns the post-join
// count (unchanged if conn was already a member, whose re-join only
// refreshes TTLs). AlreadyMember is never set: the script reports a
// fresh join and a re-join with the same status.
func (s *Store) TryJoin(ctx context.Context, rid, conn string, max int) (JoinOutcome, error) {
	res, err := tryJoinScript.Run(ctx, s.client, []string{
		s.metaKey(rid), s.membersKey(rid), s.countKey(rid),
	}, max, int(s.roomTTL.Seconds()), conn).Slice()
	if err != nil {
		return JoinOutcome{}, fmt.Errorf("roomstore: try_join %s: %w", rid, err)
	}

	status, count := asInt(res[0]), asInt(res[1])
	switch status {
	case 0:
		return JoinOutcome{}, ErrNoRoom
	case 2:
		return JoinOutcome{}, ErrRoomFull
	default:
		// Status 1 covers both a fresh join and an idempotent re-join by an
		// existing member; the script doesn't distinguish the two in its
		// return shape, and a re-join leaves the count unchanged.
		return JoinOutcome{Count: count}, nil
	}
}

// Leave removes conn from the room's membership if present and returns
// the remaining member count. When remaining reaches zero, all of the
// room's keys (meta, members, count, jtis, and every jti marker) are
// deleted in the same atomic script.
func (s *Store) Leave(ctx context.Context, rid, conn string) (int, error) {
	res, err := leaveScript.Run(ctx, s.client, []string{
		s.metaKey(rid), s.membersKey(rid), s.countKey(rid), s.jtisKey(rid),
	}, conn, s.jtiKeyPrefix(rid), int(s.roomTTL.Seconds())).Slice()
	if err != nil {
		return 0, fmt.Errorf("roomstore: leave %s: %w", rid, err)
	}
	return asInt(res[0]), nil
}

// Touch refreshes every key's TTL on member activity.
func (s *Store) Touch(ctx context.Context, rid string) error {
	ttl := s.roomTTL
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.metaKey(rid), ttl)
	pipe.Expire(ctx, s.membersKey(rid), ttl)
	pipe.Expire(ctx, s.countKey(rid), ttl)
	pipe.Expire(ctx, s.jtisKey(rid), ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("roomstore: touch %s: %w", rid, err)
	}
	return nil
}

// MarkJTI atomically sets the single-use jti marker for (rid, jti), with
// ttl as the marker's own lifetime (token remaining lifetime plus a
// small grace). It returns fresh=true iff this call is the one that set
// it; false means the jti has already been consumed (replay).
func (s *Store) MarkJTI(ctx context.Context, rid, jti string, ttl time.Duration) (bool, error) {
	res, err := markJTIScript.Run(ctx, s.client, []string{
		s.jtiKey(rid, jti), s.jtisKey(rid),
	}, int(ttl.Seconds()), jti).Slice()
	if err != nil {
		return false, fmt.Errorf("roomstore: mark_jti %s/%s: %w", rid, jti, err)
	}
	return asInt(res[0]) == 1, nil
}

// AllowRoomCreate charges one room creation against key's fixed window
// and reports whether it stayed within limit. The HTTP surface keys it by
// caller IP; the counter expires with the window, so the key set stays
// bounded by recently-active callers.
func (s *Store) AllowRoomCreate(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := createLimitScript.Run(ctx, s.client, []string{
		s.prefix + "createlimit:" + key,
	}, window.Milliseconds()).Slice()
	if err != nil {
		return false, fmt.Errorf("roomstore: create limit %s: %w", key, err)
	}
	return asInt(res[0]) <= limit, nil
}

// Exists reports whether the room's meta key is present.
func (s *Store) Exists(ctx context.Context, rid string) (bool, error) {
	n, err := s.client.Exists(ctx, s.metaKey(rid)).Result()
	if err != nil {
		return false, fmt.Errorf("roomstore: exists %s: %w", rid, err)
	}
	return n > 0, nil
}

// Fingerprint returns a short, deterministic, non-secret hash of rid for
// display to humans. It never touches Redis: a fingerprint is a pure
// function of the room id, not stored state.
func Fingerprint(rid string) string {
	sum := sha256.Sum256([]byte(rid))
	return base64.RawURLEncoding.EncodeToString(sum[:6])
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
