package roomstore

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore skips as an integration test when no local Redis is
// reachable.
func newTestStore(t *testing.T) (*Store, *redis.Client, context.Context) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skip("Redis not available, skipping integration test")
	}

	store := New(Config{Client: client, Prefix: "test:roomstore:", RoomTTL: time.Minute})
	return store, client, ctx
}

func TestCreateWithAndTryJoin(t *testing.T) {
	s, client, ctx := newTestStore(t)
	defer client.Close()

	rid := "room-create-join"
	defer client.Del(ctx, s.metaKey(rid), s.membersKey(rid), s.countKey(rid), s.jtisKey(rid))

	if err := s.CreateWith(ctx, rid, "conn-a"); err != nil {
		t.Fatalf("CreateWith() error = %v", err)
	}

	out, err := s.TryJoin(ctx, rid, "conn-b", 10)
	if err != nil {
		t.Fatalf("TryJoin() error = %v", err)
	}
	if out.Count != 2 {
		t.Errorf("Count = %d, want 2", out.Count)
	}
}

// A join for an already-joined (rid, conn) refreshes TTL without
// changing count.
func TestTryJoinAlreadyMemberDoesNotChangeCount(t *testing.T) {
	s, client, ctx := newTestStore(t)
	defer client.Close()

	rid := "room-already-member"
	defer client.Del(ctx, s.metaKey(rid), s.membersKey(rid), s.countKey(rid), s.jtisKey(rid))

	if err := s.CreateWith(ctx, rid, "conn-a"); err != nil {
		t.Fatalf("CreateWith() error = %v", err)
	}

	first, err := s.TryJoin(ctx, rid, "conn-a", 10)
	if err != nil {
		t.Fatalf("TryJoin() error = %v", err)
	}
	second, err := s.TryJoin(ctx, rid, "conn-a", 10)
	if err != nil {
		t.Fatalf("TryJoin() error = %v", err)
	}
	if first.Count != second.Count {
		t.Errorf("count changed across repeated join by same member: %d vs %d", first.Count, second.Count)
	}
}

func TestTryJoinNoRoom(t *testing.T) {
	s, client, ctx := newTestStore(t)
	defer client.Close()

	_, err := s.TryJoin(ctx, "room-does-not-exist", "conn-a", 10)
	if err != ErrNoRoom {
		t.Errorf("TryJoin() error = %v, want ErrNoRoom", err)
	}
}

// Joining when count == max returns ROOM_FULL; immediately after a
// leave, the same join succeeds.
func TestTryJoinFullThenLeaveThenSucceeds(t *testing.T) {
	s, client, ctx := newTestStore(t)
	defer client.Close()

	rid := "room-full-then-leave"
	defer client.Del(ctx, s.metaKey(rid), s.membersKey(rid), s.countKey(rid), s.jtisKey(rid))

	if err := s.CreateWith(ctx, rid, "conn-a"); err != nil {
		t.Fatalf("CreateWith() error = %v", err)
	}

	if _, err := s.TryJoin(ctx, rid, "conn-b", 2); err != nil {
		t.Fatalf("TryJoin(conn-b) error = %v", err)
	}

	if _, err := s.TryJoin(ctx, rid, "conn-c", 2); err != ErrRoomFull {
		t.Fatalf("TryJoin(conn-c) error = %v, want ErrRoomFull", err)
	}

	if _, err := s.Leave(ctx, rid, "conn-b"); err != nil {
		t.Fatalf("Leave(conn-b) error = %v", err)
	}

	if _, err := s.TryJoin(ctx, rid, "conn-c", 2); err != nil {
		t.Errorf("TryJoin(conn-c) after leave error = %v, want success", err)
	}
}

// Once membership reaches zero, all of the room's keys are removed.
func TestLeaveLastMemberCleansUpAllKeys(t *testing.T) {
	s, client, ctx := newTestStore(t)
	defer client.Close()

	rid := "room-last-leave"
	defer client.Del(ctx, s.metaKey(rid), s.membersKey(rid), s.countKey(rid), s.jtisKey(rid))

	if err := s.CreateWith(ctx, rid, "conn-a"); err != nil {
		t.Fatalf("CreateWith() error = %v", err)
	}
	if _, err := s.MarkJTI(ctx, rid, "jti-1", time.Minute); err != nil {
		t.Fatalf("MarkJTI() error = %v", err)
	}

	remaining, err := s.Leave(ctx, rid, "conn-a")
	if err != nil {
		t.Fatalf("Leave() error = %v", err)
	}
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}

	exists, err := s.Exists(ctx, rid)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Error("expected room to no longer exist after last member left")
	}

	n, err := client.Exists(ctx, s.jtiKey(rid, "jti-1")).Result()
	if err != nil {
		t.Fatalf("Exists(jti) error = %v", err)
	}
	if n != 0 {
		t.Error("expected jti marker to be deleted once the room emptied")
	}
}

// A consumed (rid, jti) makes any subsequent mark return not-fresh until
// the marker's TTL expires.
func TestMarkJTIReplayIsRejected(t *testing.T) {
	s, client, ctx := newTestStore(t)
	defer client.Close()

	rid := "room-replay"
	defer client.Del(ctx, s.jtiKey(rid, "jti-1"), s.jtisKey(rid))

	fresh, err := s.MarkJTI(ctx, rid, "jti-1", time.Minute)
	if err != nil {
		t.Fatalf("MarkJTI() error = %v", err)
	}
	if !fresh {
		t.Fatal("expected first mark_jti to be fresh")
	}

	fresh, err = s.MarkJTI(ctx, rid, "jti-1", time.Minute)
	if err != nil {
		t.Fatalf("MarkJTI() error = %v", err)
	}
	if fresh {
		t.Error("expected replayed mark_jti to report not-fresh")
	}
}

func TestAllowRoomCreateEnforcesFixedWindow(t *testing.T) {
	s, client, ctx := newTestStore(t)
	defer client.Close()

	key := "198.51.100.4"
	defer client.Del(ctx, s.prefix+"createlimit:"+key)

	for i := 0; i < 3; i++ {
		allowed, err := s.AllowRoomCreate(ctx, key, 3, time.Minute)
		if err != nil {
			t.Fatalf("AllowRoomCreate() error = %v", err)
		}
		if !allowed {
			t.Fatalf("request %d unexpectedly denied", i+1)
		}
	}

	allowed, err := s.AllowRoomCreate(ctx, key, 3, time.Minute)
	if err != nil {
		t.Fatalf("AllowRoomCreate() error = %v", err)
	}
	if allowed {
		t.Error("expected the fourth creation in the window to be denied")
	}
}

func TestFingerprintIsDeterministicAndDistinct(t *testing.T) {
	a1 := Fingerprint("room-a")
	a2 := Fingerprint("room-a")
	b := Fingerprint("room-b")

	if a1 != a2 {
		t.Error("expected Fingerprint to be deterministic for the same room id")
	}
	if a1 == b {
		t.Error("expected distinct room ids to produce distinct fingerprints")
	}
}
