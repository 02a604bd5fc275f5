package connctx

import "testing"

func TestEnqueueRejectsOverBufferedThreshold(t *testing.T) {
	c := ForTest("conn-1")
	defer c.Close()

	if c.Enqueue(make([]byte, 100), 10) {
		t.Error("expected Enqueue to reject a frame that would exceed the buffered-bytes threshold")
	}
}

func TestEnqueueAfterCloseReturnsFalse(t *testing.T) {
	c := ForTest("conn-1")
	c.Close()

	if c.Enqueue([]byte("frame"), 1<<20) {
		t.Error("expected Enqueue on a closed connection to return false")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := ForTest("conn-1")
	c.Close()
	c.Close()
	c.CloseWithCode(1001, "going away")

	select {
	case <-c.Done():
	default:
		t.Error("expected Done() to be closed after Close")
	}
}

func TestRoomAndLabelRoundTrip(t *testing.T) {
	c := ForTest("conn-1")
	defer c.Close()

	if c.Room() != "" {
		t.Errorf("fresh connection Room() = %q, want empty", c.Room())
	}
	c.SetRoom("room-1")
	c.SetLabel("P2")
	if c.Room() != "room-1" {
		t.Errorf("Room() = %q, want %q", c.Room(), "room-1")
	}
	if c.Label() != "P2" {
		t.Errorf("Label() = %q, want %q", c.Label(), "P2")
	}
}

func TestPongStatusTracksPingLifecycle(t *testing.T) {
	c := ForTest("conn-1")
	defer c.Close()

	if awaiting, _ := c.PongStatus(); awaiting {
		t.Error("fresh connection should not be awaiting a pong")
	}
	c.MarkPingSent()
	if awaiting, _ := c.PongStatus(); !awaiting {
		t.Error("expected awaiting-pong after MarkPingSent")
	}
	c.MarkPongReceived()
	if awaiting, _ := c.PongStatus(); awaiting {
		t.Error("expected MarkPongReceived to clear awaiting-pong")
	}
}
