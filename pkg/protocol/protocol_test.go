package protocol

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestParsePublishFrame(t *testing.T) {
	topic, format, payload, err := parsePublishFrame(`FORMAT:JSON|orders|{"id":1}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if topic != "orders" || format != "JSON" || string(payload) != `{"id":1}` {
		t.Fatalf("unexpected parse result: topic=%q format=%q payload=%q", topic, format, payload)
	}
}

func TestParsePublishFrameRejectsMissingPrefix(t *testing.T) {
	_, _, _, err := parsePublishFrame("orders|JSON|{}")
	if err == nil {
		t.Fatal("expected error for frame missing FORMAT: prefix")
	}
}

func TestParsePublishFrameRejectsMalformed(t *testing.T) {
	_, _, _, err := parsePublishFrame("FORMAT:JSON|orders")
	if err == nil {
		t.Fatal("expected error for frame missing payload segment")
	}
}

func TestDeadlineExpiry(t *testing.T) {
	d := newDeadline(0)
	if !d.expired() {
		t.Fatal("expected zero-timeout deadline to be immediately expired")
	}
	d.touch()
	if !d.expired() {
		t.Fatal("a zero timeout should still be expired right after touch")
	}
}

func TestHeartbeatLoopClosesIdleConnection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	canceled := make(chan struct{})
	wrappedCancel := func() {
		cancel()
		close(canceled)
	}

	lastActivity := newDeadline(0) // already expired
	writeLine := func(string) error { return nil }

	go heartbeatLoop(ctx, server, wrappedCancel, writeLine, lastActivity, time.Millisecond)

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeatLoop to cancel the connection context")
	}

	// server's read side should now be closed; writes from the other end
	// of the pipe should fail once the peer has gone away.
	client.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := client.Write([]byte("x")); err == nil {
		t.Fatal("expected write to fail against a closed connection")
	}
}
