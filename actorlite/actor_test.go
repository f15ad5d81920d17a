package actorlite

import (
	"context"
	"testing"
	"time"
)

func TestSpawnDeliverReceive(t *testing.T) {
	t.Parallel()

	sys := NewSystem()
	received := make(chan interface{}, 1)

	if err := sys.Spawn("/a", ReceiverFunc(func(msg interface{}) {
		received <- msg
	}), 4); err != nil {
		t.Fatalf("Spawn: %s", err)
	}

	if ok := sys.Deliver("/a", "hello"); !ok {
		t.Fatal("expected Deliver to /a to succeed")
	}

	select {
	case msg := <-received:
		if msg != "hello" {
			t.Fatalf("expected %q, got %v", "hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSpawnDuplicatePathFails(t *testing.T) {
	t.Parallel()

	sys := NewSystem()
	noop := ReceiverFunc(func(interface{}) {})

	if err := sys.Spawn("/dup", noop, 1); err != nil {
		t.Fatalf("first Spawn: %s", err)
	}
	if err := sys.Spawn("/dup", noop, 1); err == nil {
		t.Fatal("expected the second Spawn of the same path to fail")
	}
}

func TestDeliverToUnknownPathReturnsFalse(t *testing.T) {
	t.Parallel()

	sys := NewSystem()
	if ok := sys.Deliver("/nope", "x"); ok {
		t.Fatal("expected Deliver to an unspawned path to return false")
	}
}

func TestTerminateStopsMailbox(t *testing.T) {
	t.Parallel()

	sys := NewSystem()
	_ = sys.Spawn("/gone", ReceiverFunc(func(interface{}) {}), 1)

	sys.Terminate("/gone")
	if sys.Len() != 0 {
		t.Fatalf("expected 0 mailboxes after Terminate, got %d", sys.Len())
	}
	if ok := sys.Deliver("/gone", "x"); ok {
		t.Fatal("expected Deliver to a terminated path to return false")
	}
}

func TestTerminateUnknownPathIsNotAnError(t *testing.T) {
	t.Parallel()

	sys := NewSystem()
	sys.Terminate("/never/spawned")
}

func TestRunStopsAllMailboxesOnCancel(t *testing.T) {
	t.Parallel()

	sys := NewSystem()
	_ = sys.Spawn("/x", ReceiverFunc(func(interface{}) {}), 1)
	_ = sys.Spawn("/y", ReceiverFunc(func(interface{}) {}), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sys.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if sys.Len() != 0 {
		t.Fatalf("expected 0 mailboxes after Run returns, got %d", sys.Len())
	}
	if ok := sys.Deliver("/x", "late"); ok {
		t.Fatal("expected Deliver after shutdown to fail rather than block")
	}
}

func TestDeliverBlocksOnFullMailboxUntilDrained(t *testing.T) {
	t.Parallel()

	sys := NewSystem()
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	processed := make(chan int, 10)

	_ = sys.Spawn("/slow", ReceiverFunc(func(msg interface{}) {
		started <- struct{}{}
		<-gate
		processed <- msg.(int)
	}), 1)

	sys.Deliver("/slow", 1)
	<-started // first message is now blocked inside Receive, buffer is empty again

	sys.Deliver("/slow", 2) // fills the one-slot buffer; must not block

	done := make(chan struct{})
	go func() {
		sys.Deliver("/slow", 3) // buffer full and consumer stuck: must block
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("third Deliver returned before the mailbox had room")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("third Deliver never unblocked after the mailbox drained")
	}
}
