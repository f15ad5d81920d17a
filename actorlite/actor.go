/*

Package actorlite is a minimal, local-only actor system: the four
operations spec.md §6 requires of the "Actor system" collaborator
(create, spawn, deliver, run), plus Terminate and Len. mesh treats a real actor
system as an external dependency it only ever calls through those four
operations, so this package exists purely so mesh's own tests and
cmd/meshdemo have something concrete to run against.

It is deliberately not cluster-aware: a Mailbox here only ever receives
messages that mesh.Node has already decided belong on this worker. Cross-
worker routing, ownership and placement are entirely mesh's job.

*/
package actorlite

import (
	"context"
	"fmt"
	"sync"
)

// DefaultMailboxSize is used by Spawn when bufferSize is <= 0.
const DefaultMailboxSize = 16

// Receiver processes messages delivered to one actor, one at a time, in
// delivery order.
type Receiver interface {
	Receive(msg interface{})
}

// ReceiverFunc adapts a plain function to the Receiver interface.
type ReceiverFunc func(msg interface{})

// Receive calls f.
func (f ReceiverFunc) Receive(msg interface{}) { f(msg) }

type mailbox struct {
	path     string
	inbox    chan interface{}
	receiver Receiver
	done     chan struct{}
}

func (mb *mailbox) run() {
	for {
		select {
		case msg := <-mb.inbox:
			mb.receiver.Receive(msg)
		case <-mb.done:
			return
		}
	}
}

// System is a reference actor system: a set of named mailboxes, each
// drained by its own goroutine.
type System struct {
	mu        sync.RWMutex
	mailboxes map[string]*mailbox
}

// NewSystem creates an empty actor system.
func NewSystem() *System {
	return &System{mailboxes: make(map[string]*mailbox)}
}

// Spawn creates a mailbox at path backed by receiver, with an inbox
// buffered to bufferSize (DefaultMailboxSize if bufferSize <= 0). It is
// an error to spawn a path that already has a mailbox in this system.
func (s *System) Spawn(path string, receiver Receiver, bufferSize int) error {
	if bufferSize <= 0 {
		bufferSize = DefaultMailboxSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mailboxes[path]; exists {
		return fmt.Errorf("actorlite: %q is already spawned", path)
	}

	mb := &mailbox{
		path:     path,
		inbox:    make(chan interface{}, bufferSize),
		receiver: receiver,
		done:     make(chan struct{}),
	}
	s.mailboxes[path] = mb
	go mb.run()

	return nil
}

// Deliver enqueues message into path's mailbox and reports whether path
// has one. Delivery blocks if the mailbox's inbox is full, which is this
// system's only form of backpressure.
func (s *System) Deliver(path string, message interface{}) bool {
	s.mu.RLock()
	mb, ok := s.mailboxes[path]
	s.mu.RUnlock()

	if !ok {
		return false
	}

	mb.inbox <- message
	return true
}

// Terminate stops path's mailbox and removes it. It is not an error to
// terminate a path with no mailbox.
func (s *System) Terminate(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[path]
	if !ok {
		return
	}
	close(mb.done)
	delete(s.mailboxes, path)
}

// Run blocks until ctx is done, then stops every remaining mailbox. This
// is System's implementation of the "run() blocks until shutdown" actor-
// system operation spec.md §6 requires, and satisfies mesh.Runnable.
func (s *System) Run(ctx context.Context) {
	<-ctx.Done()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mb := range s.mailboxes {
		close(mb.done)
	}
	s.mailboxes = make(map[string]*mailbox)
}

// Len reports the number of live mailboxes, mostly useful for tests.
func (s *System) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mailboxes)
}
