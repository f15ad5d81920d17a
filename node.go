package mesh

import (
	"fmt"
	"sync"
)

// LocalDeliverer is the actor-system collaborator interface Node needs,
// matching the subset of spec.md §6's "Actor system" interface that Node
// itself calls: deliver a message to a locally-hosted actor by path, and
// report whether that actor exists so Node can log-and-drop per spec.md
// §7's "Unknown destination path on receive" entry.
type LocalDeliverer interface {
	Deliver(path string, message interface{}) bool
}

// DirectoryStore is the path -> owner worker id lookup Node needs.
// *Directory satisfies it for Bootstrap.Run's goroutine workers;
// *ShmDirectory satisfies it for Bootstrap.RunForked's real subprocesses.
type DirectoryStore interface {
	Register(path string, workerID int) error
	Lookup(path string) (int, bool)
	Has(path string) bool
	Remove(path string)
}

// Node is the per-worker facade composing Ring, Directory, Transport and
// a Serializer, per spec.md §4.4. One Node exists per worker.
type Node struct {
	WorkerID int

	ring       *Ring
	directory  DirectoryStore
	transport  *Transport
	serializer Serializer
	local      LocalDeliverer
	logger     ClusterLogger

	mu               sync.RWMutex
	connStatusFns    []func(peerID int, up bool)
	registeredLocals map[string]struct{}
}

// NewNode wires the collaborators together. The caller is responsible for
// having already constructed and bound transport before calling Start.
func NewNode(workerID int, ring *Ring, directory DirectoryStore, transport *Transport, serializer Serializer, local LocalDeliverer, logger ClusterLogger) *Node {
	if serializer == nil {
		serializer = GobSerializer{}
	}
	if logger == nil {
		logger = NullLogger
	}
	return &Node{
		WorkerID:         workerID,
		ring:             ring,
		directory:        directory,
		transport:        transport,
		serializer:       serializer,
		local:            local,
		logger:           logger,
		registeredLocals: make(map[string]struct{}),
	}
}

// OnPeerConnectionChange registers a callback invoked when a peer
// connection is believed to have come up or gone down. This is a
// SPEC_FULL.md §4 addition, grounded on thejerf/reign's
// AddConnectionStatusCallback; it is purely informational; nothing in the
// core routing path depends on it firing.
func (n *Node) OnPeerConnectionChange(f func(peerID int, up bool)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connStatusFns = append(n.connStatusFns, f)
}

func (n *Node) notifyConnStatus(peerID int, up bool) {
	n.mu.RLock()
	fns := append([]func(int, bool){}, n.connStatusFns...)
	n.mu.RUnlock()

	for _, f := range fns {
		f(peerID, up)
	}
}

// Start installs the Transport's frame listener: every incoming frame is
// deserialized into an envelope and delivered into the local actor
// system by destination path. If no such actor exists locally, the
// envelope is dropped and a warning logged; per spec.md §4.4 the design
// does not forward on to a third node.
func (n *Node) Start() {
	n.transport.SetConnStatusListener(n.notifyConnStatus)

	n.transport.InstallListener(func(payload []byte) {
		env, err := decodeEnvelope(payload)
		if err != nil {
			n.logger.Warn("worker %d: could not decode envelope: %s", n.WorkerID, err)
			return
		}

		var message interface{}
		if err := n.serializer.Deserialize(env.Payload, &message); err != nil {
			n.logger.Warn("worker %d: could not deserialize message for %q: %s", n.WorkerID, env.Destination, err)
			return
		}

		if n.local == nil || !n.local.Deliver(env.Destination, message) {
			n.logger.Warn("worker %d: dropped message for unknown local path %q", n.WorkerID, env.Destination)
		}
	})
}

// Spawn registers path as owned by this worker, refusing to do so if the
// ring places path on a different worker and override is false. This is
// what prevents the "last write wins" hazard spec.md §4.2/§4.4 calls out:
// the only way two workers ever register the same path with different
// owners is a deliberate override by the application.
func (n *Node) Spawn(path string, override bool) error {
	owner := n.ring.NodeFor(path)
	if owner != n.WorkerID && !override {
		return fmt.Errorf("%w: path %q belongs to worker %d, this is worker %d", ErrNotOwner, path, owner, n.WorkerID)
	}

	if err := n.directory.Register(path, n.WorkerID); err != nil {
		return err
	}

	n.mu.Lock()
	n.registeredLocals[path] = struct{}{}
	n.mu.Unlock()

	return nil
}

// Terminate removes path's directory entry. Per spec.md §3, removal only
// ever happens via explicit actor termination by the owning worker; Node
// does not check ownership here because a well-behaved caller only calls
// Terminate for paths it itself Spawned.
func (n *Node) Terminate(path string) {
	n.directory.Remove(path)

	n.mu.Lock()
	delete(n.registeredLocals, path)
	n.mu.Unlock()
}

// Send resolves path's owner (consulting the directory, falling back to
// the ring and claiming ownership on first reference), then either
// delivers locally or serializes and hands the frame to Transport, per
// spec.md §2's runtime data flow and §4.4.
func (n *Node) Send(path string, message interface{}) error {
	owner, ok := n.directory.Lookup(path)
	if !ok {
		owner = n.ring.NodeFor(path)
		if err := n.directory.Register(path, owner); err != nil {
			n.logger.Warn("worker %d: directory full, could not claim %q for worker %d: %s", n.WorkerID, path, owner, err)
			// Fall through and route to the computed owner anyway; the
			// ring is authoritative even when the directory can't
			// remember the claim, per spec.md §7's "ring is used as
			// fallback" resolution for a full directory.
		}
	}

	if owner == n.WorkerID {
		if n.local == nil || !n.local.Deliver(path, message) {
			n.logger.Warn("worker %d: dropped local send to unknown path %q", n.WorkerID, path)
		}
		return nil
	}

	payload, err := n.serializer.Serialize(message)
	if err != nil {
		return fmt.Errorf("mesh: serializing message for %q: %w", path, err)
	}

	frame, err := encodeEnvelope(path, payload)
	if err != nil {
		return fmt.Errorf("mesh: encoding envelope for %q: %w", path, err)
	}

	return n.transport.Send(owner, frame)
}
