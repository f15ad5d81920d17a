package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture"
)

const (
	// FrameHeaderLength is the size of the big-endian length prefix on
	// every frame, per spec.md §3/§4.3.
	FrameHeaderLength = 4

	// MaxFrameLength bounds the payload length a frame may declare.
	// spec.md pins the floor at 16MiB; this implementation uses 32MiB.
	MaxFrameLength = 32 << 20

	// readChunkSize is the amount requested from the socket on each
	// recv, per spec.md §4.3's "fixed at 64 KiB" read buffer.
	readChunkSize = 64 << 10

	// recvTimeout and acceptTimeout give the read/accept loops a chance
	// to observe the closed flag promptly, per spec.md §4.3/§5.
	recvTimeout   = time.Second
	acceptTimeout = time.Second

	// listenBacklog documents the intended minimum; Go's net package
	// does not expose backlog directly, so this value is aspirational
	// bookkeeping only — see Bind's comment.
	listenBacklog = 128

	// connectRetryAttempts and connectRetryDelay bound ConnectToPeers'
	// retry loop: a peer that has not bound its socket yet fails dial
	// with ECONNREFUSED (or a stat error on the path) rather than
	// hanging, so a short bounded retry covers the case of a peer that
	// is merely slow to bind rather than dead, per SPEC_FULL.md §1.
	connectRetryAttempts = 10
	connectRetryDelay    = 100 * time.Millisecond
)

// FrameListener is invoked once per fully-parsed frame payload arriving
// on any connection. It must be safe to call concurrently: distinct
// connections run distinct read loops, all of which can be calling the
// listener at once. Per spec.md §4.3, frames from a single connection
// are always delivered in arrival order; there is no ordering guarantee
// across connections.
type FrameListener func(payload []byte)

// Transport is a full mesh of length-prefixed framed Unix-domain-socket
// connections between the workers in a cluster, per spec.md §4.3. One
// Transport belongs to exactly one worker: it binds that worker's
// listening socket, connects out to every peer, and exposes Send/Close.
type Transport struct {
	selfID    int
	socketDir string
	logger    ClusterLogger

	listener *net.UnixListener
	sup      *suture.Supervisor

	mu     sync.RWMutex
	out    map[int]net.Conn
	closed int32

	onFrame  FrameListener
	onStatus func(peerID int, up bool)

	// heartbeat, when true, causes handleConnection to log at Trace once
	// each time a connection goes a full recvTimeout without receiving any
	// bytes; it stays silent until bytes arrive again. It never
	// sends or expects wire-level ping traffic; this is a lighter-weight
	// version of thejerf/reign's ping/pong mechanism (see SPEC_FULL.md
	// §4), appropriate to a channel where the OS already tells us
	// promptly when the peer is gone.
	heartbeat bool

	wg sync.WaitGroup
}

// SocketPath returns the path a worker with the given id binds to inside
// socketDir.
func SocketPath(socketDir string, workerID int) string {
	return filepath.Join(socketDir, fmt.Sprintf("worker-%d.sock", workerID))
}

// NewTransport constructs a Transport for worker selfID. Bind must be
// called before Send or ConnectToPeers will do anything useful.
func NewTransport(selfID int, socketDir string, logger ClusterLogger) *Transport {
	if logger == nil {
		logger = NullLogger
	}
	t := &Transport{
		selfID:    selfID,
		socketDir: socketDir,
		logger:    logger,
		out:       make(map[int]net.Conn),
	}
	t.sup = suture.New(
		fmt.Sprintf("transport for worker %d", selfID),
		suture.Spec{
			Log: func(msg string) {
				logger.Warn(msg)
			},
			FailureThreshold: 1,
		},
	)
	return t
}

// WithHeartbeat enables the liveness log described in SPEC_FULL.md §4.
func (t *Transport) WithHeartbeat(enabled bool) *Transport {
	t.heartbeat = enabled
	return t
}

// InstallListener sets the callback invoked for every parsed frame on
// every inbound (accepted) connection; outbound connections are only
// written to, never read. Node.Start installs this
// exactly once, per spec.md §4.4.
func (t *Transport) InstallListener(f FrameListener) {
	t.mu.Lock()
	t.onFrame = f
	t.mu.Unlock()
}

func (t *Transport) frameListener() FrameListener {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.onFrame
}

// SetConnStatusListener sets the callback invoked whenever Transport
// establishes or loses an outbound connection to a peer. Node wires its
// own notifyConnStatus in here, per SPEC_FULL.md §4's connection status
// callback addition. There is no handshake on inbound connections, so
// this only ever reports on the peer ids Transport itself dialed.
func (t *Transport) SetConnStatusListener(f func(peerID int, up bool)) {
	t.mu.Lock()
	t.onStatus = f
	t.mu.Unlock()
}

func (t *Transport) notifyStatus(peerID int, up bool) {
	t.mu.RLock()
	f := t.onStatus
	t.mu.RUnlock()
	if f != nil {
		f(peerID, up)
	}
}

// acceptService adapts the accept loop to suture.Service so the
// Transport's supervisor restarts it if it panics. Its Stop does nothing:
// Transport.Close sets the closed flag, which the accept loop observes
// within one acceptTimeout and returns, then stops the supervisor and
// closes the listener.
type acceptService struct {
	t *Transport
}

func (a acceptService) Serve() {
	a.t.acceptLoop()
}

func (a acceptService) Stop() {
	// Bind's caller drives shutdown through Transport.Close, which closes
	// the listener directly; nothing extra to do here.
}

// Bind creates and listens the server socket for this worker and starts
// a detached accept loop, per spec.md §4.3 step 1. Any existing path is
// unlinked first.
func (t *Transport) Bind() error {
	if err := os.MkdirAll(t.socketDir, 0o755); err != nil {
		return fmt.Errorf("mesh: creating socket dir: %w", err)
	}

	path := SocketPath(t.socketDir, t.selfID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("mesh: unlinking stale socket %s: %w", path, err)
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return fmt.Errorf("mesh: resolving socket address: %w", err)
	}

	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("mesh: binding %s: %w", path, err)
	}
	// Go's net package picks the platform's default listen backlog
	// (typically read from /proc/sys/net/core/somaxconn on Linux, which
	// defaults to at least listenBacklog); there is no portable stdlib
	// knob to request an exact value, so listenBacklog above documents
	// the requirement rather than being passed anywhere.
	if err := os.Chmod(path, 0o700); err != nil {
		listener.Close()
		return fmt.Errorf("mesh: setting socket permissions: %w", err)
	}

	t.listener = listener
	t.sup.Add(acceptService{t: t})
	go t.sup.Serve()

	t.logger.Info("worker %d listening on %s", t.selfID, path)
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		if atomic.LoadInt32(&t.closed) != 0 {
			return
		}

		t.listener.SetDeadline(time.Now().Add(acceptTimeout))
		conn, err := t.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if atomic.LoadInt32(&t.closed) != 0 {
				return
			}
			t.logger.Warn("worker %d accept error: %s", t.selfID, err)
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConnection(conn)
		}()
	}
}

// ConnectToPeers opens an outbound connection to every peer id present in
// peerAddrs (keyed by worker id, excluding self) and stores it under that
// id. Per spec.md §4.3 step 3, any failure here is fatal to the calling
// worker: the caller should treat a non-nil return as grounds to abort
// startup. Each dial is retried up to connectRetryAttempts times, spaced
// connectRetryDelay apart, so a peer that is merely slow to bind its
// listening socket does not doom the whole run the way an actually-dead
// peer should.
func (t *Transport) ConnectToPeers(peerAddrs map[int]string) error {
	for peerID, path := range peerAddrs {
		if peerID == t.selfID {
			continue
		}

		addr, err := net.ResolveUnixAddr("unix", path)
		if err != nil {
			return fmt.Errorf("mesh: resolving peer %d address: %w", peerID, err)
		}

		conn, err := t.dialWithRetry(peerID, addr)
		if err != nil {
			return fmt.Errorf("mesh: connecting to peer %d at %s: %w", peerID, path, err)
		}

		t.mu.Lock()
		t.out[peerID] = conn
		t.mu.Unlock()

		t.logger.Info("worker %d connected to peer %d", t.selfID, peerID)
		t.notifyStatus(peerID, true)
	}
	return nil
}

// dialWithRetry dials addr, retrying on failure up to connectRetryAttempts
// times with connectRetryDelay between attempts. It gives up early if the
// transport is closed while waiting.
func (t *Transport) dialWithRetry(peerID int, addr *net.UnixAddr) (*net.UnixConn, error) {
	var lastErr error
	for attempt := 1; attempt <= connectRetryAttempts; attempt++ {
		if atomic.LoadInt32(&t.closed) != 0 {
			return nil, ErrTransportClosed
		}

		conn, err := net.DialUnix("unix", nil, addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < connectRetryAttempts {
			t.logger.Trace("worker %d: dial to peer %d failed (attempt %d/%d): %s", t.selfID, peerID, attempt, connectRetryAttempts, err)
			time.Sleep(connectRetryDelay)
		}
	}
	return nil, lastErr
}

// Send composes a frame from data and writes it, in full, to the
// outbound connection for target. If no such connection exists the send
// is dropped and logged, per spec.md §4.3/§7 ("this path is only reachable
// during startup or shutdown and is by design not fatal").
func (t *Transport) Send(target int, data []byte) error {
	if atomic.LoadInt32(&t.closed) != 0 {
		return ErrTransportClosed
	}

	t.mu.RLock()
	conn, ok := t.out[target]
	t.mu.RUnlock()

	if !ok {
		t.logger.Warn("worker %d: send to unknown peer %d dropped", t.selfID, target)
		return ErrUnknownPeer
	}

	if len(data) > MaxFrameLength {
		return fmt.Errorf("mesh: payload of %d bytes exceeds MaxFrameLength %d", len(data), MaxFrameLength)
	}

	frame := make([]byte, FrameHeaderLength+len(data))
	binary.BigEndian.PutUint32(frame[:FrameHeaderLength], uint32(len(data)))
	copy(frame[FrameHeaderLength:], data)

	if err := writeFull(conn, frame); err != nil {
		t.mu.Lock()
		if t.out[target] == conn {
			delete(t.out, target)
		}
		t.mu.Unlock()
		t.notifyStatus(target, false)
		return fmt.Errorf("mesh: sending to peer %d: %w", target, err)
	}
	return nil
}

// writeFull issues a full-send: it blocks cooperatively until every byte
// of buf has been written or the connection fails, per spec.md §4.3's
// "sendAll semantics are required".
func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// handleConnection is the per-connection read loop from spec.md §4.3. It
// maintains a byte buffer across recv calls so frames can span multiple
// reads, and drains every complete frame currently in the buffer before
// requesting more bytes.
func (t *Transport) handleConnection(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)
	idleReads := 0

	for {
		if atomic.LoadInt32(&t.closed) != 0 {
			return
		}

		conn.SetReadDeadline(time.Now().Add(recvTimeout))
		n, err := conn.Read(chunk)

		if n > 0 {
			buf = append(buf, chunk[:n]...)
			idleReads = 0
		}

		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if t.heartbeat {
					idleReads++
					if idleReads == 1 {
						t.logger.Trace("worker %d: connection idle, no frames in the last %s", t.selfID, recvTimeout)
					}
				}
				// A timeout with an empty buffer and no bytes read this
				// round is just "nothing to do yet"; a timeout with a
				// non-empty buffer means we have a partial frame and
				// should keep waiting rather than discard it.
				if n == 0 {
					continue
				}
			} else if errors.Is(err, io.EOF) {
				if len(buf) == 0 {
					return
				}
				t.logger.Warn("worker %d: peer closed mid-frame, dropping %d buffered bytes", t.selfID, len(buf))
				return
			} else {
				t.logger.Warn("worker %d: read error: %s", t.selfID, err)
				return
			}
		}

		if n == 0 && err == nil {
			// A zero-length, error-free read on a stream socket means
			// the peer closed cleanly.
			if len(buf) == 0 {
				return
			}
			continue
		}

		var drainErr error
		buf, drainErr = t.drainFrames(buf)
		if drainErr != nil {
			return
		}
	}
}

// drainFrames extracts and delivers every complete frame currently at the
// front of buf, returning whatever partial frame remains. A frame whose
// declared length exceeds MaxFrameLength is a fatal framing error per
// spec.md §4.3/§7: it returns ErrFrameTooLarge, and the caller must close
// the connection rather than keep reading, since there is no way to
// resynchronize with a stream whose length prefixes can no longer be
// trusted.
func (t *Transport) drainFrames(buf []byte) ([]byte, error) {
	listener := t.frameListener()

	for len(buf) >= FrameHeaderLength {
		length := binary.BigEndian.Uint32(buf[:FrameHeaderLength])
		if length > MaxFrameLength {
			t.logger.Error("worker %d: frame length %d exceeds max %d, closing connection", t.selfID, length, MaxFrameLength)
			return nil, ErrFrameTooLarge
		}

		total := FrameHeaderLength + int(length)
		if len(buf) < total {
			break
		}

		payload := make([]byte, length)
		copy(payload, buf[FrameHeaderLength:total])
		buf = buf[total:]

		if listener != nil {
			listener(payload)
		}
	}

	if len(buf) > 0 {
		remainder := make([]byte, len(buf))
		copy(remainder, buf)
		return remainder, nil
	}
	return buf[:0], nil
}

// Close tears the transport down: every outbound socket is closed, the
// connection table is cleared, the server socket is closed and unlinked,
// and the accept loop and any read loops observe the closed flag and
// exit on their next iteration.
func (t *Transport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}

	t.mu.Lock()
	downPeers := make([]int, 0, len(t.out))
	for peerID, conn := range t.out {
		conn.Close()
		downPeers = append(downPeers, peerID)
	}
	t.out = make(map[int]net.Conn)
	t.mu.Unlock()

	for _, peerID := range downPeers {
		t.notifyStatus(peerID, false)
	}

	t.sup.Stop()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
		os.Remove(SocketPath(t.socketDir, t.selfID))
	}

	t.wg.Wait()
	return err
}
