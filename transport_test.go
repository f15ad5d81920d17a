package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSocketPath(t *testing.T) {
	t.Parallel()

	got := SocketPath("/tmp/mesh", 3)
	want := filepath.Join("/tmp/mesh", "worker-3.sock")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestTransportSendReceivesFullFrame(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := NewTransport(0, dir, NullLogger)
	b := NewTransport(1, dir, NullLogger)

	if err := a.Bind(); err != nil {
		t.Fatalf("a.Bind: %s", err)
	}
	defer a.Close()
	if err := b.Bind(); err != nil {
		t.Fatalf("b.Bind: %s", err)
	}
	defer b.Close()

	received := make(chan []byte, 1)
	b.InstallListener(func(payload []byte) {
		received <- payload
	})

	peers := map[int]string{0: SocketPath(dir, 0), 1: SocketPath(dir, 1)}
	if err := a.ConnectToPeers(peers); err != nil {
		t.Fatalf("a.ConnectToPeers: %s", err)
	}

	payload := []byte("hello from worker 0")
	if err := a.Send(1, payload); err != nil {
		t.Fatalf("a.Send: %s", err)
	}

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Fatalf("expected %q, got %q", payload, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestTransportPreservesOrderAcrossManyFrames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := NewTransport(0, dir, NullLogger)
	b := NewTransport(1, dir, NullLogger)

	if err := a.Bind(); err != nil {
		t.Fatalf("a.Bind: %s", err)
	}
	defer a.Close()
	if err := b.Bind(); err != nil {
		t.Fatalf("b.Bind: %s", err)
	}
	defer b.Close()

	const n = 500
	received := make(chan int, n)
	b.InstallListener(func(payload []byte) {
		received <- int(binary.BigEndian.Uint32(payload))
	})

	peers := map[int]string{0: SocketPath(dir, 0), 1: SocketPath(dir, 1)}
	if err := a.ConnectToPeers(peers); err != nil {
		t.Fatalf("a.ConnectToPeers: %s", err)
	}

	for i := 0; i < n; i++ {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(i))
		if err := a.Send(1, buf); err != nil {
			t.Fatalf("a.Send(%d): %s", i, err)
		}
	}

	for i := 0; i < n; i++ {
		select {
		case got := <-received:
			if got != i {
				t.Fatalf("expected frame %d in order, got %d", i, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

// TestDrainFramesAcrossArbitraryChunkBoundaries feeds drainFrames the same
// two encoded frames split at every possible byte offset, verifying the
// buffered parser never loses or corrupts a frame regardless of where a
// recv() call happens to cut it.
func TestDrainFramesAcrossArbitraryChunkBoundaries(t *testing.T) {
	t.Parallel()

	frame := func(payload []byte) []byte {
		buf := make([]byte, FrameHeaderLength+len(payload))
		binary.BigEndian.PutUint32(buf[:FrameHeaderLength], uint32(len(payload)))
		copy(buf[FrameHeaderLength:], payload)
		return buf
	}

	full := append(frame([]byte("first")), frame([]byte("second-payload"))...)

	for cut := 0; cut <= len(full); cut++ {
		cut := cut
		t.Run(fmt.Sprintf("cut_at_%d", cut), func(t *testing.T) {
			t.Parallel()

			tr := &Transport{logger: NullLogger}
			var got [][]byte
			tr.InstallListener(func(payload []byte) {
				cp := make([]byte, len(payload))
				copy(cp, payload)
				got = append(got, cp)
			})

			buf, err := tr.drainFrames(full[:cut])
			if err != nil {
				t.Fatalf("drainFrames: %s", err)
			}
			buf = append(buf, full[cut:]...)
			buf, err = tr.drainFrames(buf)
			if err != nil {
				t.Fatalf("drainFrames: %s", err)
			}
			if len(buf) != 0 {
				t.Fatalf("expected no leftover bytes, got %d", len(buf))
			}

			if len(got) != 2 || string(got[0]) != "first" || string(got[1]) != "second-payload" {
				t.Fatalf("expected [first second-payload], got %v", stringSlice(got))
			}
		})
	}
}

func stringSlice(bs [][]byte) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = string(b)
	}
	return out
}

func TestConnectToPeersRetriesUntilPeerBinds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := NewTransport(0, dir, NullLogger)
	if err := a.Bind(); err != nil {
		t.Fatalf("a.Bind: %s", err)
	}
	defer a.Close()

	b := NewTransport(1, dir, NullLogger)
	defer b.Close()

	// Peer 1 doesn't bind its socket until after a's first couple of
	// dial attempts would have failed, exercising the retry loop rather
	// than a peer that was already up.
	go func() {
		time.Sleep(250 * time.Millisecond)
		if err := b.Bind(); err != nil {
			t.Errorf("b.Bind: %s", err)
		}
	}()

	peers := map[int]string{0: SocketPath(dir, 0), 1: SocketPath(dir, 1)}
	if err := a.ConnectToPeers(peers); err != nil {
		t.Fatalf("a.ConnectToPeers: expected retries to ride out the late bind, got %s", err)
	}
}

func TestConnectToPeersGivesUpAfterBoundedRetries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := NewTransport(0, dir, NullLogger)
	if err := a.Bind(); err != nil {
		t.Fatalf("a.Bind: %s", err)
	}
	defer a.Close()

	// Peer 1 never binds; ConnectToPeers must still return a fatal error
	// once its retry budget is exhausted rather than retrying forever.
	peers := map[int]string{0: SocketPath(dir, 0), 1: SocketPath(dir, 1)}
	if err := a.ConnectToPeers(peers); err == nil {
		t.Fatal("expected an error once retries are exhausted against a peer that never binds")
	}
}

func TestTransportSendToUnknownPeerIsDroppedNotFatal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := NewTransport(0, dir, NullLogger)
	if err := a.Bind(); err != nil {
		t.Fatalf("a.Bind: %s", err)
	}
	defer a.Close()

	err := a.Send(99, []byte("nobody's listening"))
	if err == nil {
		t.Fatal("expected an error for an unknown peer")
	}
}

func TestTransportConnStatusListenerFires(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := NewTransport(0, dir, NullLogger)
	b := NewTransport(1, dir, NullLogger)

	if err := a.Bind(); err != nil {
		t.Fatalf("a.Bind: %s", err)
	}
	if err := b.Bind(); err != nil {
		t.Fatalf("b.Bind: %s", err)
	}
	defer b.Close()

	var mu sync.Mutex
	events := make(map[int]bool)
	a.SetConnStatusListener(func(peerID int, up bool) {
		mu.Lock()
		events[peerID] = up
		mu.Unlock()
	})

	peers := map[int]string{0: SocketPath(dir, 0), 1: SocketPath(dir, 1)}
	if err := a.ConnectToPeers(peers); err != nil {
		t.Fatalf("a.ConnectToPeers: %s", err)
	}

	mu.Lock()
	up, ok := events[1]
	mu.Unlock()
	if !ok || !up {
		t.Fatalf("expected a connection-up event for peer 1, got events=%v", events)
	}

	a.Close()

	mu.Lock()
	up, ok = events[1]
	mu.Unlock()
	if !ok || up {
		t.Fatalf("expected a connection-down event for peer 1 after Close, got events=%v", events)
	}
}

func TestBindUnlinksStaleSocket(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := SocketPath(dir, 0)
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatalf("writing stale file: %s", err)
	}

	tr := NewTransport(0, dir, NullLogger)
	if err := tr.Bind(); err != nil {
		t.Fatalf("Bind should unlink a stale non-socket file: %s", err)
	}
	defer tr.Close()
}

func TestDrainFramesRejectsOversizedLength(t *testing.T) {
	t.Parallel()

	tr := &Transport{logger: NullLogger}
	tr.InstallListener(func(payload []byte) {
		t.Fatalf("listener should never see an oversized frame's payload, got %q", payload)
	})

	buf := make([]byte, FrameHeaderLength)
	binary.BigEndian.PutUint32(buf, MaxFrameLength+1)

	_, err := tr.drainFrames(buf)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

// TestHandleConnectionClosesOnOversizedFrame is the regression test for
// spec.md §7's "malformed frame: close the connection and do not attempt
// to resync" requirement: a peer that declares a length beyond
// MaxFrameLength must have its connection torn down rather than have its
// trailing bytes reinterpreted as fresh frames.
func TestHandleConnectionClosesOnOversizedFrame(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := NewTransport(1, dir, NullLogger)
	if err := b.Bind(); err != nil {
		t.Fatalf("b.Bind: %s", err)
	}
	defer b.Close()

	var mu sync.Mutex
	var gotFrames [][]byte
	b.InstallListener(func(payload []byte) {
		mu.Lock()
		cp := make([]byte, len(payload))
		copy(cp, payload)
		gotFrames = append(gotFrames, cp)
		mu.Unlock()
	})

	conn, err := net.Dial("unix", SocketPath(dir, 1))
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	defer conn.Close()

	bad := make([]byte, FrameHeaderLength)
	binary.BigEndian.PutUint32(bad, MaxFrameLength+1)
	// Trailing bytes that would otherwise be misread as a valid frame
	// header + payload if the read loop kept going after the oversized
	// declaration instead of closing.
	bad = append(bad, []byte("resync-me")...)

	if _, err := conn.Write(bad); err != nil {
		t.Fatalf("write: %s", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := conn.Read(make([]byte, 1))
	if n != 0 || err == nil {
		t.Fatalf("expected the connection to be closed by the peer, got n=%d err=%v", n, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotFrames) != 0 {
		t.Fatalf("expected no frames delivered, got %v", stringSlice(gotFrames))
	}
}
