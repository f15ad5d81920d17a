package mesh

import "errors"

// ErrDirectoryFull is returned by Directory.Register when the table has
// reached tableSize and cannot accept a new path.
var ErrDirectoryFull = errors.New("mesh: actor directory is at capacity")

// ErrNotOwner is returned by Node.Spawn when the caller asks to spawn a
// path whose ring owner is a different worker and no override was
// requested.
var ErrNotOwner = errors.New("mesh: ring owner for this path is a different worker")

// ErrUnknownPeer is returned internally by Transport.Send when the
// connection table has no outbound socket for the requested peer. Per
// spec.md, this is not surfaced as fatal; the send is logged and dropped.
var ErrUnknownPeer = errors.New("mesh: no outbound connection to that peer")

// ErrFrameTooLarge is returned by the read loop when a length prefix
// claims a payload beyond MaxFrameLength. It always terminates the
// connection; framing errors are not resynchronized.
var ErrFrameTooLarge = errors.New("mesh: frame length exceeds configured maximum")

// ErrTransportClosed is returned by Send/connectToPeers once Close has
// been called.
var ErrTransportClosed = errors.New("mesh: transport is closed")

// ErrInvalidConfig is returned by Bootstrap.Run for configuration errors
// detected before any worker starts (N <= 0, bad socketDir, etc).
var ErrInvalidConfig = errors.New("mesh: invalid bootstrap configuration")
