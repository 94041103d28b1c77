// Package transport defines the boundary the snapshot system uses to reach
// peers: message-class/channel scoped write contexts and recipient
// enumeration. It is defined here, not in net/ws, so the snapshot system can
// depend on it without pulling in a concrete websocket implementation — only
// internal/net/ws imports gorilla/websocket. The store package does not
// import it; it declares its own PeerDirectory, which Directory satisfies.
package transport

import "io"

// MessageClass tags the kind of payload a message context carries. The
// snapshot system only ever requests SnapshotData, but the boundary is
// shaped to admit other classes a host runtime might multiplex over the
// same transport.
type MessageClass string

// SnapshotData is the message class used for every snapshot send.
const SnapshotData MessageClass = "snapshot-data"

// Channel names a logical stream within a message class, letting a
// transport multiplex unrelated traffic without the snapshot system
// knowing how.
type Channel string

// SnapshotChannel is the channel snapshot messages are sent on.
const SnapshotChannel Channel = "snapshot"

// MessageContext is a scoped, per-recipient framed write buffer. Writer
// bytes written before Close are flushed as a single outbound message; the
// caller must always call Close, even after a write error, to guarantee
// release of any resource the transport held open for the context.
type MessageContext interface {
	io.Writer
	Close() error
}

// Directory enumerates recipients the snapshot system's tick hook can
// address. It satisfies store.PeerDirectory structurally.
type Directory interface {
	IsServer() bool
	Peers() []uint64
	ServerClientID() uint64
	LocalClientID() uint64
}

// Transport is the full boundary the snapshot system requires from the
// host runtime (§6): recipient enumeration plus scoped message-context
// acquisition. EnterMessageContext returns ok=false when acquisition fails
// (e.g. the recipient has disconnected); the caller skips that recipient
// for the current tick rather than retrying.
type Transport interface {
	Directory
	EnterMessageContext(class MessageClass, channel Channel, recipient uint64) (ctx MessageContext, ok bool)
}
