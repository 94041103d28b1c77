// Package ws implements the transport boundary (internal/net/transport)
// over gorilla/websocket: one binary websocket message per recipient per
// tick, mutex-guarded so a slow write from one tick cannot interleave with
// the next.
package ws

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"gridsync/server/internal/net/transport"
	"gridsync/server/internal/telemetry"
)

// HandlerConfig tunes the websocket upgrade and peer bookkeeping.
type HandlerConfig struct {
	Logger          telemetry.Logger
	ReadBufferSize  int
	WriteBufferSize int
}

func (c HandlerConfig) withDefaults() HandlerConfig {
	if c.Logger == nil {
		c.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
	return c
}

// peer pairs a live connection with the mutex guarding its writes.
type peer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Handler upgrades incoming HTTP connections to websockets and tracks the
// resulting peer set, serving as the concrete transport.Transport the
// snapshot system addresses.
type Handler struct {
	cfg      HandlerConfig
	upgrader websocket.Upgrader

	isServer       bool
	localClientID  uint64
	serverClientID uint64

	mu    sync.RWMutex
	peers map[uint64]*peer

	onDisconnect func(clientID uint64)
	onMessage    func(clientID uint64, payload []byte)
}

// NewHandler constructs a websocket-backed transport. isServer and the two
// client ids determine how Peers/ServerClientID answer the directory
// queries the snapshot system's tick hook relies on.
func NewHandler(cfg HandlerConfig, isServer bool, localClientID, serverClientID uint64) *Handler {
	cfg = cfg.withDefaults()
	return &Handler{
		cfg:            cfg,
		isServer:       isServer,
		localClientID:  localClientID,
		serverClientID: serverClientID,
		peers:          make(map[uint64]*peer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// OnDisconnect registers a callback invoked once a peer's read loop exits.
func (h *Handler) OnDisconnect(fn func(clientID uint64)) { h.onDisconnect = fn }

// OnMessage registers a callback invoked for every binary message read from
// a peer, used to feed the snapshot system's Receive path.
func (h *Handler) OnMessage(fn func(clientID uint64, payload []byte)) { h.onMessage = fn }

// Handle upgrades r into a websocket connection for clientID and blocks,
// reading binary messages until the connection closes.
func (h *Handler) Handle(clientID uint64, w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("ws: upgrade failed for client %d: %w", clientID, err)
	}

	p := &peer{conn: conn}
	h.mu.Lock()
	h.peers[clientID] = p
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.peers, clientID)
		h.mu.Unlock()
		conn.Close()
		if h.onDisconnect != nil {
			h.onDisconnect(clientID)
		}
	}()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		if msgType != websocket.BinaryMessage {
			h.cfg.Logger.Printf("ws: discarding non-binary message from client %d", clientID)
			continue
		}
		if h.onMessage != nil {
			h.onMessage(clientID, payload)
		}
	}
}

// IsServer implements transport.Directory.
func (h *Handler) IsServer() bool { return h.isServer }

// LocalClientID implements transport.Directory.
func (h *Handler) LocalClientID() uint64 { return h.localClientID }

// ServerClientID implements transport.Directory.
func (h *Handler) ServerClientID() uint64 { return h.serverClientID }

// Peers implements transport.Directory, returning every currently connected
// recipient other than the local id.
func (h *Handler) Peers() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]uint64, 0, len(h.peers))
	for id := range h.peers {
		if id == h.localClientID {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// EnterMessageContext implements transport.Transport. Every message class
// and channel maps onto the same single binary message per tick; class and
// channel are accepted for interface conformance and future multiplexing.
func (h *Handler) EnterMessageContext(class transport.MessageClass, channel transport.Channel, recipient uint64) (transport.MessageContext, bool) {
	h.mu.RLock()
	p, ok := h.peers[recipient]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	return &messageContext{peer: p}, true
}

// messageContext buffers writes in memory and flushes them as a single
// binary websocket message on Close, releasing the peer's write mutex
// unconditionally.
type messageContext struct {
	peer *peer
	buf  bytes.Buffer
}

func (c *messageContext) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *messageContext) Close() error {
	defer c.peer.mu.Unlock()
	if c.buf.Len() == 0 {
		return nil
	}
	return c.peer.conn.WriteMessage(websocket.BinaryMessage, c.buf.Bytes())
}
