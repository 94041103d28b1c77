// Package snapshotsys implements the snapshot system (component D): the
// tick hook that drives one send per connected recipient per distinct
// tick, and the receive path that parses an inbound snapshot message in
// the fixed buffer -> index -> spawns -> acks order.
package snapshotsys

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"gridsync/server/internal/client"
	"gridsync/server/internal/net/proto"
	"gridsync/server/internal/net/transport"
	"gridsync/server/internal/store"
	"gridsync/server/internal/telemetry"
	"gridsync/server/logging"
)

// VariableHandle is the external variable lookup/decode boundary from §6:
// a handle capable of encoding the current value of a replicated variable
// or decoding one read off the wire.
type VariableHandle interface {
	WriteDelta(w io.Writer) error
	ReadDelta(r proto.ByteReader) error
}

// LookupVariable resolves a replicated variable to a handle, or reports
// none when the owning object has not spawned locally yet.
type LookupVariable func(objectID uint64, behaviourIndex, variableIndex uint16) (handle VariableHandle, ok bool)

// ApplySpawn creates and registers the local object described by cmd.
// parentOrNone is nil exactly when parent_network_id == object_id (the
// spawn is applied as a root); otherwise it points at parent_network_id.
type ApplySpawn func(cmd proto.Spawn, parentOrNone *uint64)

// Config tunes the system's capacities, toggles, and ambient dependencies.
type Config struct {
	BufSize    int
	MaxEntries int
	MaxSpawns  int

	UseSnapshotDelta bool
	UseSnapshotSpawn bool
	AckWindow        uint16
	TickRate         time.Duration

	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NopMetrics{}
	}
	if c.Publisher == nil {
		c.Publisher = logging.NopPublisher()
	}
	return c
}

// System owns the snapshot store and per-client state, and orchestrates the
// tick-driven send/receive cycle over a transport.Transport.
type System struct {
	cfg       Config
	store     *store.Store
	transport transport.Transport
	lookup    LookupVariable
	apply     ApplySpawn

	clients  map[uint64]*client.State
	lastTick int32
	primed   bool
}

// New constructs a snapshot system. tr, lookup, and apply are the host
// runtime's transport and object-lifetime callbacks (§6).
func New(cfg Config, tr transport.Transport, lookup LookupVariable, apply ApplySpawn) *System {
	cfg = cfg.withDefaults()
	return &System{
		cfg: cfg,
		store: store.New(store.Config{
			BufSize:    cfg.BufSize,
			MaxEntries: cfg.MaxEntries,
			MaxSpawns:  cfg.MaxSpawns,
			Logger:     cfg.Logger,
			Metrics:    cfg.Metrics,
		}),
		transport: tr,
		lookup:    lookup,
		apply:     apply,
		clients:   make(map[uint64]*client.State),
	}
}

func (sys *System) clientState(id uint64) *client.State {
	state, ok := sys.clients[id]
	if !ok {
		state = client.New(sys.cfg.AckWindow)
		sys.clients[id] = state
	}
	return state
}

// Store records the current value of one replicated variable, building the
// key with currentTick and serializing handle's delta into the arena.
func (sys *System) Store(objectID uint64, behaviourIndex, variableIndex uint16, currentTick int32, handle VariableHandle) error {
	encode := func(scratch []byte) (int, error) {
		buf := bytes.NewBuffer(scratch[:0])
		if err := handle.WriteDelta(buf); err != nil {
			return 0, err
		}
		return buf.Len(), nil
	}
	return sys.store.Store(objectID, behaviourIndex, variableIndex, currentTick, encode)
}

// Spawn stamps cmd with the current tick and adds it to the spawn table
// targeted at whichever peers the transport's directory reports.
func (sys *System) Spawn(cmd proto.Spawn, currentTick int32) error {
	return sys.store.Spawn(cmd, currentTick, sys.transport)
}

// Tick runs the tick hook: on the first call for a distinct tick number, it
// sends a snapshot to every recipient this process owes one to, unless
// both snapshot features are disabled.
func (sys *System) Tick(currentTick int32) {
	if sys.primed && currentTick == sys.lastTick {
		return
	}
	sys.primed = true
	sys.lastTick = currentTick

	if !sys.cfg.UseSnapshotDelta && !sys.cfg.UseSnapshotSpawn {
		return
	}

	for _, recipient := range sys.recipients() {
		if err := sys.send(recipient, currentTick); err != nil {
			sys.cfg.Logger.Printf("snapshot: send to client %d failed: %v", recipient, err)
			sys.cfg.Publisher.Publish(context.Background(), logging.Event{
				Type:     logging.EventTransportError,
				Tick:     currentTick,
				Severity: logging.SeverityError,
				Category: logging.CategoryTransport,
				Actor:    logging.EntityRef{ID: fmt.Sprintf("%d", recipient), Kind: logging.EntityKindClient},
			}.WithExtra("error", err.Error()))
		}
	}
}

func (sys *System) recipients() []uint64 {
	if sys.transport.IsServer() {
		serverID := sys.transport.ServerClientID()
		peers := sys.transport.Peers()
		ids := make([]uint64, 0, len(peers))
		for _, id := range peers {
			if id != serverID {
				ids = append(ids, id)
			}
		}
		return ids
	}
	return []uint64{sys.transport.ServerClientID()}
}

// send composes one snapshot message for recipient per §4.D steps 2-11.
func (sys *System) send(recipient uint64, currentTick int32) error {
	state := sys.clientState(recipient)

	ctx, ok := sys.transport.EnterMessageContext(transport.SnapshotData, transport.SnapshotChannel, recipient)
	if !ok {
		return nil // transport failure: skip this recipient, no retry within the tick
	}
	defer ctx.Close()

	if err := proto.WriteVarint(ctx, currentTick); err != nil {
		return err
	}
	if err := proto.WriteUint16(ctx, state.NextSequence); err != nil {
		return err
	}
	if err := proto.WriteUint16(ctx, proto.Sentinel0); err != nil {
		return err
	}

	rng := sys.store.Range()
	if err := proto.WriteUint16(ctx, uint16(rng)); err != nil {
		return err
	}
	if _, err := ctx.Write(sys.store.MainBuffer()[:rng]); err != nil {
		return err
	}

	if err := proto.WriteInt16(ctx, int16(sys.store.LastEntry())); err != nil {
		return err
	}
	for i := 0; i < sys.store.LastEntry(); i++ {
		if err := sys.store.WriteEntry(ctx, sys.store.EntryAt(i)); err != nil {
			return err
		}
	}
	if err := proto.WriteUint16(ctx, proto.Sentinel1); err != nil {
		return err
	}

	if err := sys.writeSpawns(ctx, state, recipient); err != nil {
		return err
	}
	if err := proto.WriteUint16(ctx, proto.Sentinel2); err != nil {
		return err
	}

	if err := proto.WriteUint16(ctx, state.LastReceivedSequence); err != nil {
		return err
	}
	state.AdvanceSequence()
	return proto.WriteUint16(ctx, proto.Sentinel3)
}

// writeSpawns composes the spawn section. The wire format prescribes a
// placeholder count overwritten via a seek back to its offset once the
// actual count is known; ctx is a plain io.Writer with no seek capability,
// so the section is composed in a local buffer first and the true count is
// written ahead of it instead. The bytes on the wire are identical either
// way.
func (sys *System) writeSpawns(w io.Writer, state *client.State, recipient uint64) error {
	var body bytes.Buffer
	var count int16
	for i := 0; i < sys.store.NumSpawns(); i++ {
		spawn := sys.store.SpawnAt(i)
		if _, targeted := spawn.TargetClientIDs[recipient]; !targeted {
			continue
		}
		if acked, ok := state.SpawnAck[spawn.ObjectID]; ok && acked == int32(spawn.TickWritten) {
			continue
		}
		if err := sys.store.WriteSpawn(state, &body, spawn); err != nil {
			return err
		}
		count++
	}
	if err := proto.WriteInt16(w, count); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// Receive parses one inbound snapshot message from clientID in the fixed
// buffer -> index -> spawns -> acks order, verifying each section's
// trailing sentinel. A sentinel mismatch is reported as a critical
// integrity event and parsing stops; the connection itself is left intact.
// Spawns read from the spawn section reach the apply callback only once
// SENTINEL_2 has verified, so a corrupted SENTINEL_2 applies none of them.
func (sys *System) Receive(clientID uint64, r proto.ByteReader) error {
	state := sys.clientState(clientID)

	if _, err := proto.ReadVarint(r); err != nil {
		return err
	}
	seq, err := proto.ReadUint16(r)
	if err != nil {
		return err
	}
	state.ObservedSequence(seq)
	if err := sys.verifySentinel(r, proto.Sentinel0); err != nil {
		return err
	}

	if _, err := sys.store.ReadBuffer(r); err != nil {
		return err
	}
	if err := sys.store.ReadIndex(r, sys.decodeVariable); err != nil {
		return err
	}
	if err := sys.verifySentinel(r, proto.Sentinel1); err != nil {
		return err
	}

	var deferred []func()
	collect := func(spawn proto.Spawn, parentOrNone *uint64) {
		deferred = append(deferred, func() { sys.applySpawnCallback(spawn, parentOrNone) })
	}
	if err := sys.store.ReadSpawns(r, collect); err != nil {
		return err
	}
	if err := sys.verifySentinel(r, proto.Sentinel2); err != nil {
		return err
	}
	for _, applySpawn := range deferred {
		applySpawn()
	}

	if err := sys.store.ReadAcks(clientID, state, r); err != nil {
		return err
	}
	return sys.verifySentinel(r, proto.Sentinel3)
}

func (sys *System) verifySentinel(r proto.ByteReader, want uint16) error {
	got, err := proto.ReadUint16(r)
	if err != nil {
		return err
	}
	if got != want {
		sys.cfg.Logger.Printf("snapshot: sentinel mismatch, want %x got %x", want, got)
		sys.cfg.Publisher.Publish(context.Background(), logging.Event{
			Tick:     sys.lastTick,
			Type:     logging.EventIntegrity,
			Severity: logging.SeverityCritical,
			Category: logging.CategoryIntegrity,
		}.WithExtra("want", want).WithExtra("got", got))
		return proto.ErrSentinelMismatch
	}
	return nil
}

func (sys *System) decodeVariable(entry store.Entry, offset int) bool {
	if sys.lookup == nil {
		return false
	}
	handle, ok := sys.lookup(entry.Key.ObjectID, entry.Key.BehaviourIndex, entry.Key.VariableIndex)
	if !ok {
		sys.cfg.Publisher.Publish(context.Background(), logging.Event{
			Tick:     sys.lastTick,
			Type:     logging.EventMissingLookup,
			Severity: logging.SeverityWarn,
			Category: logging.CategoryIntegrity,
			Actor:    logging.EntityRef{ID: fmt.Sprintf("%d", entry.Key.ObjectID), Kind: logging.EntityKindObject},
		})
		return false
	}
	r := bytes.NewReader(sys.store.MainBuffer()[offset : offset+int(entry.Length)])
	if err := handle.ReadDelta(r); err != nil {
		sys.cfg.Logger.Printf("snapshot: decode variable (%d,%d,%d) failed: %v", entry.Key.ObjectID, entry.Key.BehaviourIndex, entry.Key.VariableIndex, err)
		return false
	}
	return true
}

func (sys *System) applySpawnCallback(spawn proto.Spawn, parentOrNone *uint64) {
	if sys.apply != nil {
		sys.apply(spawn, parentOrNone)
	}
}
