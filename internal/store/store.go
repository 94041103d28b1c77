// Package store implements the snapshot store (component B): the arena of
// serialized variable bytes, the variable-index table addressing it, the
// spawn table, and the per-object "last spawn tick applied" map.
package store

import (
	"errors"
	"fmt"
	"io"

	"gridsync/server/internal/alloc"
	"gridsync/server/internal/client"
	"gridsync/server/internal/net/proto"
	"gridsync/server/internal/telemetry"
)

// Default table and arena capacities.
const (
	DefaultBufSize    = 30000
	DefaultMaxEntries = 2000
	DefaultMaxSpawns  = 100
)

// NotFound is returned by Find when no entry matches the requested triple.
const NotFound = -1

// Errors surfaced from the Capacity error kind (§7): callers must not
// silently drop the write, they receive one of these and decide how to
// report it upward.
var (
	ErrEntryTableFull = errors.New("store: entry table is full")
	ErrSpawnTableFull = errors.New("store: spawn table is full")
	ErrArenaFull      = alloc.ErrArenaFull
)

// Key aliases the wire-level variable key so callers of this package don't
// need to import proto directly for the common case.
type Key = proto.Key

// Entry aliases the wire-level entry row.
type Entry = proto.Entry

// Spawn is a spawn table row: the wire-level spawn body plus the local-only
// target set of recipients that have not yet acknowledged it.
type Spawn struct {
	proto.Spawn
	TargetClientIDs map[uint64]struct{}
}

// PeerDirectory is the subset of the host runtime's peer enumeration (§6)
// that AddSpawn needs to compute a spawn's initial target set.
type PeerDirectory interface {
	IsServer() bool
	Peers() []uint64
	ServerClientID() uint64
}

// Config tunes the store's capacities and dependencies.
type Config struct {
	BufSize    int
	MaxEntries int
	MaxSpawns  int
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
}

func (c Config) withDefaults() Config {
	if c.BufSize <= 0 {
		c.BufSize = DefaultBufSize
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.MaxSpawns <= 0 {
		c.MaxSpawns = DefaultMaxSpawns
	}
	if c.Logger == nil {
		c.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NopMetrics{}
	}
	return c
}

// Store owns the arena, entry table, spawn table, and per-object applied-tick
// map described in §3 of the replication spec.
type Store struct {
	cfg Config

	mainBuffer []byte
	recvBuffer []byte
	allocator  *alloc.Allocator

	entries []Entry
	spawns  []Spawn

	tickApplied map[uint64]uint16
}

// New constructs a snapshot store with the given configuration.
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		cfg:         cfg,
		mainBuffer:  make([]byte, cfg.BufSize),
		recvBuffer:  make([]byte, cfg.BufSize),
		allocator:   alloc.New(cfg.BufSize),
		entries:     make([]Entry, 0, cfg.MaxEntries),
		spawns:      make([]Spawn, 0, cfg.MaxSpawns),
		tickApplied: make(map[uint64]uint16),
	}
}

// Clear resets the logical contents (entry table, spawn table, applied-tick
// map, allocator) but keeps the underlying arena allocation.
func (s *Store) Clear() {
	s.entries = s.entries[:0]
	s.spawns = s.spawns[:0]
	s.tickApplied = make(map[uint64]uint16)
	s.allocator.Reset()
}

// LastEntry reports the number of live rows in the entry table.
func (s *Store) LastEntry() int { return len(s.entries) }

// NumSpawns reports the number of live rows in the spawn table.
func (s *Store) NumSpawns() int { return len(s.spawns) }

// EntryAt returns a copy of the entry at slot.
func (s *Store) EntryAt(slot int) Entry { return s.entries[slot] }

// SpawnAt returns the spawn at index i in the dense spawn table.
func (s *Store) SpawnAt(i int) Spawn { return s.spawns[i] }

// Range reports the allocator's high-water mark: the byte count that must
// be copied to cover every live variable value.
func (s *Store) Range() int { return s.allocator.Range() }

// MainBuffer exposes the arena for read-only copying during send framing.
func (s *Store) MainBuffer() []byte { return s.mainBuffer }

// Find performs the linear scan described in §4.B, returning the first slot
// whose triple matches, or NotFound.
func (s *Store) Find(objectID uint64, behaviourIndex, variableIndex uint16) int {
	for i := range s.entries {
		k := s.entries[i].Key
		if k.ObjectID == objectID && k.BehaviourIndex == behaviourIndex && k.VariableIndex == variableIndex {
			return i
		}
	}
	return NotFound
}

// AddEntry appends an empty entry for key at the end of the dense prefix.
func (s *Store) AddEntry(key Key) (int, error) {
	if len(s.entries) >= s.cfg.MaxEntries {
		s.cfg.Metrics.Add("store.capacity.entry_table_full", 1)
		return NotFound, ErrEntryTableFull
	}
	slot := len(s.entries)
	s.entries = append(s.entries, Entry{Key: key})
	return slot, nil
}

// AllocateEntry resizes the arena region backing slot to size bytes. The
// resize is atomic: if it fails, the entry keeps its previous Position and
// Length and the allocator keeps the region backing them, so a rejected
// resize never leaves the entry pointing at bytes the allocator has already
// handed to someone else.
func (s *Store) AllocateEntry(slot int, size uint16) error {
	offset, err := s.allocator.Resize(slot, int(size))
	if err != nil {
		s.cfg.Metrics.Add("store.capacity.arena_full", 1)
		return fmt.Errorf("store: allocate entry %d size %d: %w", slot, size, err)
	}
	entry := &s.entries[slot]
	entry.Position = uint16(offset)
	entry.Length = size
	return nil
}

// AddSpawn computes the spawn's target set from directory and, iff it is
// non-empty and the spawn table has room, appends the spawn. A caller that
// is not a recognized server or client (directory returns no recipients)
// silently contributes nothing, matching §4.B's "iff the target set is
// non-empty" gate.
func (s *Store) AddSpawn(cmd proto.Spawn, directory PeerDirectory) error {
	targets := s.computeTargets(directory)
	if len(targets) == 0 {
		return nil
	}
	if len(s.spawns) >= s.cfg.MaxSpawns {
		s.cfg.Metrics.Add("store.capacity.spawn_table_full", 1)
		return ErrSpawnTableFull
	}
	s.spawns = append(s.spawns, Spawn{Spawn: cmd, TargetClientIDs: targets})
	return nil
}

func (s *Store) computeTargets(directory PeerDirectory) map[uint64]struct{} {
	if directory == nil {
		return nil
	}
	if directory.IsServer() {
		peers := directory.Peers()
		if len(peers) == 0 {
			return nil
		}
		targets := make(map[uint64]struct{}, len(peers))
		for _, id := range peers {
			targets[id] = struct{}{}
		}
		return targets
	}
	return map[uint64]struct{}{directory.ServerClientID(): {}}
}

// WriteEntry serializes e per the wire layout.
func (s *Store) WriteEntry(w io.Writer, e Entry) error {
	return proto.WriteEntry(w, e)
}

// ReadEntry deserializes an entry written by WriteEntry.
func (s *Store) ReadEntry(r proto.ByteReader) (Entry, error) {
	return proto.ReadEntry(r)
}

// WriteSpawn records an unconditional sent-spawn log entry against state,
// then serializes the spawn body. The log entry is recorded even for
// retransmissions, because each retransmission must be independently
// acknowledgeable.
func (s *Store) WriteSpawn(state *client.State, w io.Writer, spawn Spawn) error {
	state.RecordSentSpawn(spawn.ObjectID, int32(spawn.TickWritten))
	return proto.WriteSpawn(w, spawn.Spawn)
}

// ReadSpawn parses a spawn body and verifies its trailing sentinel.
func (s *Store) ReadSpawn(r io.Reader) (proto.Spawn, error) {
	return proto.ReadSpawn(r)
}

// ReadBuffer reads a u16 byte count followed by that many bytes into
// recvBuffer, returning the count. The subsequent ReadIndex call relies on
// recvBuffer holding the sender's arena snapshot.
func (s *Store) ReadBuffer(r proto.ByteReader) (int, error) {
	count, err := proto.ReadUint16(r)
	if err != nil {
		return 0, err
	}
	n := int(count)
	if n > len(s.recvBuffer) {
		return 0, fmt.Errorf("store: incoming buffer length %d exceeds capacity %d", n, len(s.recvBuffer))
	}
	if _, err := io.ReadFull(r, s.recvBuffer[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// VariableDecoder is invoked once per entry applied by ReadIndex, with the
// byte offset in MainBuffer where the entry's value now lives. It matches
// the "external variable-decode callback" boundary from §6; ok is false
// when lookup_variable found no handle for the triple (the entry is still
// stored so it may decode when the object later spawns).
type VariableDecoder func(entry Entry, offset int) (ok bool)

// ReadIndex reads the entry-count header and that many entries, applying
// §4.B's add/resize/copy/decode sequence for each. decode may be nil.
func (s *Store) ReadIndex(r proto.ByteReader, decode VariableDecoder) error {
	count, err := proto.ReadInt16(r)
	if err != nil {
		return err
	}
	for i := int16(0); i < count; i++ {
		incoming, err := proto.ReadEntry(r)
		if err != nil {
			return err
		}
		if err := s.applyIncomingEntry(incoming, decode); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyIncomingEntry(incoming Entry, decode VariableDecoder) error {
	slot := s.Find(incoming.Key.ObjectID, incoming.Key.BehaviourIndex, incoming.Key.VariableIndex)
	added := false
	if slot == NotFound {
		var err error
		slot, err = s.AddEntry(incoming.Key)
		if err != nil {
			if s.cfg.Logger != nil {
				s.cfg.Logger.Printf("capacity: dropping variable write, entry table full")
			}
			return err
		}
		added = true
	}
	if s.entries[slot].Length < incoming.Length {
		if err := s.AllocateEntry(slot, incoming.Length); err != nil {
			if s.cfg.Logger != nil {
				s.cfg.Logger.Printf("capacity: dropping variable write, arena full: %v", err)
			}
			return err
		}
		added = true
	}
	if !added && incoming.Key.TickWritten <= s.entries[slot].Key.TickWritten {
		return nil // stale: last-writer-wins on tick_written
	}

	dst := s.entries[slot].Position
	copy(s.mainBuffer[dst:int(dst)+int(incoming.Length)], s.recvBuffer[incoming.Position:int(incoming.Position)+int(incoming.Length)])

	// Normalize: the stored record always carries the locally allocated
	// offset, never the sender's, since the two processes' arenas are laid
	// out independently.
	incoming.Position = s.entries[slot].Position
	s.entries[slot] = incoming

	if decode != nil {
		decode(s.entries[slot], int(s.entries[slot].Position))
	}
	return nil
}

// SpawnApplier is the "external spawn-apply callback" boundary from §6.
type SpawnApplier func(spawn proto.Spawn, parentOrNone *uint64)

// ReadSpawns reads the spawn-count header and that many spawns, applying
// tick_applied monotone filtering and the re-parented/root policy before
// dispatching to apply.
func (s *Store) ReadSpawns(r proto.ByteReader, apply SpawnApplier) error {
	count, err := proto.ReadInt16(r)
	if err != nil {
		return err
	}
	for i := int16(0); i < count; i++ {
		spawn, err := proto.ReadSpawn(r)
		if err != nil {
			return err
		}
		s.applyIncomingSpawn(spawn, apply)
	}
	return nil
}

func (s *Store) applyIncomingSpawn(spawn proto.Spawn, apply SpawnApplier) {
	if applied, ok := s.tickApplied[spawn.ObjectID]; ok && spawn.TickWritten <= applied {
		return // already applied at this tick or later: idempotent drop
	}
	s.tickApplied[spawn.ObjectID] = spawn.TickWritten

	var parent *uint64
	if spawn.ParentNetworkID != spawn.ObjectID {
		id := spawn.ParentNetworkID
		parent = &id
	}
	if apply != nil {
		apply(spawn, parent)
	}
}

// ReadAcks reads the ack-sequence header and reconciles it against
// clientState's sent-spawn log: every matching entry records an ack in
// spawn_ack and removes clientID from the corresponding live spawn's target
// set, pruning the spawn entirely once its target set empties.
func (s *Store) ReadAcks(clientID uint64, clientState *client.State, r proto.ByteReader) error {
	ackSequence, err := proto.ReadUint16(r)
	if err != nil {
		return err
	}
	matched := clientState.TakeSentSpawns(ackSequence)
	for _, sent := range matched {
		clientState.SpawnAck[sent.ObjectID] = sent.Tick
		s.reconcileSpawnAck(clientID, sent)
	}
	return nil
}

func (s *Store) reconcileSpawnAck(clientID uint64, sent client.SentSpawn) {
	for i := range s.spawns {
		spawn := &s.spawns[i]
		if spawn.ObjectID != sent.ObjectID || int32(spawn.TickWritten) != sent.Tick {
			continue
		}
		delete(spawn.TargetClientIDs, clientID)
		if len(spawn.TargetClientIDs) == 0 {
			s.removeSpawnAt(i)
		}
		return
	}
}

// removeSpawnAt deletes the spawn at i via unordered compaction: overwrite
// with the last element and shrink.
func (s *Store) removeSpawnAt(i int) {
	last := len(s.spawns) - 1
	s.spawns[i] = s.spawns[last]
	s.spawns = s.spawns[:last]
}

// VariableEncoder is the "external variable-encode callback" boundary from
// §6: it serializes the current value of a replicated variable into a
// caller-owned scratch buffer, returning the number of bytes written.
type VariableEncoder func(scratch []byte) (n int, err error)

// Store captures the latest value of one replicated variable. It builds the
// key with currentTick, finds or creates the entry, resizes the arena
// region if the freshly encoded value grew, and copies the encoded bytes
// in place.
func (s *Store) Store(objectID uint64, behaviourIndex, variableIndex uint16, currentTick int32, encode VariableEncoder) error {
	key := Key{ObjectID: objectID, BehaviourIndex: behaviourIndex, VariableIndex: variableIndex, TickWritten: currentTick}

	slot := s.Find(objectID, behaviourIndex, variableIndex)
	if slot == NotFound {
		var err error
		slot, err = s.AddEntry(key)
		if err != nil {
			return err
		}
	}
	s.entries[slot].Key.TickWritten = currentTick

	var scratch [65535]byte
	n, err := encode(scratch[:])
	if err != nil {
		return fmt.Errorf("store: encode variable (%d,%d,%d): %w", objectID, behaviourIndex, variableIndex, err)
	}
	size := uint16(n)
	if size > s.entries[slot].Length {
		if err := s.AllocateEntry(slot, size); err != nil {
			return err
		}
	}
	s.entries[slot].Length = size
	pos := s.entries[slot].Position
	copy(s.mainBuffer[pos:int(pos)+n], scratch[:n])
	return nil
}

// Spawn stamps cmd's tick_written to currentTick and delegates to AddSpawn.
func (s *Store) Spawn(cmd proto.Spawn, currentTick int32, directory PeerDirectory) error {
	cmd.TickWritten = uint16(currentTick)
	return s.AddSpawn(cmd, directory)
}
