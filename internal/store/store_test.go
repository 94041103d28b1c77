package store

import (
	"bytes"
	"testing"

	"gridsync/server/internal/client"
	"gridsync/server/internal/net/proto"
)

func encodeBytes(data []byte) VariableEncoder {
	return func(scratch []byte) (int, error) {
		return copy(scratch, data), nil
	}
}

type fakeDirectory struct {
	isServer bool
	peers    []uint64
	serverID uint64
}

func (f fakeDirectory) IsServer() bool       { return f.isServer }
func (f fakeDirectory) Peers() []uint64      { return f.peers }
func (f fakeDirectory) ServerClientID() uint64 { return f.serverID }

func TestStoreFindReturnsMostRecentTick(t *testing.T) {
	s := New(Config{})
	if err := s.Store(7, 0, 0, 10, encodeBytes([]byte("AB"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Store(7, 0, 0, 11, encodeBytes([]byte("CDEF"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	slot := s.Find(7, 0, 0)
	if slot == NotFound {
		t.Fatalf("expected entry to be found")
	}
	entry := s.EntryAt(slot)
	if entry.Key.TickWritten != 11 || entry.Length != 4 {
		t.Fatalf("expected tick 11 length 4, got %+v", entry)
	}
	if s.LastEntry() != 1 {
		t.Fatalf("expected exactly one entry for the triple, got %d", s.LastEntry())
	}
}

func TestStoreOverwriteReallocatesWithoutOverlap(t *testing.T) {
	s := New(Config{})
	if err := s.Store(1, 0, 0, 1, encodeBytes([]byte("A"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Store(2, 0, 0, 1, encodeBytes([]byte("B"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Store(1, 0, 0, 2, encodeBytes([]byte("LONGERVALUE"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	e1 := s.EntryAt(s.Find(1, 0, 0))
	e2 := s.EntryAt(s.Find(2, 0, 0))
	if rangesOverlap(e1, e2) {
		t.Fatalf("expected disjoint ranges, got %+v and %+v", e1, e2)
	}
}

func rangesOverlap(a, b Entry) bool {
	aStart, aEnd := int(a.Position), int(a.Position)+int(a.Length)
	bStart, bEnd := int(b.Position), int(b.Position)+int(b.Length)
	return aStart < bEnd && bStart < aEnd
}

// TestRoundTripEntryAcrossStores reproduces S1: sender writes entries and
// arena bytes with WriteIndex-equivalent framing, receiver applies them via
// ReadBuffer+ReadIndex.
func TestRoundTripEntryAcrossStores(t *testing.T) {
	sender := New(Config{})
	if err := sender.Store(7, 0, 0, 10, encodeBytes([]byte("AB"))); err != nil {
		t.Fatalf("store: %v", err)
	}

	receiver := New(Config{})
	var decoded []byte
	decode := func(entry Entry, offset int) bool {
		decoded = append([]byte(nil), receiver.MainBuffer()[offset:offset+int(entry.Length)]...)
		return true
	}

	transmit(t, sender, receiver, decode)

	if string(decoded) != "AB" {
		t.Fatalf("expected decoded payload AB, got %q", decoded)
	}
	slot := receiver.Find(7, 0, 0)
	entry := receiver.EntryAt(slot)
	if entry.Key.TickWritten != 10 || entry.Length != 2 {
		t.Fatalf("unexpected entry after round trip: %+v", entry)
	}
}

func TestStaleEntryDropped(t *testing.T) {
	sender := New(Config{})
	receiver := New(Config{})

	if err := sender.Store(7, 0, 0, 11, encodeBytes([]byte("CDEF"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	transmit(t, sender, receiver, nil)

	sender2 := New(Config{})
	if err := sender2.Store(7, 0, 0, 10, encodeBytes([]byte("AB"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	transmit(t, sender2, receiver, nil)

	entry := receiver.EntryAt(receiver.Find(7, 0, 0))
	if entry.Key.TickWritten != 11 || entry.Length != 4 {
		t.Fatalf("expected stale tick-10 message to be dropped, got %+v", entry)
	}
}

// transmit serializes sender's full index (mirroring the send-composition
// order: buffer section, then index section) and applies it to receiver.
func transmit(t *testing.T, sender, receiver *Store, decode VariableDecoder) {
	t.Helper()
	var buf bytes.Buffer
	rng := sender.Range()
	if err := proto.WriteUint16(&buf, uint16(rng)); err != nil {
		t.Fatalf("write buffer length: %v", err)
	}
	if _, err := buf.Write(sender.MainBuffer()[:rng]); err != nil {
		t.Fatalf("write buffer bytes: %v", err)
	}
	if err := proto.WriteInt16(&buf, int16(sender.LastEntry())); err != nil {
		t.Fatalf("write entry count: %v", err)
	}
	for i := 0; i < sender.LastEntry(); i++ {
		if err := sender.WriteEntry(&buf, sender.EntryAt(i)); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}

	r := bytes.NewReader(buf.Bytes())
	if _, err := receiver.ReadBuffer(r); err != nil {
		t.Fatalf("read buffer: %v", err)
	}
	if err := receiver.ReadIndex(r, decode); err != nil {
		t.Fatalf("read index: %v", err)
	}
}

func TestAddSpawnTargetsAllClientsWhenServer(t *testing.T) {
	s := New(Config{})
	dir := fakeDirectory{isServer: true, peers: []uint64{1, 2}}
	if err := s.Spawn(proto.Spawn{ObjectID: 42}, 5, dir); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if s.NumSpawns() != 1 {
		t.Fatalf("expected one spawn, got %d", s.NumSpawns())
	}
	spawn := s.SpawnAt(0)
	if len(spawn.TargetClientIDs) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(spawn.TargetClientIDs))
	}
}

func TestAddSpawnTargetsServerWhenClient(t *testing.T) {
	s := New(Config{})
	dir := fakeDirectory{isServer: false, serverID: 99}
	if err := s.Spawn(proto.Spawn{ObjectID: 1}, 1, dir); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	spawn := s.SpawnAt(0)
	if _, ok := spawn.TargetClientIDs[99]; !ok || len(spawn.TargetClientIDs) != 1 {
		t.Fatalf("expected single target 99, got %+v", spawn.TargetClientIDs)
	}
}

// TestSpawnRetransmitUntilAck reproduces S4.
func TestSpawnRetransmitUntilAck(t *testing.T) {
	s := New(Config{})
	dir := fakeDirectory{isServer: true, peers: []uint64{1, 2}}
	if err := s.Spawn(proto.Spawn{ObjectID: 42}, 5, dir); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	c1 := client.New(0)
	var buf bytes.Buffer
	spawn := s.SpawnAt(0)
	if err := s.WriteSpawn(c1, &buf, spawn); err != nil {
		t.Fatalf("write spawn: %v", err)
	}
	c1.AdvanceSequence() // sequence 0 sent

	if err := s.ReadAcks(1, c1, bytes.NewReader(encodeAck(t, 0))); err != nil {
		t.Fatalf("read acks: %v", err)
	}

	remaining := s.SpawnAt(0)
	if _, stillTargeted := remaining.TargetClientIDs[1]; stillTargeted {
		t.Fatalf("expected client 1 removed from targets")
	}
	if _, stillTargeted := remaining.TargetClientIDs[2]; !stillTargeted {
		t.Fatalf("expected client 2 still targeted")
	}
	if s.NumSpawns() != 1 {
		t.Fatalf("expected spawn to remain until fully acked, got %d spawns", s.NumSpawns())
	}
}

func encodeAck(t *testing.T, seq uint16) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := proto.WriteUint16(&buf, seq); err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	return buf.Bytes()
}

func TestSpawnRemovedWhenFullyAcked(t *testing.T) {
	s := New(Config{})
	dir := fakeDirectory{isServer: true, peers: []uint64{1}}
	if err := s.Spawn(proto.Spawn{ObjectID: 42}, 5, dir); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	c1 := client.New(0)
	var buf bytes.Buffer
	if err := s.WriteSpawn(c1, &buf, s.SpawnAt(0)); err != nil {
		t.Fatalf("write spawn: %v", err)
	}
	c1.AdvanceSequence()

	if err := s.ReadAcks(1, c1, bytes.NewReader(encodeAck(t, 0))); err != nil {
		t.Fatalf("read acks: %v", err)
	}
	if s.NumSpawns() != 0 {
		t.Fatalf("expected spawn removed once fully acked, got %d", s.NumSpawns())
	}
}

// TestSpawnIdempotence reproduces S6/idempotence: applying the same spawn
// message twice only invokes the applier once.
func TestSpawnIdempotence(t *testing.T) {
	s := New(Config{})
	applyCount := 0
	apply := func(spawn proto.Spawn, parent *uint64) {
		applyCount++
	}

	spawnWire := proto.Spawn{ObjectID: 1, ParentNetworkID: 1, TickWritten: 5}
	var buf bytes.Buffer
	if err := proto.WriteInt16(&buf, 1); err != nil {
		t.Fatalf("write count: %v", err)
	}
	if err := proto.WriteSpawn(&buf, spawnWire); err != nil {
		t.Fatalf("write spawn: %v", err)
	}
	payload := buf.Bytes()

	if err := s.ReadSpawns(bytes.NewReader(payload), apply); err != nil {
		t.Fatalf("read spawns (1st): %v", err)
	}
	if err := s.ReadSpawns(bytes.NewReader(payload), apply); err != nil {
		t.Fatalf("read spawns (2nd): %v", err)
	}
	if applyCount != 1 {
		t.Fatalf("expected exactly one apply, got %d", applyCount)
	}
}

// TestParentSelfSpawnAppliesAsRoot reproduces S6.
func TestParentSelfSpawnAppliesAsRoot(t *testing.T) {
	s := New(Config{})
	var gotParent *uint64
	apply := func(spawn proto.Spawn, parent *uint64) {
		gotParent = parent
	}
	spawnWire := proto.Spawn{ObjectID: 9, ParentNetworkID: 9, TickWritten: 1}
	var buf bytes.Buffer
	if err := proto.WriteInt16(&buf, 1); err != nil {
		t.Fatalf("write count: %v", err)
	}
	if err := proto.WriteSpawn(&buf, spawnWire); err != nil {
		t.Fatalf("write spawn: %v", err)
	}
	if err := s.ReadSpawns(bytes.NewReader(buf.Bytes()), apply); err != nil {
		t.Fatalf("read spawns: %v", err)
	}
	if gotParent != nil {
		t.Fatalf("expected nil parent for self-referential spawn, got %v", *gotParent)
	}
}

func TestEntryTableFullReturnsError(t *testing.T) {
	s := New(Config{MaxEntries: 1})
	if err := s.Store(1, 0, 0, 1, encodeBytes([]byte("a"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Store(2, 0, 0, 1, encodeBytes([]byte("b"))); err != ErrEntryTableFull {
		t.Fatalf("expected ErrEntryTableFull, got %v", err)
	}
}

// TestFailedResizeDoesNotCorruptUnrelatedEntry reproduces a resize that
// fails after the entry already holds a region: growing entry 1 past the
// arena's remaining capacity must leave entry 1's bytes and range intact,
// not hand its old offset to the next unrelated Store call.
func TestFailedResizeDoesNotCorruptUnrelatedEntry(t *testing.T) {
	s := New(Config{BufSize: 10})
	if err := s.Store(1, 0, 0, 1, encodeBytes([]byte("AAAAAAAAAA"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Store(1, 0, 0, 2, encodeBytes([]byte("BBBBBBBBBBB"))); err == nil {
		t.Fatalf("expected arena-full error growing entry 1 past capacity")
	}

	entry1 := s.EntryAt(s.Find(1, 0, 0))
	if entry1.Position != 0 || entry1.Length != 10 {
		t.Fatalf("expected entry 1 untouched by the failed resize, got %+v", entry1)
	}

	if err := s.Store(2, 0, 0, 3, encodeBytes([]byte("X"))); err == nil {
		t.Fatalf("expected the unrelated store to also fail: entry 1 still owns every byte")
	}

	if got := string(s.MainBuffer()[:10]); got != "AAAAAAAAAA" {
		t.Fatalf("expected entry 1's bytes to survive the failed resize and unrelated store, got %q", got)
	}
}

func TestArenaFullReturnsError(t *testing.T) {
	s := New(Config{BufSize: 4})
	if err := s.Store(1, 0, 0, 1, encodeBytes([]byte("abcd"))); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Store(2, 0, 0, 1, encodeBytes([]byte("x"))); err == nil {
		t.Fatalf("expected arena-full error")
	}
}
